package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in the X-Signature header.
const SignaturePrefix = "sha256="

// WebhookSigner signs and verifies request bodies with HMAC-SHA256.
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner returns a signer for secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret)}
}

// Sign returns the X-Signature header value for body.
func (s *WebhookSigner) Sign(body []byte) string {
	return SignaturePrefix + hex.EncodeToString(s.mac(body))
}

// Verify reports whether header carries a valid signature of body. The
// "sha256=" prefix is optional.
func (s *WebhookSigner) Verify(header string, body []byte) bool {
	if len(s.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), SignaturePrefix))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, s.mac(body))
}

func (s *WebhookSigner) mac(body []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	return m.Sum(nil)
}

// String never exposes the secret.
func (s *WebhookSigner) String() string {
	return "WebhookSigner{secret=****}"
}
