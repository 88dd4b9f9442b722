// Package crypto keeps exchange credentials encrypted at rest and
// authenticates signed webhook payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	secretVersion    = 1
)

var errEmptyPassword = errors.New("crypto: password must not be empty")

// sealedSecret is the on-disk format of an encrypted API secret.
type sealedSecret struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretSource says where the exchange API secret comes from.
type SecretSource struct {
	// Plain is used as-is when set.
	Plain string
	// EncryptedPath is a file produced by EncryptSecret.
	EncryptedPath string
	Password      string
}

// EncryptSecret seals secret with a password (PBKDF2-HMAC-SHA256 key
// derivation, AES-256-GCM) and returns the JSON file contents.
func EncryptSecret(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errEmptyPassword
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(sealedSecret{
		Version:    secretVersion,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// DecryptSecret opens a blob produced by EncryptSecret.
func DecryptSecret(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}
	var s sealedSecret
	if err := json.Unmarshal(blob, &s); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed secret: %w", err)
	}
	if s.Version != secretVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", s.Version)
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := enc.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	sealed, err := enc.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plain), nil
}

// LoadSecret resolves the API secret: a plain value wins, then the
// encrypted file. An empty source yields an empty secret, which the paper
// exchange accepts.
func LoadSecret(src SecretSource) (string, error) {
	if src.Plain != "" {
		return src.Plain, nil
	}
	if src.EncryptedPath == "" {
		return "", nil
	}
	blob, err := os.ReadFile(src.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: reading sealed secret: %w", err)
	}
	return DecryptSecret(blob, src.Password)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
