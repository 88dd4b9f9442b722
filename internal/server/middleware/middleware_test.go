package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func (f *fakeLimiter) Wait(context.Context, string) error { return nil }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRateLimit(t *testing.T) {
	tests := []struct {
		name    string
		limiter *fakeLimiter
		want    int
	}{
		{"allowed", &fakeLimiter{allow: true}, http.StatusOK},
		{"denied", &fakeLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter down fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(tt.limiter, 10, time.Minute, discardLogger())(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/risk", nil)
			req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, []string{"ratelimit:api:10.0.0.7"}, tt.limiter.keys)
			if tt.want == http.StatusTooManyRequests {
				assert.Equal(t, "60", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", " 198.51.100.4 ")
	assert.Equal(t, "198.51.100.4", clientIP(req))
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	cases := []struct {
		path, header, value string
		want                int
	}{
		{"/api/health", "", "", http.StatusOK},
		{"/api/risk", "", "", http.StatusUnauthorized},
		{"/api/risk", "Authorization", "Bearer secret", http.StatusOK},
		{"/api/risk", "Authorization", "Basic secret", http.StatusUnauthorized},
		{"/api/risk", "X-API-Key", "wrong", http.StatusUnauthorized},
		{"/api/risk", "X-API-Key", "secret", http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		if c.header != "" {
			req.Header.Set(c.header, c.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, c.want, rec.Code, "%s %s=%s", c.path, c.header, c.value)
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/risk", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/risk", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
