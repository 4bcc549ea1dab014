package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func signToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	secret := []byte("admin-secret")
	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.Header.Get("X-User-ID")
	})
	h := NewJWTMiddleware(secret, "credits-gateway")(next)

	token := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "ops-1",
		Issuer:    "credits-gateway",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotUserID != "ops-1" {
		t.Fatalf("expected X-User-ID injection, got %q", gotUserID)
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	secret := []byte("admin-secret")
	h := NewJWTMiddleware(secret, "credits-gateway")(okHandler())

	expired := signToken(t, secret, jwt.RegisteredClaims{
		Issuer:    "credits-gateway",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	wrongIssuer := signToken(t, secret, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	wrongKey := signToken(t, []byte("other"), jwt.RegisteredClaims{
		Issuer:    "credits-gateway",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	cases := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"malformed header", "Bearer"},
		{"not a token", "Bearer garbage"},
		{"expired", "Bearer " + expired},
		{"wrong issuer", "Bearer " + wrongIssuer},
		{"wrong key", "Bearer " + wrongKey},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, w.Code)
		}
	}
}

func TestNoStoreSetsHeadersAndAnswersPreflight(t *testing.T) {
	h := NoStore(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", w.Header().Get("Cache-Control"))
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS origin")
	}

	req = httptest.NewRequest(http.MethodOptions, "/topup/start", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight should short-circuit with 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("preflight must advertise allowed methods")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	h := RequestSizeLimit(16)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader("small"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("small body should pass, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(strings.Repeat("x", 64)))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body should be rejected, got %d", w.Code)
	}
}

func TestRequestIDGeneratedAndPreserved(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	})
	h := RequestID(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Fatal("request id must echo in the response")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "caller-supplied" {
		t.Fatalf("caller request id must be preserved, got %q", seen)
	}
}
