package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NewJWTMiddleware returns a middleware that validates HMAC-signed JWT tokens
// guarding the operator admin surface. It checks the signing method, the
// token expiration and issuer (`iss`), and injects `X-User-ID` (from `sub`)
// into request headers on success.
func NewJWTMiddleware(secret []byte, expectedIssuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeUnauthorized(w, "invalid Authorization header format")
				return
			}

			var claims jwt.RegisteredClaims
			token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeUnauthorized(w, "invalid token")
				return
			}
			if claims.ExpiresAt == nil || time.Now().After(claims.ExpiresAt.Time) {
				writeUnauthorized(w, "token is expired or missing exp claim")
				return
			}
			if expectedIssuer != "" && claims.Issuer != expectedIssuer {
				writeUnauthorized(w, "invalid token issuer")
				return
			}

			r2 := r.Clone(r.Context())
			if claims.Subject != "" {
				r2.Header.Set("X-User-ID", claims.Subject)
			}
			next.ServeHTTP(w, r2)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
