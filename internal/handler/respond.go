package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/sociclaw/credits-gateway/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error to its HTTP shape. Unknown errors become an
// opaque 500 so internals never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "internal",
			"message": "internal error",
		})
		return
	}
	body := map[string]interface{}{
		"error":   svcErr.Code,
		"message": svcErr.Message,
	}
	if svcErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(svcErr.RetryAfterSeconds))
		body["retryAfterSeconds"] = svcErr.RetryAfterSeconds
	}
	if svcErr.ExpectedRaw != "" {
		body["expectedRaw"] = svcErr.ExpectedRaw
		body["receivedRaw"] = svcErr.ReceivedRaw
	}
	writeJSON(w, svcErr.Status, body)
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":   "method_not_allowed",
		"message": "method not allowed, use " + allowed,
	})
}

// clientIP extracts the caller address. X-Forwarded-For is honored only when
// the deployment runs behind a trusted proxy; a direct caller could otherwise
// rotate the header to escape the per-IP bucket.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
