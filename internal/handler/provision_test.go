package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sociclaw/credits-gateway/internal/metrics"
	"github.com/sociclaw/credits-gateway/internal/repository"
	"github.com/sociclaw/credits-gateway/internal/service"
)

func newProvisionHandler(upstreamURL, token string, limits Limits) *ProvisionHandler {
	svc := service.NewProvisioner(upstreamURL, "s3cret", 5*time.Second)
	lim := service.NewRateLimiter(repository.NewMemoryRateStore(1000), false)
	return NewProvisionHandler(svc, lim, metrics.NewRegistry(), token, limits)
}

func defaultLimits() Limits {
	return Limits{Window: time.Minute, IPLimit: 100, UserLimit: 100}
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
	}
	return out
}

func TestProvisionMethodNotAllowed(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "", defaultLimits())
	req := httptest.NewRequest(http.MethodGet, "/provision", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if w.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", w.Header().Get("Allow"))
	}
}

func TestProvisionRequiresBearerToken(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "internal-token", defaultLimits())

	w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestProvisionRejectsInvalidProviderBeforeUpstream(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))
	defer upstream.Close()

	h := newProvisionHandler(upstream.URL, "", defaultLimits())
	w := postJSON(h, "/provision", `{"provider":"a","provider_user_id":"1"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %v", body["error"])
	}
	if upstreamCalled {
		t.Fatal("invalid input must never reach the upstream")
	}
}

func TestProvisionRelaysUpstreamVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-openclaw-secret") != "s3cret" {
			t.Errorf("missing secret header")
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"api_key":"sk_user_1"}}`))
	}))
	defer upstream.Close()

	h := newProvisionHandler(upstream.URL, "", defaultLimits())
	w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"1"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected relayed 201, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sk_user_1") {
		t.Fatalf("upstream body not relayed: %s", w.Body.String())
	}
}

func TestProvisionEmptyBodyUsesDefaults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newProvisionHandler(upstream.URL, "", defaultLimits())
	// Empty body parses as an empty object, then fails provider validation.
	w := postJSON(h, "/provision", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}
}

func TestProvisionIPRateLimit(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "", Limits{Window: time.Minute, IPLimit: 2, UserLimit: 100})

	for i := 0; i < 2; i++ {
		w := postJSON(h, "/provision", `{"provider":"a","provider_user_id":"1"}`)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d should not be limited", i+1)
		}
	}
	w := postJSON(h, "/provision", `{"provider":"a","provider_user_id":"1"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	body := decodeBody(t, w)
	if body["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited, got %v", body["error"])
	}
	if _, ok := body["retryAfterSeconds"]; !ok {
		t.Fatal("expected retryAfterSeconds in body")
	}
}

func TestProvisionUserRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newProvisionHandler(upstream.URL, "", Limits{Window: time.Minute, IPLimit: 100, UserLimit: 1})

	if w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"7"}`); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	if w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"7"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same user, got %d", w.Code)
	}
	// A different user from the same IP is unaffected.
	if w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"8"}`); w.Code != http.StatusOK {
		t.Fatalf("different user should pass, got %d", w.Code)
	}
}

func postWithForwardedFor(h http.Handler, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", xff)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProvisionIgnoresForwardedForByDefault(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "", Limits{Window: time.Minute, IPLimit: 2, UserLimit: 100})

	// Rotating the header must not mint fresh buckets: the limit keys off
	// the socket address unless a trusted proxy is configured.
	if w := postWithForwardedFor(h, "198.51.100.1"); w.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be limited")
	}
	if w := postWithForwardedFor(h, "198.51.100.2"); w.Code == http.StatusTooManyRequests {
		t.Fatal("second request should not be limited")
	}
	if w := postWithForwardedFor(h, "198.51.100.3"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 despite rotated header, got %d", w.Code)
	}
}

func TestProvisionHonorsForwardedForBehindTrustedProxy(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "",
		Limits{Window: time.Minute, IPLimit: 1, UserLimit: 100, TrustProxyHeaders: true})

	if w := postWithForwardedFor(h, "198.51.100.7"); w.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be limited")
	}
	if w := postWithForwardedFor(h, "198.51.100.7"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same forwarded address, got %d", w.Code)
	}
	// A different forwarded address from the same socket gets its own bucket.
	if w := postWithForwardedFor(h, "198.51.100.8"); w.Code == http.StatusTooManyRequests {
		t.Fatal("distinct forwarded address should not share the bucket")
	}
}

func TestProvisionUpstreamUnreachable(t *testing.T) {
	h := newProvisionHandler("http://127.0.0.1:1", "", defaultLimits())
	w := postJSON(h, "/provision", `{"provider":"telegram","provider_user_id":"1"}`)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "upstream_unreachable" {
		t.Fatalf("expected upstream_unreachable, got %v", body["error"])
	}
}
