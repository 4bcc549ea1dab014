package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProvisionerForwardAttachesSecret(t *testing.T) {
	var gotSecret, gotContentType string
	var gotBody ProvisionRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("x-openclaw-secret")
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"api_key":"sk_u"}}`))
	}))
	defer upstream.Close()

	p := NewProvisioner(upstream.URL, "topsecret", 5*time.Second)
	res, err := p.Forward(context.Background(), ProvisionRequest{
		Provider:       "telegram",
		ProviderUserID: "123",
		CreateAPIKey:   true,
	}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Status)
	}
	if gotSecret != "topsecret" {
		t.Fatalf("secret header not forwarded, got %q", gotSecret)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if gotBody.Provider != "telegram" || gotBody.ProviderUserID != "123" || !gotBody.CreateAPIKey {
		t.Fatalf("unexpected upstream payload: %+v", gotBody)
	}
	if !strings.Contains(string(res.Body), "sk_u") {
		t.Fatalf("upstream body not relayed: %s", res.Body)
	}
}

func TestProvisionerRelaysUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"insufficient_funds"}`))
	}))
	defer upstream.Close()

	p := NewProvisioner(upstream.URL, "s", 5*time.Second)
	res, err := p.Forward(context.Background(), ProvisionRequest{Provider: "tg", ProviderUserID: "1"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != http.StatusPaymentRequired {
		t.Fatalf("error status must be relayed verbatim, got %d", res.Status)
	}
	if !strings.Contains(string(res.Body), "insufficient_funds") {
		t.Fatalf("error body must be relayed verbatim: %s", res.Body)
	}
}

func TestProvisionerScrubsSecretFromRelayedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A buggy upstream echoing its auth header
		w.Write([]byte(`{"debug":"header was topsecret"}`))
	}))
	defer upstream.Close()

	p := NewProvisioner(upstream.URL, "topsecret", 5*time.Second)
	res, err := p.Forward(context.Background(), ProvisionRequest{Provider: "tg", ProviderUserID: "1"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(res.Body), "topsecret") {
		t.Fatalf("secret leaked in relayed body: %s", res.Body)
	}
	if !strings.Contains(string(res.Body), "[redacted]") {
		t.Fatalf("expected redaction marker: %s", res.Body)
	}
}

func TestProvisionerUnreachableUpstream(t *testing.T) {
	p := NewProvisioner("http://127.0.0.1:1", "s", 500*time.Millisecond)
	_, err := p.Forward(context.Background(), ProvisionRequest{Provider: "tg", ProviderUserID: "1"}, "")
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Code != "upstream_unreachable" {
		t.Fatalf("expected upstream_unreachable, got %v", err)
	}
	if svcErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", svcErr.Status)
	}
}

func TestProvisionerUnconfigured(t *testing.T) {
	p := NewProvisioner("", "", 5*time.Second)
	_, err := p.Forward(context.Background(), ProvisionRequest{Provider: "tg", ProviderUserID: "1"}, "")
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Code != "config_error" {
		t.Fatalf("expected config_error, got %v", err)
	}
	if svcErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", svcErr.Status)
	}
}
