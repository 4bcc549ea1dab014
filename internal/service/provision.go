package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const secretHeader = "x-openclaw-secret"

// maxUpstreamBody caps relayed upstream responses at 1MB.
const maxUpstreamBody = 1 << 20

// ProvisionRequest is the normalized payload forwarded upstream.
type ProvisionRequest struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	CreateAPIKey   bool   `json:"create_api_key"`
}

// UpstreamResult is the upstream's verbatim status and body, scrubbed of the
// shared secret.
type UpstreamResult struct {
	Status int
	Body   []byte
}

// Provisioner owns the upstream secret and forwards provisioning requests.
// No method ever returns the secret; relayed bodies are scrubbed before they
// leave this boundary.
type Provisioner struct {
	upstreamURL string
	secret      string
	client      *http.Client
}

// NewProvisioner constructs a Provisioner with a bounded upstream timeout.
func NewProvisioner(upstreamURL, secret string, timeout time.Duration) *Provisioner {
	return &Provisioner{
		upstreamURL: upstreamURL,
		secret:      secret,
		client:      &http.Client{Timeout: timeout},
	}
}

// Configured reports whether both the upstream URL and the shared secret are
// set. Missing either is a deployment error, never user-triggerable.
func (p *Provisioner) Configured() bool {
	return p.upstreamURL != "" && p.secret != ""
}

// Forward posts the normalized request upstream with the shared secret
// attached and relays the response. Transport failures surface as a distinct
// upstream-unreachable error rather than an internal one.
func (p *Provisioner) Forward(ctx context.Context, req ProvisionRequest, requestID string) (*UpstreamResult, error) {
	if !p.Configured() {
		return nil, NewConfigError("provisioning upstream is not configured")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewValidationError("could not encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstreamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, NewConfigError("invalid upstream URL")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(secretHeader, p.secret)
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		log.Error().Str("request_id", requestID).Msg("provisioning upstream unreachable")
		return nil, NewUpstreamUnreachableError("provisioning upstream unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, NewUpstreamUnreachableError("failed reading upstream response")
	}

	return &UpstreamResult{Status: resp.StatusCode, Body: p.scrub(body)}, nil
}

// scrub removes any occurrence of the shared secret from a relayed body.
// Upstream should never echo it; this is the sanitization step the boundary
// relies on instead of trusting call sites.
func (p *Provisioner) scrub(body []byte) []byte {
	if p.secret == "" {
		return body
	}
	return bytes.ReplaceAll(body, []byte(p.secret), []byte("[redacted]"))
}
