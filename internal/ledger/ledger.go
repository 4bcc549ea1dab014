// Package ledger applies credit amounts to user accounts through the
// external credits service. The service is idempotent per key: applying the
// same idempotency key twice has the effect of applying it once.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Ledger credits a user account. Implementations must be safe to call
// at-least-once with the same idempotency key.
type Ledger interface {
	Credit(ctx context.Context, provider, providerUserID string, credits int64, idempotencyKey string) error
}

// HTTPLedger posts credit applications to the credits service.
type HTTPLedger struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPLedger constructs an HTTPLedger with a bounded request timeout.
func NewHTTPLedger(url, token string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type creditPayload struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Credits        int64  `json:"credits"`
}

// Credit applies credits to the account identified by (provider,
// providerUserID). The idempotency key travels in the Idempotency-Key header.
func (l *HTTPLedger) Credit(ctx context.Context, provider, providerUserID string, credits int64, idempotencyKey string) error {
	if l.url == "" {
		return fmt.Errorf("ledger URL is not configured")
	}
	payload, err := json.Marshal(creditPayload{
		Provider:       provider,
		ProviderUserID: providerUserID,
		Credits:        credits,
	})
	if err != nil {
		return fmt.Errorf("encode credit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build credit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error().Int("status", resp.StatusCode).Str("idempotency_key", idempotencyKey).Msg("ledger rejected credit")
		return fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
	return nil
}
