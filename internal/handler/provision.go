package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sociclaw/credits-gateway/internal/metrics"
	"github.com/sociclaw/credits-gateway/internal/service"
)

// Limits carries the per-scope rate-limit settings shared by the handlers.
type Limits struct {
	Window    time.Duration
	IPLimit   int
	UserLimit int
	// TrustProxyHeaders keys the IP bucket by X-Forwarded-For instead of
	// the socket address. Enable only behind a trusted proxy.
	TrustProxyHeaders bool
}

// ProvisionHandler accepts provisioning requests, enforces auth and abuse
// controls and relays the upstream outcome.
type ProvisionHandler struct {
	svc           *service.Provisioner
	limiter       *service.RateLimiter
	metrics       *metrics.Registry
	internalToken string
	limits        Limits
}

func NewProvisionHandler(svc *service.Provisioner, limiter *service.RateLimiter, m *metrics.Registry, internalToken string, limits Limits) *ProvisionHandler {
	return &ProvisionHandler{
		svc:           svc,
		limiter:       limiter,
		metrics:       m,
		internalToken: internalToken,
		limits:        limits,
	}
}

type provisionBody struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	CreateAPIKey   *bool  `json:"create_api_key"`
}

func (h *ProvisionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.metrics.Requests.Inc()

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	if h.internalToken != "" {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+h.internalToken)) != 1 {
			writeError(w, service.NewAuthError("missing or invalid bearer token"))
			return
		}
	}

	// The IP bucket is charged before the body is even read: the cheapest
	// possible rejection path.
	ctx := r.Context()
	dec, err := h.limiter.Check(ctx, service.IPKey(clientIP(r, h.limits.TrustProxyHeaders)), h.limits.IPLimit, h.limits.Window)
	if err != nil {
		log.Error().Err(err).Msg("rate limit evaluation error")
		writeError(w, service.NewConfigError("rate limiter unavailable"))
		return
	}
	if !dec.Allowed {
		h.metrics.RateLimited.Inc()
		writeError(w, service.NewRateLimitedError(dec.RetryAfterSeconds))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, service.NewValidationError("could not read request body"))
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var body provisionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, service.NewValidationError("request body is not valid JSON"))
		return
	}

	provider, err := service.ValidateProvider(body.Provider)
	if err != nil {
		writeError(w, err)
		return
	}
	providerUserID, err := service.ValidateProviderUserID(body.ProviderUserID)
	if err != nil {
		writeError(w, err)
		return
	}

	dec, err = h.limiter.Check(ctx, service.UserKey(provider, providerUserID), h.limits.UserLimit, h.limits.Window)
	if err != nil {
		log.Error().Err(err).Msg("rate limit evaluation error")
		writeError(w, service.NewConfigError("rate limiter unavailable"))
		return
	}
	if !dec.Allowed {
		h.metrics.RateLimited.Inc()
		writeError(w, service.NewRateLimitedError(dec.RetryAfterSeconds))
		return
	}

	createAPIKey := true
	if body.CreateAPIKey != nil {
		createAPIKey = *body.CreateAPIKey
	}

	res, err := h.svc.Forward(ctx, service.ProvisionRequest{
		Provider:       provider,
		ProviderUserID: providerUserID,
		CreateAPIKey:   createAPIKey,
	}, r.Header.Get("X-Request-ID"))
	if err != nil {
		var svcErr *service.Error
		if errors.As(err, &svcErr) && svcErr.Code == "upstream_unreachable" {
			h.metrics.UpstreamErrors.Inc()
		}
		writeError(w, err)
		return
	}

	// Relay the upstream status and body verbatim; the secret was already
	// scrubbed at the service boundary.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}
