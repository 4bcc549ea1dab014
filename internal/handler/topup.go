package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sociclaw/credits-gateway/internal/metrics"
	"github.com/sociclaw/credits-gateway/internal/repository"
	"github.com/sociclaw/credits-gateway/internal/service"
)

// TopupHandler exposes the deposit lifecycle: start, claim and status.
type TopupHandler struct {
	mgr     *service.TopupManager
	limiter *service.RateLimiter
	metrics *metrics.Registry
	limits  Limits
}

func NewTopupHandler(mgr *service.TopupManager, limiter *service.RateLimiter, m *metrics.Registry, limits Limits) *TopupHandler {
	return &TopupHandler{mgr: mgr, limiter: limiter, metrics: m, limits: limits}
}

type topupStartBody struct {
	Provider          string  `json:"provider"`
	ProviderUserID    string  `json:"providerUserId"`
	ExpectedAmountUSD float64 `json:"expectedAmountUsd"`
	Chain             string  `json:"chain"`
	TokenSymbol       string  `json:"tokenSymbol"`
}

type topupClaimBody struct {
	SessionID string `json:"sessionId"`
	TxHash    string `json:"txHash"`
	Wait      bool   `json:"wait"`
}

// Start handles POST /topup/start.
func (h *TopupHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.metrics.Requests.Inc()
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	ctx := r.Context()
	if !h.allowIP(w, r) {
		return
	}

	var body topupStartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
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
	if !h.allowUser(w, r, provider, providerUserID) {
		return
	}

	res, err := h.mgr.Start(ctx, provider, providerUserID, body.ExpectedAmountUSD, body.Chain, body.TokenSymbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":        res.SessionID,
		"depositAddress":   res.DepositAddress,
		"amountUsdcExact":  res.AmountBaseUnits,
		"creditsPerUsd":    res.CreditsPerUSD,
		"creditsEstimated": res.CreditsEstimated,
		"minDepositUsd":    res.MinDepositUSD,
	})
}

// Claim handles POST /topup/claim.
func (h *TopupHandler) Claim(w http.ResponseWriter, r *http.Request) {
	h.metrics.Requests.Inc()
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.allowIP(w, r) {
		return
	}

	var body topupClaimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, service.NewValidationError("request body is not valid JSON"))
		return
	}
	if body.SessionID == "" {
		writeError(w, service.NewValidationError("sessionId is required"))
		return
	}

	res, err := h.mgr.Claim(r.Context(), body.SessionID, body.TxHash, body.Wait)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Status == repository.StatusCredited {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          string(res.Status),
			"sessionId":       res.SessionID,
			"creditsCredited": res.CreditsCredited,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                string(res.Status),
		"sessionId":             res.SessionID,
		"confirmations":         res.Confirmations,
		"requiredConfirmations": res.RequiredConfirmations,
	})
}

// Status handles GET /topup/status?sessionId=...
func (h *TopupHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.metrics.Requests.Inc()
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if !h.allowIP(w, r) {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, service.NewValidationError("sessionId query parameter is required"))
		return
	}

	s, err := h.mgr.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionProjection(s))
}

func sessionProjection(s *repository.Session) map[string]interface{} {
	out := map[string]interface{}{
		"status":           string(s.Status),
		"amountUsd":        s.AmountUSD,
		"creditsEstimated": s.CreditsEstimated,
		"creditsCredited":  s.CreditsCredited,
		"txHash":           nullable(s.TxHash),
		"createdAt":        s.CreatedAt.UTC().Format(time.RFC3339),
		"confirmedAt":      nullableTime(s.ConfirmedAt),
		"creditedAt":       nullableTime(s.CreditedAt),
	}
	return out
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (h *TopupHandler) allowIP(w http.ResponseWriter, r *http.Request) bool {
	dec, err := h.limiter.Check(r.Context(), service.IPKey(clientIP(r, h.limits.TrustProxyHeaders)), h.limits.IPLimit, h.limits.Window)
	if err != nil {
		log.Error().Err(err).Msg("rate limit evaluation error")
		writeError(w, service.NewConfigError("rate limiter unavailable"))
		return false
	}
	if !dec.Allowed {
		h.metrics.RateLimited.Inc()
		writeError(w, service.NewRateLimitedError(dec.RetryAfterSeconds))
		return false
	}
	return true
}

func (h *TopupHandler) allowUser(w http.ResponseWriter, r *http.Request, provider, providerUserID string) bool {
	dec, err := h.limiter.Check(r.Context(), service.UserKey(provider, providerUserID), h.limits.UserLimit, h.limits.Window)
	if err != nil {
		log.Error().Err(err).Msg("rate limit evaluation error")
		writeError(w, service.NewConfigError("rate limiter unavailable"))
		return false
	}
	if !dec.Allowed {
		h.metrics.RateLimited.Inc()
		writeError(w, service.NewRateLimitedError(dec.RetryAfterSeconds))
		return false
	}
	return true
}
