package handler

import (
	"net/http"

	"github.com/sociclaw/credits-gateway/internal/repository"
	"github.com/sociclaw/credits-gateway/internal/service"
)

// AdminHandler provides the operator lookup for topup sessions. It returns
// the raw session including confirmation bookkeeping that the public status
// endpoint omits.
type AdminHandler struct {
	mgr *service.TopupManager
}

func NewAdminHandler(mgr *service.TopupManager) *AdminHandler {
	return &AdminHandler{mgr: mgr}
}

// ServeHTTP handles GET /admin/sessions?sessionId=...
func (a *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, service.NewValidationError("sessionId query parameter is required"))
		return
	}
	s, err := a.mgr.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminProjection(s))
}

func adminProjection(s *repository.Session) map[string]interface{} {
	out := sessionProjection(s)
	out["sessionId"] = s.ID
	out["provider"] = s.Provider
	out["providerUserId"] = s.ProviderUserID
	out["depositAddress"] = s.DepositAddress
	out["amountUsdcExact"] = s.AmountBaseUnits
	out["confirmations"] = s.Confirmations
	out["requiredConfirmations"] = s.RequiredConfirmations
	return out
}
