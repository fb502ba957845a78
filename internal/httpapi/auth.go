// Login/logout endpoints. Per-request identity is already bound by
// internal/middleware.Auth from the bearer token Upstream issued (spec.md
// §1 Non-goals: this gateway never authenticates users itself); these two
// endpoints exist only to run the bookkeeping spec.md §3's Lifecycle ties
// to the login/logout boundary — seeding the session-id counter on login,
// and the total flush on logout.
//
// Grounded on internal/handlers/auth.go's Login/Logout handlers, trimmed of
// password verification and token issuance (both belong to Upstream here).
package httpapi

import (
	"encoding/json"
	"net/http"

	"egobackend/internal/catalog"
	"egobackend/internal/push"
	"egobackend/internal/registry"
)

// AuthHandler serves the login/logout lifecycle boundary.
type AuthHandler struct {
	reg *registry.Registry
	cat *catalog.Catalog
	hub *push.Hub
}

// NewAuthHandler creates an AuthHandler. hub may be nil (no push fanout
// configured), in which case logout skips the disconnect step.
func NewAuthHandler(reg *registry.Registry, cat *catalog.Catalog, hub *push.Hub) *AuthHandler {
	return &AuthHandler{reg: reg, cat: cat, hub: hub}
}

type loginRequest struct {
	LastUpstreamSessionID int `json:"last_upstream_session_id"`
}

// HandleLogin seeds the per-user session-id counter from the caller's
// reported lastUpstreamSessionId cursor (spec.md §4.4 "the counter is
// re-seeded on login"). The bearer token itself was already validated by
// internal/middleware.Auth to reach here.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req loginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	h.cat.SeedCounter(userID, req.LastUpstreamSessionID)

	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout performs spec.md §3's total flush: every catalog, transcript,
// counter, and active-stream entry for this user is discarded. The registry
// flush signals every active streamSession to stop, and each one releases
// its own Bus consumer slot through its normal stopCh/defer path as it
// exits, so the hub disconnect below only needs to run last, once nothing
// will try to write through a live socket again.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.reg.Flush(userID)
	if h.hub != nil {
		h.hub.ForceDisconnectAll(userID)
	}

	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
