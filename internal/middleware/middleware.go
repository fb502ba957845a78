// Package middleware provides the HTTP middleware chain: bearer token
// authentication binding the current user, and a maintenance-mode gate.
// CORS is not handled here; cmd/orchestrator installs go-chi/cors itself.
//
// Grounded on internal/middleware/maintenance.go and internal/handlers/
// auth.go's AuthMiddleware/extractToken, adapted from a DB-backed user
// lookup + bypass-token table to this gateway's opaque-token model: the
// subject claim Upstream's JWT carries IS the user id, no local user table
// exists to join against (spec.md §1 Non-goals), and the maintenance
// bypass token is the single string passed to Maintenance (an empty string
// disables the bypass) instead of a per-incident DB-issued one.
package middleware

import (
	"net/http"
	"strings"
	"sync/atomic"

	"egobackend/internal/auth"
	"egobackend/internal/registry"
)

// Auth validates the bearer token on every request and binds the subject
// claim into the request context via registry.WithUser, the same context
// key the Coordinator and catalog read current-user from.
func Auth(authSvc *auth.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractToken(r)
			if tokenString == "" {
				respondError(w, http.StatusUnauthorized, "authorization token is missing")
				return
			}

			userID, err := authSvc.ValidateJWT(tokenString)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := registry.WithUser(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken retrieves the JWT from the Authorization header for normal
// requests, or the 'token' query parameter for WebSocket upgrades (browsers
// cannot set arbitrary headers on the WS handshake).
func extractToken(r *http.Request) string {
	if strings.Contains(r.URL.Path, "/ws") {
		return r.URL.Query().Get("token")
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// maintenanceEnabled is an in-memory toggle: this gateway holds no
// persistent state (spec.md §1 Non-goals), so maintenance mode is process
// scoped and reset on restart, set via the /api/maintenance endpoints
// cmd/orchestrator registers.
var maintenanceEnabled atomic.Bool

// SetMaintenance flips the maintenance toggle.
func SetMaintenance(enabled bool) {
	maintenanceEnabled.Store(enabled)
}

// MaintenanceEnabled reports the current toggle state.
func MaintenanceEnabled() bool {
	return maintenanceEnabled.Load()
}

// Maintenance blocks every request with 503 while maintenance mode is
// enabled, except CORS preflight and the /status and /api/maintenance
// endpoints (always let through) and requests carrying the bypass token.
func Maintenance(bypassToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || !maintenanceEnabled.Load() {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/status") || strings.HasPrefix(r.URL.Path, "/api/maintenance") {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get("X-Bypass-Token")
			if token == "" {
				token = r.URL.Query().Get("bypass_token")
			}
			if bypassToken != "" && token == bypassToken {
				next.ServeHTTP(w, r)
				return
			}
			respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable for maintenance")
		})
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
