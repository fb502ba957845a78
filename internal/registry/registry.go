// Package registry provides the single shared capability surface that lets
// otherwise-circular modules (auth, catalog, transcript, push) call into
// each other without importing one another directly.
package registry

import (
	"context"
	"sync"
)

type contextKey string

const currentUserKey contextKey = "orchestrator.current_user"

// WithUser returns a context carrying the authenticated user id. The
// transport layer (HTTP middleware, WS upgrade handler) is the only place
// that should call this — everything downstream reads it back out with
// UserFromContext, never a package-level global.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, currentUserKey, userID)
}

// UserFromContext extracts the user id bound by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(currentUserKey).(string)
	return v, ok && v != ""
}

// FlushHook is called when a user's in-process state must be wholesale
// discarded, e.g. on logout.
type FlushHook func(userID string)

// Registry holds the handful of cross-cutting capabilities that would
// otherwise force internal/catalog, internal/transcript, internal/push and
// internal/consumer to import each other directly. Components register
// their flush behavior at construction time; internal/httpapi's logout
// handler is the only caller of Flush.
type Registry struct {
	mu            sync.RWMutex
	flushHooks    []FlushHook
	lastUpstream  map[string]int // userID -> lastUpstreamSessionId cursor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		lastUpstream: make(map[string]int),
	}
}

// RegisterFlushHook adds a hook invoked by Flush, in registration order.
func (r *Registry) RegisterFlushHook(h FlushHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushHooks = append(r.flushHooks, h)
}

// Flush runs every registered hook for userID. Used on logout to discard
// all in-process session/transcript/catalog state for that user.
func (r *Registry) Flush(userID string) {
	r.mu.RLock()
	hooks := make([]FlushHook, len(r.flushHooks))
	copy(hooks, r.flushHooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		h(userID)
	}

	r.mu.Lock()
	delete(r.lastUpstream, userID)
	r.mu.Unlock()
}

// LastUpstreamSessionID returns the highest session id this user has ever
// received from Upstream, used by catalog.NextLocal.
func (r *Registry) LastUpstreamSessionID(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpstream[userID]
}

// SetLastUpstreamSessionID records the highest session id seen from
// Upstream for this user, if it's larger than the current cursor.
func (r *Registry) SetLastUpstreamSessionID(userID string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id > r.lastUpstream[userID] {
		r.lastUpstream[userID] = id
	}
}
