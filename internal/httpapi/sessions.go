// Session Catalog HTTP endpoints: list, FIFO re-sync ("Trigger A"),
// history backfill, session/chat id minting, and deletion.
//
// Grounded on internal/handlers/sessions.go's GetUserSessions/CreateSession
// handlers, adapted from a SQL-backed catalog to internal/catalog.Catalog's
// in-memory sliding window, and on internal/handlers/stream_manager.go's
// use of internal/websocket.Hub's room registry for the pattern of
// "subscribe to the async reply queue before firing the HTTP trigger that
// will cause Upstream to publish onto it."
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"egobackend/internal/bus"
	"egobackend/internal/catalog"
	"egobackend/internal/models"
	"egobackend/internal/registry"
	"egobackend/internal/transcript"
	"egobackend/internal/upstream"
)

// SessionsHandler serves the Session Catalog's HTTP surface.
type SessionsHandler struct {
	cat        *catalog.Catalog
	transcript *transcript.Store
	up         *upstream.Client
	b          bus.Bus
	validate   *validator.Validate
}

// NewSessionsHandler creates a SessionsHandler. b is the raw Bus, held
// directly rather than through internal/consumer.Manager: the session-index
// and session-history queues are not chat-scoped streaming slots, they are
// one-shot request/reply exchanges keyed by a throwaway consumer tag, so
// the Manager's one-consumer-per-(user,session) invariant does not apply.
func NewSessionsHandler(cat *catalog.Catalog, ts *transcript.Store, up *upstream.Client, b bus.Bus, validate *validator.Validate) *SessionsHandler {
	return &SessionsHandler{cat: cat, transcript: ts, up: up, b: b, validate: validate}
}

// HandleList serves GET /api/sessions: memory-first if the catalog already
// holds an Upstream-sourced entry, otherwise it performs the same FIFO
// re-sync as HandleSessionName before replying (spec.md §4.4 cache policy:
// "a catalog that contains only local sessions triggers a fresh fetch").
func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.cat.HasUpstreamEntry(userID) {
		RespondWithJSON(w, http.StatusOK, models.ToSessionDTOList(h.cat.List(userID)))
		return
	}

	merged, err := h.resync(r.Context(), userID)
	if err != nil {
		log.Printf("[httpapi] session list re-sync for %s: %v, serving local-only view", userID, err)
		RespondWithJSON(w, http.StatusOK, models.ToSessionDTOList(h.cat.List(userID)))
		return
	}
	RespondWithJSON(w, http.StatusOK, models.ToSessionDTOList(merged))
}

// HandleSessionName serves POST /api/sessionName: the FIFO re-sync trigger
// (spec.md §4.4 "Trigger A"). It subscribes to the session-index queue
// before calling Upstream's /sessionName, so no publish lands in the gap
// (spec.md §4.3's subscribe-before-trigger ordering), then responds with
// the merged list immediately and commits that merge into the catalog in a
// detached goroutine afterward.
func (h *SessionsHandler) HandleSessionName(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	merged, err := h.resync(r.Context(), userID)
	if err != nil {
		RespondWithError(w, http.StatusBadGateway, fmt.Sprintf("session re-sync failed: %v", err))
		return
	}
	RespondWithJSON(w, http.StatusOK, models.ToSessionDTOList(merged))
}

// resync subscribes to the session-index queue, triggers Upstream's
// /sessionName, waits (bounded) for the reply, and returns the merge
// preview. The preview is computed first; resync then commits the same
// entries with catalog.Reconcile in a background goroutine, so the caller
// does not wait on that commit — spec.md §4.4's "return the
// merged list to the client first, then update the in-memory catalog in a
// detached task."
func (h *SessionsHandler) resync(ctx context.Context, userID string) ([]models.Session, error) {
	tag := "sessionindex_" + uuid.NewString()
	subCtx, cancel := context.WithTimeout(context.Background(), upstream.SessionNameTimeout+5*time.Second)

	deliveries, err := h.b.Consume(subCtx, bus.QueueSessionIndex, tag)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe session-index: %w", err)
	}

	triggerCtx, triggerCancel := context.WithTimeout(ctx, upstream.SessionNameTimeout)
	triggerErr := h.up.SessionName(triggerCtx, userID)
	triggerCancel()
	if triggerErr != nil {
		cancel()
		h.b.Cancel(tag)
		return nil, fmt.Errorf("trigger sessionName: %w", triggerErr)
	}

	entries := h.awaitSessionIndex(subCtx, deliveries, userID)
	cancel()
	h.b.Cancel(tag)

	merged := h.cat.MergePreview(userID, entries)
	go h.cat.Reconcile(userID, entries)
	return merged, nil
}

// awaitSessionIndex drains the session-index subscription for the first
// delivery addressed to userID, or until subCtx expires — Upstream publishes
// one payload per /sessionName call, not a stream, so the first match is
// the answer.
func (h *SessionsHandler) awaitSessionIndex(subCtx context.Context, deliveries <-chan bus.Delivery, userID string) []catalog.SyncEntry {
	for {
		select {
		case <-subCtx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			kind, payload, err := bus.Decode(d.Body)
			if err != nil {
				d.Nack(false)
				continue
			}
			d.Ack()
			if kind != bus.KindSessionIndex {
				continue
			}
			p := payload.(bus.SessionIndexPayload)
			if p.UserID != "" && p.UserID != userID {
				continue
			}
			return toSyncEntries(p.Entries)
		}
	}
}

func toSyncEntries(entries []bus.SessionIndexEntry) []catalog.SyncEntry {
	out := make([]catalog.SyncEntry, len(entries))
	for i, e := range entries {
		out[i] = catalog.SyncEntry{SessionID: e.SessionID, Title: e.Title}
	}
	return out
}

// HandleSessionHistory serves POST /api/sessionhistory: memory-first
// transcript read, falling back to an Upstream+Bus backfill (spec.md §6)
// when the Transcript Store has nothing for this session yet (process
// restart, or a session evicted and later reopened).
func (h *SessionsHandler) HandleSessionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.SessionNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == 0 {
		RespondWithError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if msgs := h.transcript.Snapshot(userID, req.SessionID); len(msgs) > 0 {
		RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
		return
	}

	msgs, err := h.backfill(r.Context(), userID, req.SessionID)
	if err != nil {
		log.Printf("[httpapi] session history backfill for %s/%d: %v", userID, req.SessionID, err)
		RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": []models.Message{}})
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// backfill mirrors resync's subscribe-then-trigger ordering against the
// session-history queue instead of session-index, and installs whatever
// Upstream returns into the Transcript Store via LoadBackfill.
func (h *SessionsHandler) backfill(ctx context.Context, userID string, sessionID int) ([]models.Message, error) {
	tag := "sessionhistory_" + uuid.NewString()
	subCtx, cancel := context.WithTimeout(context.Background(), upstream.HistoryTimeout+5*time.Second)
	defer cancel()

	deliveries, err := h.b.Consume(subCtx, bus.QueueSessionHistory, tag)
	if err != nil {
		return nil, fmt.Errorf("subscribe session-history: %w", err)
	}
	defer h.b.Cancel(tag)

	triggerCtx, triggerCancel := context.WithTimeout(ctx, upstream.HistoryTimeout)
	err = h.up.SessionHistory(triggerCtx, userID, sessionID)
	triggerCancel()
	if err != nil {
		return nil, fmt.Errorf("trigger sessionhistory: %w", err)
	}

	for {
		select {
		case <-subCtx.Done():
			return nil, fmt.Errorf("timed out waiting for session-history reply")
		case d, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("session-history subscription closed")
			}
			kind, payload, derr := bus.Decode(d.Body)
			if derr != nil {
				d.Nack(false)
				continue
			}
			d.Ack()
			if kind != bus.KindHistory {
				continue
			}
			hp := payload.(bus.HistoryPayload)
			if hp.SessionID != 0 && hp.SessionID != sessionID {
				continue
			}
			h.transcript.LoadBackfill(userID, sessionID, hp.Messages)
			return hp.Messages, nil
		}
	}
}

// HandleNewSession serves POST /api/chatsession: mints a new session id
// and seeds its catalog entry, surfacing any sliding-window eviction as
// window_management metadata (spec.md §8 scenario 4).
func (h *SessionsHandler) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	willEvict := h.cat.WillEvictOnNextInsert(userID)
	sessionID := h.cat.NextLocal(userID)
	session, evicted := h.cat.Upsert(userID, sessionID, "", "New chat", models.SourceLocal)

	resp := map[string]interface{}{
		"session": models.ToSessionDTO(session),
	}
	if evicted != nil {
		resp["window_management"] = map[string]interface{}{
			"deleted_session": map[string]interface{}{
				"id":    evicted.SessionID,
				"title": evicted.Title,
			},
		}
	} else if willEvict {
		resp["window_management"] = map[string]interface{}{"warning": "next new session will evict the oldest"}
	}
	RespondWithJSON(w, http.StatusCreated, resp)
}

// HandleNextChatID serves POST /api/nextchatid, minting the next sequential
// chat id for a session by counting its recorded chats so far.
func (h *SessionsHandler) HandleNextChatID(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.SessionNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	next := h.cat.ChatCount(userID, req.SessionID) + 1
	RespondWithJSON(w, http.StatusOK, map[string]string{"chat_id": strconv.Itoa(next)})
}

// HandleSessionCount serves GET /api/sessioncount.
func (h *SessionsHandler) HandleSessionCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]int{"count": len(h.cat.List(userID))})
}

// HandleDeleteSession serves DELETE /api/deletesession/{id}: deletes the
// session locally and on Upstream (spec.md §6). The Upstream call is
// best-effort, mirroring the Stop path's "continue with local cleanup
// regardless" posture — a session the user asked to delete must disappear
// from their own catalog even if Upstream is unreachable.
func (h *SessionsHandler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	idStr := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if !h.cat.Delete(userID, id) {
		RespondWithError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.up.DeleteSession(r.Context(), userID, id); err != nil {
		log.Printf("[httpapi] upstream delete for session %d/%s: %v (local delete already committed)", id, userID, err)
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
