// Package httpapi wires the HTTP (chunked line-delimited JSON) and WebSocket
// transports onto the Streaming Coordinator, the Session Catalog, and the
// Transcript Store.
//
// Grounded on internal/handlers/chat.go's HandleChatStream: the same
// "write streaming headers, grab an http.Flusher, range over an event
// channel until it closes or the client disconnects" loop, replacing the
// teacher's StreamManager Job with coordinator.Coordinator.Stream.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"egobackend/internal/coordinator"
	"egobackend/internal/models"
	"egobackend/internal/registry"

	"github.com/go-playground/validator/v10"
)

// ChatHandler serves the chunked HTTP chat-stream transport.
type ChatHandler struct {
	co       *coordinator.Coordinator
	validate *validator.Validate
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(co *coordinator.Coordinator, validate *validator.Validate) *ChatHandler {
	return &ChatHandler{co: co, validate: validate}
}

// HandleStream opens a new chat turn and streams its Events back as
// chunked line-delimited JSON, one Event object per line, until the stream
// completes or the client disconnects.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	out, err := h.co.Stream(r.Context(), userID, req)
	if err != nil {
		switch err {
		case coordinator.ErrLimitReached:
			RespondWithError(w, http.StatusConflict, "chat limit reached for session")
		default:
			RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		}
		return
	}

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			log.Printf("[httpapi] client disconnected mid-stream for user %s", userID)
			return
		case ev, ok := <-out:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\n", b)
			flusher.Flush()
		}
	}
}

// HandleStop cancels the active stream for a (sessionId, chatId).
func (h *ChatHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	if err := h.co.Stop(r.Context(), userID, req.SessionID, req.ChatID, ""); err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to stop stream")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}
