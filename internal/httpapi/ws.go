// WebSocket transport: upgrades a connection, registers it with the Push
// Hub, and dispatches inbound stream_request/stop frames to the Streaming
// Coordinator exactly like the HTTP chat-stream transport does, so a client
// can freely mix POST /api/chat/stream and a single persistent socket.
//
// Grounded on internal/handlers/ws.go's HandleWebSocket: gorilla/websocket
// Upgrader with permissive CheckOrigin (this gateway's CORS policy is
// already enforced earlier in the middleware chain), then ReadPump/WritePump
// goroutines per connection.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"egobackend/internal/coordinator"
	"egobackend/internal/models"
	"egobackend/internal/push"
	"egobackend/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves the persistent WebSocket push channel.
type WSHandler struct {
	hub *push.Hub
	co  *coordinator.Coordinator
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *push.Hub, co *coordinator.Coordinator) *WSHandler {
	return &WSHandler{hub: hub, co: co}
}

// incomingFrame is the discriminated inbound WS message shape: a client
// sends either a new chat prompt or a stop intent over the same socket that
// receives its Events. The fields both request shapes need (session_id,
// chat_id) are declared once here, rather than via embedding, since
// models.ChatRequest and models.StopRequest both tag those same wire names
// and embedding both would make encoding/json treat them as conflicting and
// silently drop them.
type incomingFrame struct {
	Action        string             `json:"action"`
	SessionID     int                `json:"session_id"`
	ChatID        string             `json:"chat_id"`
	InstanceID    string             `json:"instance_id,omitempty"`
	ModelID       string             `json:"model_id"`
	Prompt        string             `json:"prompt"`
	Flags         models.StreamFlags `json:"flags,omitempty"`
	TempFilePaths []string           `json:"temp_file_paths,omitempty"`
}

// HandleWS upgrades the connection and wires it into the Push Hub.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := registry.UserFromContext(r.Context())
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[httpapi] ws upgrade for %s: %v", userID, err)
		return
	}

	ctx := r.Context()
	client := push.NewClient(h.hub, conn, userID, func(uid string, raw []byte) {
		h.dispatch(ctx, uid, raw)
	})
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// dispatch decodes one inbound frame and routes it to the Coordinator. The
// resulting Events reach the client exclusively through the Push Hub's
// broadcast (coordinator.streamSession.emit always broadcasts alongside its
// channel send), not through this goroutine's return value, so errors here
// are logged rather than written back as a response.
func (h *WSHandler) dispatch(ctx context.Context, userID string, raw []byte) {
	var frame incomingFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("[httpapi] ws frame from %s: invalid json: %v", userID, err)
		return
	}

	switch frame.Action {
	case "stop":
		if err := h.co.Stop(ctx, userID, frame.SessionID, frame.ChatID, frame.InstanceID); err != nil {
			log.Printf("[httpapi] ws stop for %s: %v", userID, err)
		}
	default:
		req := models.ChatRequest{
			Prompt:        frame.Prompt,
			SessionID:     frame.SessionID,
			ChatID:        frame.ChatID,
			InstanceID:    frame.InstanceID,
			ModelID:       frame.ModelID,
			Flags:         frame.Flags,
			TempFilePaths: frame.TempFilePaths,
		}
		if _, err := h.co.Stream(context.Background(), userID, req); err != nil {
			log.Printf("[httpapi] ws stream_request for %s: %v", userID, err)
		}
	}
}
