package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"egobackend/internal/catalog"
	"egobackend/internal/consumer"
	"egobackend/internal/coordinator"
	"egobackend/internal/models"
	"egobackend/internal/push"
	"egobackend/internal/registry"
	"egobackend/internal/transcript"
	"egobackend/internal/upstream"
)

// TestWSStreamRequestDeliversEventsOverSocket exercises the full path a
// persistent-socket client takes: a "stream_request"-shaped frame sent in
// must cause the same Coordinator.Stream the HTTP transport calls to run,
// with its Events reaching the client exclusively through the Push Hub.
func TestWSStreamRequestDeliversEventsOverSocket(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			json.NewEncoder(w).Encode(upstream.ChatResult{IsComplete: true, Content: "hi there"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	fb := newFakeBus()
	cons := consumer.New(fb, "test-conn")
	up := upstream.New(upstreamSrv.URL, upstreamSrv.Client())

	hub := push.NewHub()
	go hub.Run()

	co := coordinator.New(reg, cat, ts, cons, up, hub, nil, nil)
	wsHandler := NewWSHandler(hub, co)

	const userID = "ws-user-1"
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(registry.WithUser(r.Context(), userID))
		wsHandler.HandleWS(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := map[string]interface{}{
		"action":     "stream_request",
		"session_id": 1,
		"chat_id":    "1",
		"model_id":   "unknown",
		"prompt":     "hello",
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var sawComplete bool
	for i := 0; i < 10; i++ {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		if ev.Type == models.EventComplete {
			sawComplete = true
			break
		}
	}
	if !sawComplete {
		t.Fatalf("expected an EventComplete to arrive over the socket")
	}
}

// TestWSStopFrameRoutesToCoordinatorStop confirms a "stop" frame reaches
// Coordinator.Stop rather than being treated as a new stream request.
func TestWSStopFrameRoutesToCoordinatorStop(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			// Never completes synchronously; the Bus never delivers
			// either, so the only way this stream ends is via Stop.
			json.NewEncoder(w).Encode(upstream.ChatResult{IsComplete: false})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	fb := newFakeBus()
	cons := consumer.New(fb, "test-conn")
	up := upstream.New(upstreamSrv.URL, upstreamSrv.Client())

	hub := push.NewHub()
	go hub.Run()

	co := coordinator.New(reg, cat, ts, cons, up, hub, nil, nil)
	wsHandler := NewWSHandler(hub, co)

	const userID = "ws-user-2"
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(registry.WithUser(r.Context(), userID))
		wsHandler.HandleWS(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := map[string]interface{}{
		"action": "stream_request", "session_id": 4, "chat_id": "1",
		"model_id": "unknown", "prompt": "hello",
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start frame: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stop := map[string]interface{}{"action": "stop", "session_id": 4, "chat_id": "1"}
	if err := conn.WriteJSON(stop); err != nil {
		t.Fatalf("write stop frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var last models.Event
	for i := 0; i < 10; i++ {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		last = ev
		if ev.Type == models.EventComplete {
			break
		}
	}
	if last.Type != models.EventComplete || last.CompletionType != models.StopReasonUserStopped {
		t.Fatalf("expected user_stopped completion, got %+v", last)
	}
}

// TestWSUnauthenticatedRejected confirms a socket upgrade attempt without
// a bound user context is rejected before any Hub registration happens.
func TestWSUnauthenticatedRejected(t *testing.T) {
	hub := push.NewHub()
	go hub.Run()
	wsHandler := NewWSHandler(hub, nil)

	srv := httptest.NewServer(http.HandlerFunc(wsHandler.HandleWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
