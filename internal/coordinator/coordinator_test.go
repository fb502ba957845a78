package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"egobackend/internal/bus"
	"egobackend/internal/catalog"
	"egobackend/internal/consumer"
	"egobackend/internal/models"
	"egobackend/internal/registry"
	"egobackend/internal/transcript"
	"egobackend/internal/upstream"
)

// fakeBus satisfies the narrow consumer.Bus interface over an in-memory
// map of consumer tag -> channel, so tests can push synthetic Bus
// deliveries without a real broker.
type fakeBus struct {
	mu    sync.Mutex
	chans map[string]chan bus.Delivery
}

func newFakeBus() *fakeBus { return &fakeBus{chans: make(map[string]chan bus.Delivery)} }

func (f *fakeBus) Consume(ctx context.Context, queue, tag string) (<-chan bus.Delivery, error) {
	ch := make(chan bus.Delivery, 16)
	f.mu.Lock()
	f.chans[tag] = ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.chans, tag)
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *fakeBus) Cancel(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chans, tag)
	return nil
}

// sendToChatID finds whichever registered consumer tag embeds chatID and
// delivers body to it, polling briefly since Acquire happens on the
// coordinator's own goroutine asynchronously from Stream's return.
func (f *fakeBus) sendToChatID(t *testing.T, chatID string, body []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for tag, ch := range f.chans {
			if strings.Contains(tag, "_"+chatID+"_") {
				f.mu.Unlock()
				ch <- bus.Delivery{Body: body, Ack: func() {}, Nack: func(bool) {}}
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no consumer registered for chat %q in time", chatID)
}

// newFakeUpstream starts an httptest.Server implementing /chat, /stop and
// /sessionName the way Upstream does, returning chatResult for every /chat
// call (or a 500 if chatErr is set).
func newFakeUpstream(t *testing.T, chatResult upstream.ChatResult, chatErr bool) *upstream.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			if chatErr {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(chatResult)
		case "/stop", "/sessionName", "/sessionhistory":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return upstream.New(srv.URL, srv.Client())
}

type harness struct {
	co   *Coordinator
	fb   *fakeBus
	reg  *registry.Registry
	cat  *catalog.Catalog
	ts   *transcript.Store
	cons *consumer.Manager
}

func newHarness(t *testing.T, chatResult upstream.ChatResult, chatErr bool) *harness {
	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	fb := newFakeBus()
	cons := consumer.New(fb, "test-conn")
	up := newFakeUpstream(t, chatResult, chatErr)
	co := New(reg, cat, ts, cons, up, nil, nil, nil)
	return &harness{co: co, fb: fb, reg: reg, cat: cat, ts: ts, cons: cons}
}

func drain(t *testing.T, out <-chan models.Event, timeout time.Duration) []models.Event {
	t.Helper()
	var events []models.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Type == models.EventComplete {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stream to complete, got %d events so far", len(events))
		}
	}
}

func TestStreamCanonicalCompletionViaBus(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{IsComplete: false}, false)

	req := models.ChatRequest{Prompt: "hi", SessionID: 1, ChatID: "1", ModelID: "unknown"}
	out, err := h.co.Stream(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	go h.fb.sendToChatID(t, "1", []byte(`{"chat_id":"1","session_id":1,"content":"hello "}`))
	go h.fb.sendToChatID(t, "1", []byte(`{"chat_id":"1","session_id":1,"status":"done"}`))

	events := drain(t, out, 3*time.Second)
	last := events[len(events)-1]
	if last.Type != models.EventComplete || last.CompletionType != models.StopReasonNone {
		t.Fatalf("expected clean complete, got %+v", last)
	}

	msgs := h.ts.Snapshot("u1", 1)
	if len(msgs) != 2 || !msgs[0].IsComplete || !msgs[1].IsComplete {
		t.Fatalf("expected both messages paired complete, got %+v", msgs)
	}
}

func TestStreamFallsBackToInlineContentWhenBusNeverDelivers(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{IsComplete: true, Content: "already generated"}, false)

	req := models.ChatRequest{Prompt: "hi", SessionID: 2, ChatID: "1", ModelID: "unknown"}
	out, err := h.co.Stream(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := drain(t, out, 3*time.Second)
	var sawInline bool
	for _, ev := range events {
		if ev.Type == models.EventStream && ev.Content == "already generated" {
			sawInline = true
		}
	}
	if !sawInline {
		t.Fatalf("expected inline content fallback event, got %+v", events)
	}
	if events[len(events)-1].CompletionType != models.StopReasonNone {
		t.Fatalf("expected clean completion, got %+v", events[len(events)-1])
	}
}

func TestStopTerminatesWithUserStoppedAndScrubsTranscript(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{IsComplete: false}, false)

	req := models.ChatRequest{Prompt: "hi", SessionID: 3, ChatID: "1", ModelID: "unknown"}
	out, err := h.co.Stream(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	h.fb.sendToChatID(t, "1", []byte(`{"chat_id":"1","session_id":3,"content":"partial"}`))

	time.Sleep(50 * time.Millisecond)
	if err := h.co.Stop(context.Background(), "u1", 3, "1", ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := drain(t, out, 2*time.Second)
	last := events[len(events)-1]
	if last.CompletionType != models.StopReasonUserStopped {
		t.Fatalf("expected user_stopped, got %+v", last)
	}

	msgs := h.ts.Snapshot("u1", 3)
	for _, m := range msgs {
		if !m.IsComplete {
			t.Fatalf("expected scrub to remove incomplete messages, found %+v", m)
		}
	}
}

// TestStreamThinkingTokensLandInMainLaneOptimistically covers spec.md §4.5
// step 4 and §8 scenario 2: tokens inside a thinking region must reach the
// client as "stream" events (IsPending=true) as soon as they arrive, not
// withheld behind a separate "thinking" lane, and the later move_to_thinking
// event must carry both the reassembled content and the exact pendingTokens
// the client already received.
func TestStreamThinkingTokensLandInMainLaneOptimistically(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{IsComplete: false}, false)

	req := models.ChatRequest{Prompt: "hi", SessionID: 4, ChatID: "1", ModelID: "deepseek-r1"}
	out, err := h.co.Stream(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Sent synchronously (not via "go") so each token lands on the Bus
	// channel strictly before the next, since this test asserts on order.
	for _, tok := range []string{"<think>", "why", "?", "</think>", "Because"} {
		h.fb.sendToChatID(t, "1", []byte(`{"chat_id":"1","session_id":4,"content":"`+tok+`"}`))
	}
	h.fb.sendToChatID(t, "1", []byte(`{"chat_id":"1","session_id":4,"status":"done"}`))

	events := drain(t, out, 3*time.Second)

	var pendingStream []models.Event
	var move *models.Event
	var sawThinkingEventType bool
	for i, ev := range events {
		if ev.Type == models.EventThinking {
			sawThinkingEventType = true
		}
		if ev.Type == models.EventStream && ev.IsPending {
			pendingStream = append(pendingStream, ev)
		}
		if ev.Type == models.EventMoveToThinking {
			move = &events[i]
		}
	}

	if sawThinkingEventType {
		t.Fatalf("optimistic thinking tokens must be emitted as stream events, not a separate thinking event type")
	}
	if len(pendingStream) != 2 {
		t.Fatalf("expected 2 optimistic stream events (why, ?), got %d: %+v", len(pendingStream), pendingStream)
	}
	if pendingStream[0].Content != "why" || pendingStream[1].Content != "?" {
		t.Fatalf("unexpected optimistic stream content: %+v", pendingStream)
	}

	if move == nil {
		t.Fatalf("expected a move_to_thinking event, got %+v", events)
	}
	if move.Content != "why?" {
		t.Fatalf("move_to_thinking content = %q, want %q", move.Content, "why?")
	}
	if len(move.PendingTokens) != 2 || move.PendingTokens[0] != "why" || move.PendingTokens[1] != "?" {
		t.Fatalf("move_to_thinking pendingTokens = %+v, want [why ?]", move.PendingTokens)
	}
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{}, false)
	_, err := h.co.Stream(context.Background(), "", models.ChatRequest{SessionID: 1, ChatID: "1"})
	if err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestStreamRejectsOverChatLimit(t *testing.T) {
	h := newHarness(t, upstream.ChatResult{}, false)
	for i := 0; i < models.MaxChatsPerSession+1; i++ {
		h.cat.Upsert("u1", 1, "1", "t", models.SourceLocal)
	}
	_, err := h.co.Stream(context.Background(), "u1", models.ChatRequest{SessionID: 1, ChatID: "99", ModelID: "unknown"})
	if err != ErrLimitReached {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
}
