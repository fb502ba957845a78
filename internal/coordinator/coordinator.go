// Package coordinator implements the Streaming Coordinator: the per-chat
// state machine that admits a prompt, replays prior history, launches the
// concurrent Producer-trigger/Consumer pair, and terminates the stream on
// the first of several canonical-completion, timeout, error, or stop
// conditions.
//
// Grounded on internal/engine/engine.go's Processor.ProcessRequest
// (session handling, callback-based event emission, finalizeLog) and
// internal/handlers/stream_manager.go's Job/StreamManager (one cancellable
// goroutine per stream, fanned out to subscribers), generalized from a
// single RAG request/response cycle to the Bus-driven token stream this
// repo's domain requires.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"egobackend/internal/catalog"
	"egobackend/internal/consumer"
	"egobackend/internal/metricsdb"
	"egobackend/internal/modelprofile"
	"egobackend/internal/models"
	"egobackend/internal/push"
	"egobackend/internal/registry"
	"egobackend/internal/storage"
	"egobackend/internal/thinking"
	"egobackend/internal/transcript"
	"egobackend/internal/upstream"
)

// Timeout gates, spec.md §4.1 step 5 / §5. idleBeforeFirstMessageDefault
// (the "1000ms otherwise" figure §5 names) is a soft liveness interval,
// not an independent termination: this repo folds it into the 5000ms
// no-message-at-all cap (noMessageAtAll), which is the gate the algorithm
// in §4.1 actually enumerates as terminal.
const (
	idleBeforeFirstMessageComplete = 300 * time.Millisecond
	idleBeforeFirstMessageDefault  = 1000 * time.Millisecond
	postFirstMessageQuiescence     = 1500 * time.Millisecond
	noMessageAtAll                 = 5000 * time.Millisecond
	errorDrainWindow               = 2000 * time.Millisecond
	globalSafety                   = 60 * time.Second
)

// Admission errors, surfaced by Stream before any concurrent work starts.
var (
	ErrUnauthenticated = errors.New("coordinator: no current user bound")
	ErrLimitReached    = errors.New("coordinator: chat limit reached for session")
)

// Coordinator wires together every collaborator the Streaming Coordinator
// touches. One Coordinator is shared process-wide; per-chat state lives
// only in the streamSession each Stream call creates. active tracks the
// one "streaming slot" per (userId, sessionId) spec.md §3 calls the
// per-user active-stream table, so Stop can find the live session to
// signal without the caller needing to hold onto anything itself.
type Coordinator struct {
	reg        *registry.Registry
	catalog    *catalog.Catalog
	transcript *transcript.Store
	consumers  *consumer.Manager
	upstream   *upstream.Client
	hub        *push.Hub
	metrics    *metricsdb.DB
	storage    *storage.S3Service

	mu     sync.Mutex
	active map[string]*streamSession
}

// New creates a Coordinator. hub, metrics and store may all be nil: a nil
// hub degrades Stream to channel-only delivery (used by tests), a nil
// metrics sink simply skips recording completion telemetry, and a nil
// store skips temp-file resolution entirely (every path passes through
// unresolved).
func New(reg *registry.Registry, cat *catalog.Catalog, ts *transcript.Store, cons *consumer.Manager, up *upstream.Client, hub *push.Hub, metrics *metricsdb.DB, store *storage.S3Service) *Coordinator {
	co := &Coordinator{
		reg:        reg,
		catalog:    cat,
		transcript: ts,
		consumers:  cons,
		upstream:   up,
		hub:        hub,
		metrics:    metrics,
		storage:    store,
		active:     make(map[string]*streamSession),
	}
	reg.RegisterFlushHook(co.flush)
	return co
}

func slotKey(userID string, sessionID int) string {
	return fmt.Sprintf("%s:%d", userID, sessionID)
}

// Fingerprint builds the room-addressing string spec.md §3 defines:
// chat_{userId}_{sessionId}_{chatId}[_{instanceId}].
func Fingerprint(userID string, sessionID int, chatID, instanceID string) string {
	fp := fmt.Sprintf("chat_%s_%d_%s", userID, sessionID, chatID)
	if instanceID != "" {
		fp += "_" + instanceID
	}
	return fp
}

// Stream admits and runs one chat turn to completion, returning a channel
// of Events the caller (HTTP chunked handler or WS dispatch) drains until
// it closes. The same events are also broadcast through the Push Hub (if
// configured) so every other live connection for this user observes them.
func (co *Coordinator) Stream(ctx context.Context, userID string, req models.ChatRequest) (<-chan models.Event, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if co.catalog.ChatCount(userID, req.SessionID) >= models.MaxChatsPerSession {
		return nil, ErrLimitReached
	}

	if co.storage != nil && len(req.TempFilePaths) > 0 {
		resolved, err := co.storage.ResolvePaths(ctx, req.TempFilePaths)
		if err != nil {
			log.Printf("[coordinator] temp file resolution for %s: %v", userID, err)
		}
		req.TempFilePaths = resolved
	}

	out := make(chan models.Event, 32)
	s := &streamSession{
		co:          co,
		userID:      userID,
		req:         req,
		out:         out,
		fingerprint: Fingerprint(userID, req.SessionID, req.ChatID, req.InstanceID),
		parser:      thinking.New(modelprofile.Lookup(req.ModelID), uuid.NewString()),
		stopCh:      make(chan models.StopReason, 1),
		startedAt:   time.Now(),
	}

	key := slotKey(userID, req.SessionID)
	co.mu.Lock()
	co.active[key] = s
	co.mu.Unlock()

	go func() {
		s.run(ctx)
		co.mu.Lock()
		if co.active[key] == s {
			delete(co.active, key)
		}
		co.mu.Unlock()
	}()

	return out, nil
}

// emit pushes an Event to both the caller's channel and the Push Hub,
// stamping the fields every Event carries.
func (s *streamSession) emit(ev models.Event) {
	ev.ChatID = s.req.ChatID
	ev.SessionID = s.req.SessionID
	ev.InstanceID = s.req.InstanceID
	ev.Timestamp = time.Now()

	select {
	case s.out <- ev:
	default:
		log.Printf("[coordinator] event channel full for %s, dropping %s", s.fingerprint, ev.Type)
	}

	if s.co.hub != nil {
		if b := push.MarshalEvent(ev); b != nil {
			s.co.hub.Broadcast(s.userID, b)
		}
	}
}

// flush signals every active stream for userID to stop and forgets its
// bookkeeping entry, the Coordinator's half of spec.md §3's logout "total
// flush." Each streamSession still finalizes and closes its own out
// channel through its normal stopCh path in run; flush only fires that
// signal, it does not wait for the goroutine to exit.
func (co *Coordinator) flush(userID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for k, s := range co.active {
		if s.userID == userID {
			select {
			case s.stopCh <- models.StopReasonUserStopped:
			default:
			}
			delete(co.active, k)
		}
	}
}
