package coordinator

import (
	"context"
	"log"
	"time"

	"egobackend/internal/bus"
	"egobackend/internal/models"
	"egobackend/internal/telemetry"
	"egobackend/internal/thinking"
	"egobackend/internal/upstream"
)

// streamSession is the per-call state a single Stream invocation owns. It
// is single-threaded by construction: every field below is read and
// written only from the goroutine running (*streamSession).run, except
// stopCh, which Stop sends to from whatever goroutine handles the HTTP/WS
// stop request.
type streamSession struct {
	co          *Coordinator
	userID      string
	req         models.ChatRequest
	out         chan models.Event
	fingerprint string
	parser      *thinking.Parser
	stopCh      chan models.StopReason

	startedAt       time.Time
	tokenCount      int
	gotFirstMessage bool
	hadThinking     bool
}

type producerResult struct {
	res upstream.ChatResult
	err error
}

// run drives one chat turn from replay through termination. It always
// closes s.out exactly once, on its own return.
func (s *streamSession) run(ctx context.Context) {
	defer close(s.out)

	co := s.co
	userID := s.userID
	req := s.req

	s.replay(userID, req.SessionID)
	co.transcript.AppendUser(userID, req.SessionID, req.ChatID, req.Prompt)
	co.catalog.Upsert(userID, req.SessionID, req.ChatID, "", models.SourceLocal)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	busCh := make(chan bus.Delivery, 256)
	handler := func(d bus.Delivery) {
		select {
		case busCh <- d:
		case <-streamCtx.Done():
		}
	}

	cons, err := co.consumers.Acquire(streamCtx, bus.QueueChat, userID, req.SessionID, req.ChatID, handler)
	if err != nil {
		s.emit(models.Event{Type: models.EventError, ErrorCode: "UNAVAILABLE", ErrorMessage: err.Error()})
		telemetry.Errorf("bus consumer unavailable for %s: %v", s.fingerprint, err)
		s.finalize(models.StopReasonTimeoutStopped)
		return
	}
	defer co.consumers.Cancel(cons)

	resultCh := make(chan producerResult, 1)
	go func() {
		env := upstream.BuildChatEnvelope(userID, req, s.fingerprint)
		res, triggerErr := co.upstream.TriggerChat(streamCtx, env)
		resultCh <- producerResult{res: res, err: triggerErr}
	}()

	globalTimer := time.NewTimer(globalSafety)
	defer globalTimer.Stop()

	// gate is the single active termination timer; its duration is
	// recomputed every time new information arrives (a bus message, or the
	// producer's HTTP result), per spec.md §4.1 step 5 / §5.
	gate := time.NewTimer(noMessageAtAll)
	defer gate.Stop()

	armGate := func(d time.Duration) {
		if !gate.Stop() {
			select {
			case <-gate.C:
			default:
			}
		}
		gate.Reset(d)
	}

	var upstreamComplete bool
	var upstreamErrored bool
	var inlineContent string

	for {
		select {
		case <-ctx.Done():
			co.transcript.ScrubIncomplete(userID, req.SessionID, req.ChatID)
			s.finalize(models.StopReasonTimeoutStopped)
			return

		case reason := <-s.stopCh:
			co.transcript.ScrubIncomplete(userID, req.SessionID, req.ChatID)
			s.finalize(reason)
			return

		case pr := <-resultCh:
			if pr.err != nil {
				upstreamErrored = true
				s.emit(models.Event{Type: models.EventError, ErrorCode: "UPSTREAM_ERROR", ErrorMessage: pr.err.Error()})
				telemetry.Errorf("upstream trigger failed for %s: %v", s.fingerprint, pr.err)
				armGate(errorDrainWindow)
				continue
			}
			upstreamComplete = pr.res.IsComplete
			inlineContent = pr.res.Content
			s.maybeReconcileFirstChat(pr.res.SessionName)
			if upstreamComplete {
				if s.gotFirstMessage {
					armGate(postFirstMessageQuiescence)
				} else {
					armGate(idleBeforeFirstMessageComplete)
				}
			}

		case d := <-busCh:
			done := s.handleDelivery(d)
			if s.gotFirstMessage {
				if upstreamComplete {
					armGate(postFirstMessageQuiescence)
				} else {
					armGate(noMessageAtAll)
				}
			}
			if done {
				s.finalize(models.StopReasonNone)
				return
			}

		case <-globalTimer.C:
			co.transcript.ScrubIncomplete(userID, req.SessionID, req.ChatID)
			telemetry.Errorf("global safety timeout hit for %s", s.fingerprint)
			s.finalize(models.StopReasonTimeoutStopped)
			return

		case <-gate.C:
			if upstreamErrored {
				s.finalize(models.StopReasonTimeoutStopped)
				return
			}
			if upstreamComplete {
				if !s.gotFirstMessage && inlineContent != "" {
					co.transcript.EnsureAssistant(userID, req.SessionID, req.ChatID)
					co.transcript.AppendToken(userID, req.SessionID, req.ChatID, inlineContent)
					s.tokenCount++
					s.emit(models.Event{Type: models.EventStream, Content: inlineContent})
				}
				s.finalize(models.StopReasonNone)
				return
			}
			co.transcript.ScrubIncomplete(userID, req.SessionID, req.ChatID)
			s.finalize(models.StopReasonTimeoutStopped)
			return
		}
	}
}

// replay emits history_start/history/history_end for any prior transcript,
// spec.md §4.1 step 1.
func (s *streamSession) replay(userID string, sessionID int) {
	msgs := s.co.transcript.Snapshot(userID, sessionID)
	if len(msgs) == 0 {
		return
	}
	s.emit(models.Event{Type: models.EventHistoryStart})
	for _, m := range msgs {
		s.emit(models.Event{Type: models.EventHistory, Messages: []models.Message{m}})
	}
	s.emit(models.Event{Type: models.EventHistoryEnd})
}

// handleDelivery decodes and processes one Bus delivery, filtering by
// chatId equality (spec.md §4.1 "Message filtering"). It returns true if
// this delivery was the canonical completion signal.
func (s *streamSession) handleDelivery(d bus.Delivery) bool {
	kind, payload, err := bus.Decode(d.Body)
	if err != nil {
		d.Nack(false)
		return false
	}
	d.Ack()

	switch kind {
	case bus.KindToken:
		tp := payload.(bus.TokenPayload)
		if tp.ChatID != s.req.ChatID {
			return false
		}
		s.gotFirstMessage = true
		s.handleToken(tp.Text)
		return false

	case bus.KindStatus:
		sp := payload.(bus.StatusPayload)
		if sp.ChatID != s.req.ChatID {
			return false
		}
		switch sp.Status {
		case "done", "complete":
			return true
		case "error":
			s.gotFirstMessage = true
			s.emit(models.Event{Type: models.EventError, ErrorCode: "BUS_ERROR", ErrorMessage: sp.Message})
			return true
		}
		return false

	default:
		return false
	}
}

// handleToken feeds raw content through the Thinking Parser and translates
// each Emit into a transcript mutation plus a client Event, spec.md §4.5.
func (s *streamSession) handleToken(content string) {
	userID, sessionID, chatID := s.userID, s.req.SessionID, s.req.ChatID
	s.co.transcript.EnsureAssistant(userID, sessionID, chatID)

	for _, e := range s.parser.Feed(content) {
		switch {
		case e.MoveToThinking:
			s.hadThinking = true
			s.co.transcript.SetThinking(userID, sessionID, chatID, e.RelocateContent)
			s.emit(models.Event{
				Type:          models.EventMoveToThinking,
				Content:       e.RelocateContent,
				MessageID:     e.MessageID,
				PendingTokens: e.RelocateTokens,
			})
			s.emit(models.Event{Type: models.EventThinkingComplete, MessageID: e.MessageID})

		case e.Stream != "":
			s.tokenCount++
			if e.IsPendingThinking {
				// Optimistic phase: the token is shown in the main lane now
				// but not yet committed to the transcript's content, since
				// move_to_thinking may relocate it into thinkingContent
				// before the chat ever completes.
				s.emit(models.Event{
					Type:      models.EventStream,
					Content:   e.Stream,
					MessageID: e.MessageID,
					IsPending: true,
				})
			} else {
				s.co.transcript.AppendToken(userID, sessionID, chatID, e.Stream)
				s.emit(models.Event{Type: models.EventStream, Content: e.Stream})
			}
		}
	}
}

// maybeReconcileFirstChat implements spec.md §4.1's "First-chat
// reconciliation": chat 1 of a session carrying an Upstream-minted session
// name overwrites the local title and kicks off a detached re-sync.
func (s *streamSession) maybeReconcileFirstChat(sessionName string) {
	if s.req.ChatID != "1" || sessionName == "" {
		return
	}
	s.co.catalog.Upsert(s.userID, s.req.SessionID, s.req.ChatID, sessionName, models.SourceLocal)

	userID := s.userID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), upstream.SessionNameTimeout)
		defer cancel()
		if err := s.co.upstream.SessionName(ctx, userID); err != nil {
			log.Printf("[coordinator] background session name resync for %s: %v", userID, err)
		}
	}()
}

// finalize marks the chat's transcript complete (or leaves it scrubbed, if
// the caller already scrubbed it) and emits the terminal complete Event.
// Every return path in run calls this exactly once.
func (s *streamSession) finalize(reason models.StopReason) {
	if reason == models.StopReasonNone {
		s.co.transcript.Complete(s.userID, s.req.SessionID, s.req.ChatID, s.tokenCount)
	}
	s.emit(models.Event{Type: models.EventComplete, CompletionType: reason})

	if s.co.metrics != nil {
		s.co.metrics.RecordCompletion(context.Background(), models.RequestMetrics{
			UserID:         s.userID,
			SessionID:      s.req.SessionID,
			ChatID:         s.req.ChatID,
			ResponseTimeMs: int(time.Since(s.startedAt) / time.Millisecond),
			TokenCount:     s.tokenCount,
			HadThinking:    s.hadThinking,
			StopReason:     string(reason),
		})
	}
}
