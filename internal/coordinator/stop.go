package coordinator

import (
	"context"
	"log"

	"egobackend/internal/models"
)

// Stop implements spec.md §4.2: forward the stop intent to Upstream
// best-effort, then unconditionally perform local cleanup regardless of
// whether that forward succeeded. If a streamSession for this chat is
// still running in this process, it is signalled to finalize with
// completion_type "user_stopped"; otherwise the Consumer Manager and
// Transcript Store are cleaned up directly.
func (co *Coordinator) Stop(ctx context.Context, userID string, sessionID int, chatID, instanceID string) error {
	if err := co.upstream.Stop(ctx, userID, sessionID, chatID); err != nil {
		log.Printf("[coordinator] upstream stop for %s session %d chat %s: %v (continuing with local cleanup)", userID, sessionID, chatID, err)
	}

	key := slotKey(userID, sessionID)
	co.mu.Lock()
	s, ok := co.active[key]
	co.mu.Unlock()

	if ok && (chatID == "" || s.req.ChatID == chatID) {
		select {
		case s.stopCh <- models.StopReasonUserStopped:
		default:
		}
		return nil
	}

	// No live session in this process — either it already finished or this
	// instance never held it. Clean up anyway: a stray Bus consumer or
	// dangling incomplete transcript tail must not survive a stop request.
	co.consumers.CancelFor(userID, sessionID, chatID)
	co.transcript.ScrubIncomplete(userID, sessionID, chatID)
	return nil
}
