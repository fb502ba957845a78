// Package transcript implements the Transcript Store: the ordered,
// per-(userId, sessionId) message log a chat's streaming events are
// appended to, plus the completion-marking and incomplete-tail scrub rules
// spec.md §4.6 requires.
//
// Grounded on the teacher's RequestLog/finalizeLog pair in
// internal/engine/engine.go (locate-the-open-log-row, write the final
// response, mark it done) generalized from one SQL UPDATE per chat to an
// in-memory, mutex-protected slice per user/session, since spec.md §1
// forbids a persistent session store.
package transcript

import (
	"sync"
	"time"

	"egobackend/internal/models"
)

type key struct {
	userID    string
	sessionID int
}

// Store holds every Transcript currently in process memory, one ordered
// slice of Messages per (userId, sessionId).
type Store struct {
	mu   sync.Mutex
	logs map[key][]models.Message
}

// New creates an empty Store.
func New() *Store {
	return &Store{logs: make(map[key][]models.Message)}
}

// Snapshot returns a copy of the Transcript for (userID, sessionID), in
// order, safe for the caller to range over without holding the Store's
// lock. A session with no transcript yet returns a nil/empty slice, not
// an error — this is the "no prior messages" case for replay (spec.md
// §4.1 step 1).
func (s *Store) Snapshot(userID string, sessionID int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.logs[key{userID, sessionID}]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AppendUser appends a new, incomplete user Message for chatID and returns
// it. Per spec.md §3, the user Message starts incomplete and is paired to
// complete when its chat's assistant Message finalizes.
func (s *Store) AppendUser(userID string, sessionID int, chatID, content string) models.Message {
	msg := models.Message{
		Role:        "user",
		Content:     content,
		ChatID:      chatID,
		SessionID:   sessionID,
		UserID:      userID,
		Timestamp:   time.Now(),
		MessageType: models.MessageUser,
		IsComplete:  false,
	}
	s.mu.Lock()
	k := key{userID, sessionID}
	s.logs[k] = append(s.logs[k], msg)
	s.mu.Unlock()
	return msg
}

// EnsureAssistant makes sure an open (incomplete) assistant Message exists
// for chatID, creating it lazily at the first delivered token as spec.md §3
// requires ("The assistant message for a chat is created lazily at the
// first delivered token"). Subsequent calls for the same chatID leave that
// same row in place, letting AppendToken/SetThinking mutate it in place
// until it completes.
func (s *Store) EnsureAssistant(userID string, sessionID int, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	for i := range s.logs[k] {
		m := &s.logs[k][i]
		if m.ChatID == chatID && m.Role == "assistant" && !m.IsComplete {
			return
		}
	}
	s.logs[k] = append(s.logs[k], models.Message{
		Role:        "assistant",
		ChatID:      chatID,
		SessionID:   sessionID,
		UserID:      userID,
		Timestamp:   time.Now(),
		MessageType: models.MessageAssistant,
		IsComplete:  false,
	})
}

// AppendToken appends token to the open assistant Message's content and
// bumps its running TokenCount. It is a no-op if no open assistant message
// exists yet for chatID (callers are expected to call EnsureAssistant
// first, which the coordinator does at the first stream event).
func (s *Store) AppendToken(userID string, sessionID int, chatID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	for i := range s.logs[k] {
		m := &s.logs[k][i]
		if m.ChatID == chatID && m.Role == "assistant" && !m.IsComplete {
			m.Content += token
			m.TokenCount++
			return
		}
	}
}

// SetThinking records the extracted thinking interior on the open
// assistant Message for chatID, per spec.md §4.5's persistence rule: "the
// current assistant Message's thinkingContent is set to the extracted
// interior" when a move_to_thinking fires.
func (s *Store) SetThinking(userID string, sessionID int, chatID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	for i := range s.logs[k] {
		m := &s.logs[k][i]
		if m.ChatID == chatID && m.Role == "assistant" && !m.IsComplete {
			m.ThinkingContent = content
			return
		}
	}
}

// Complete finalizes a chat on the canonical path (spec.md §4.6): it
// locates the last assistant Message for chatID and marks it complete,
// then walks backwards to find the unpaired user Message with the same
// chatID and marks that complete too. A Message marked complete is never
// mutated again (spec.md §3 invariant) — every mutator above already
// guards on !IsComplete.
func (s *Store) Complete(userID string, sessionID int, chatID string, totalTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	msgs := s.logs[k]

	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		if m.ChatID == chatID && m.Role == "assistant" && !m.IsComplete {
			m.IsComplete = true
			m.MessageType = models.MessageAssistant
			m.TokenCount = totalTokens
			break
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		if m.ChatID == chatID && m.Role == "user" && !m.IsComplete {
			m.IsComplete = true
			break
		}
	}
}

// ScrubIncomplete removes every Message for chatID that is still
// IsComplete == false, used by the stop/timeout paths (spec.md §4.2 step
// 3, §4.6) so a later stray delivery cannot resurrect orphan content.
func (s *Store) ScrubIncomplete(userID string, sessionID int, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	msgs := s.logs[k]
	kept := msgs[:0]
	for _, m := range msgs {
		if m.ChatID == chatID && !m.IsComplete {
			continue
		}
		kept = append(kept, m)
	}
	s.logs[k] = kept
}

// LoadBackfill installs messages as the transcript for (userID, sessionID)
// if and only if nothing is there yet, used when Upstream's session-history
// queue delivers a backfill after a memory-first read found nothing
// (process restart, or a session evicted and later reopened).
func (s *Store) LoadBackfill(userID string, sessionID int, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, sessionID}
	if len(s.logs[k]) > 0 {
		return
	}
	s.logs[k] = append([]models.Message(nil), messages...)
}

// Drop discards the entire transcript for (userID, sessionID), used on
// sliding-window eviction (spec.md §4.4) and session deletion; logout
// flush uses FlushUser instead.
func (s *Store) Drop(userID string, sessionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key{userID, sessionID})
}

// FlushUser discards every transcript belonging to userID, used on logout
// (spec.md §3's "total flush").
func (s *Store) FlushUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.logs {
		if k.userID == userID {
			delete(s.logs, k)
		}
	}
}
