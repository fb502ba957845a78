// Package consumer implements the Consumer Manager: it enforces that at
// most one Bus consumer is active per (userId, sessionId) "streaming slot"
// at any time, matching the teacher's websocket.Hub, which kept at most one
// cancel func per connected user and replaced it outright on a new
// connection rather than letting two pile up.
package consumer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"egobackend/internal/bus"
)

// Handler processes one Bus delivery. It must not block indefinitely; the
// Streaming Coordinator's timeout gates depend on handlers returning
// promptly so the consumer loop can keep resetting its idle timers.
type Handler func(bus.Delivery)

// Consumer is a live subscription owned by exactly one streaming slot.
type Consumer struct {
	Tag       string
	UserID    string
	SessionID int
	ChatID    string

	cancel context.CancelFunc
	done   chan struct{}
}

func slotKey(userID string, sessionID int) string {
	return fmt.Sprintf("%s:%d", userID, sessionID)
}

// Manager owns the Bus and the registry of active per-slot consumers.
type Manager struct {
	b Bus

	mu    sync.Mutex
	slots map[string]*Consumer

	epoch     uint64
	connToken string
}

// Bus is the subset of bus.Bus the Consumer Manager needs; defined locally
// so tests can substitute a fake without importing the real transport.
type Bus interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan bus.Delivery, error)
	Cancel(consumerTag string) error
}

// New creates a Manager bound to b. connToken identifies this process
// instance in generated consumer tags (socket_{connToken}_{sessionId}_{chatId}_{epoch}).
func New(b Bus, connToken string) *Manager {
	if connToken == "" {
		connToken = uuid.NewString()
	}
	return &Manager{
		b:         b,
		slots:     make(map[string]*Consumer),
		connToken: connToken,
	}
}

// Acquire subscribes handler to queue for (userID, sessionID, chatID). If a
// consumer already occupies this user+session slot, it is cancelled first —
// acquiring always wins over whatever was running before.
func (m *Manager) Acquire(ctx context.Context, queue, userID string, sessionID int, chatID string, handler Handler) (*Consumer, error) {
	key := slotKey(userID, sessionID)

	m.mu.Lock()
	if prior, ok := m.slots[key]; ok {
		m.cancelLocked(prior)
	}
	epoch := atomic.AddUint64(&m.epoch, 1)
	m.mu.Unlock()

	tag := fmt.Sprintf("socket_%s_%d_%s_%d", m.connToken, sessionID, chatID, epoch)

	cctx, cancel := context.WithCancel(ctx)
	deliveries, err := m.b.Consume(cctx, queue, tag)
	if err != nil {
		cancel()
		return nil, err
	}

	c := &Consumer{
		Tag:       tag,
		UserID:    userID,
		SessionID: sessionID,
		ChatID:    chatID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.slots[key] = c
	m.mu.Unlock()

	go func() {
		defer close(c.done)
		for d := range deliveries {
			handler(d)
		}
	}()

	return c, nil
}

// Cancel tears down c if it is still the current occupant of its slot.
// Returns false if c had already been replaced or cancelled.
func (m *Manager) Cancel(c *Consumer) bool {
	if c == nil {
		return false
	}
	key := slotKey(c.UserID, c.SessionID)

	m.mu.Lock()
	current, ok := m.slots[key]
	if !ok || current != c {
		m.mu.Unlock()
		return false
	}
	delete(m.slots, key)
	m.mu.Unlock()

	m.cancelLocked(c)
	return true
}

// cancelLocked cancels a consumer's context and asks the Bus to cancel the
// underlying subscription by tag. Safe to call with m.mu held or not; it
// does not touch m.slots itself.
func (m *Manager) cancelLocked(c *Consumer) {
	c.cancel()
	if err := m.b.Cancel(c.Tag); err != nil {
		log.Printf("[consumer] cancel tag %s: %v", c.Tag, err)
	}
}

// CancelFor cancels the active consumer for (userID, sessionID) if one
// exists. When chatID is non-empty, the cancel only applies if the current
// consumer's ChatID equals chatID — guards against cancelling a slot that
// has since moved on to a different chat.
func (m *Manager) CancelFor(userID string, sessionID int, chatID string) bool {
	key := slotKey(userID, sessionID)

	m.mu.Lock()
	current, ok := m.slots[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if chatID != "" && current.ChatID != chatID {
		m.mu.Unlock()
		return false
	}
	delete(m.slots, key)
	m.mu.Unlock()

	m.cancelLocked(current)
	return true
}

// ForceCleanupAll cancels every active consumer, used on shutdown.
func (m *Manager) ForceCleanupAll() {
	m.mu.Lock()
	all := make([]*Consumer, 0, len(m.slots))
	for k, c := range m.slots {
		all = append(all, c)
		delete(m.slots, k)
	}
	m.mu.Unlock()

	for _, c := range all {
		m.cancelLocked(c)
	}
}
