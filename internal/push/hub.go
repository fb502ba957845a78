// Package push implements the Push Fanout: delivery of Streaming
// Coordinator Events to every WebSocket connection a user currently has
// open. Room addressing (spec.md §3 Fingerprint, GLOSSARY "Room") is
// carried in the Event's own chat_id/session_id/instance_id fields rather
// than as a server-side subscription list — the client is the one that
// knows which room it cares about and discards events addressed to a
// different chat/instance, exactly as spec.md §4.2 describes for the stop
// path ("leaves the push channel available so late Bus messages can be
// routed and discarded by instance_id matching on the client").
//
// Grounded on internal/websocket/hub.go: a registry of live *Client
// connections keyed by userID, with the same register/unregister channel
// pattern run from one goroutine (Run). This repo drops the teacher's
// cancelFuncs bookkeeping — that responsibility now belongs entirely to
// internal/consumer.Manager — and keeps only connection lifecycle and
// fanout.
package push

import (
	"log"
	"sync"
)

// Hub owns every live WebSocket Client, grouped by user id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty Hub. Call Run in a goroutine to start its event
// loop before any client registers.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Register enqueues a newly-upgraded connection for registration.
func (h *Hub) Register(c *Client) { h.register <- c }

// Run is the Hub's single-threaded event loop for register/unregister.
// Every write to the clients map (here and in ForceDisconnectAll) takes the
// write lock, so fanout reads only ever need a read lock.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*Client]struct{})
			}
			h.clients[c.userID][c] = struct{}{}
			h.mu.Unlock()
			log.Printf("[push] client registered for user %s", c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[c.userID]; ok {
				if _, present := set[c]; present {
					delete(set, c)
					c.close()
					if len(set) == 0 {
						delete(h.clients, c.userID)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast fans raw JSON bytes out to every live connection for userID.
// It never blocks on a slow client: Client.send is itself a bounded,
// non-blocking enqueue (see client.go).
func (h *Hub) Broadcast(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		c.enqueue(payload)
	}
}

// ForceDisconnectAll closes every connection for userID, used on logout
// (spec.md §3 "total flush") so a stale socket can't keep delivering
// events for state that no longer exists.
func (h *Hub) ForceDisconnectAll(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		c.close()
	}
	delete(h.clients, userID)
}
