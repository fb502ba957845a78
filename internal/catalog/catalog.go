// Package catalog implements the Session Catalog: the per-user sliding
// window of at most 10 Sessions (spec.md §3, §4.4), local session-id
// minting, and the FIFO re-sync merge against Upstream's authoritative
// latest-10 list.
//
// Grounded on internal/database/db_sessions.go's GetUserSessions /
// GetOrCreateSession / UpdateSessionTitle shapes, reimplemented over an
// in-memory map instead of SQL since spec.md §1 forbids a persistent
// session store. Re-sync is grounded on the same file's title-
// reconciliation flow (Processor.updateTitleAndInstructions in
// internal/engine/engine.go), generalized from "one session's title" to
// "merge Upstream's latest-10 list, Upstream title always wins."
package catalog

import (
	"sort"
	"sync"
	"time"

	"egobackend/internal/models"
	"egobackend/internal/registry"
	"egobackend/internal/transcript"
)

// Eviction describes the session a sliding-window insert pushed out, so
// callers can surface it as window_management.deleted_session (spec.md §8
// scenario 4).
type Eviction struct {
	SessionID int
	Title     string
}

// Catalog owns every user's session window in process memory.
type Catalog struct {
	reg        *registry.Registry
	transcript *transcript.Store

	mu       sync.Mutex
	sessions map[string][]models.Session // userID -> sessions, unsorted
	counters map[string]int              // userID -> highest locally-minted id
	synced   map[string]bool             // userID -> catalog has >=1 upstream-sourced entry
}

// New creates an empty Catalog. reg supplies the per-user
// lastUpstreamSessionId cursor (spec.md §3) and the logout flush hook;
// ts is the Transcript Store whose per-session logs are dropped in
// lockstep with an evicted or deleted session.
func New(reg *registry.Registry, ts *transcript.Store) *Catalog {
	c := &Catalog{
		reg:        reg,
		transcript: ts,
		sessions:   make(map[string][]models.Session),
		counters:   make(map[string]int),
		synced:     make(map[string]bool),
	}
	reg.RegisterFlushHook(c.flush)
	return c
}

// NextLocal mints the next locally-generated session id for userID:
// max(lastUpstreamSessionId, currentLocalCounter) + 1, committing the new
// counter value (spec.md §4.4 "Session-id generation"; property P2).
func (c *Catalog) NextLocal(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.reg.LastUpstreamSessionID(userID)
	if cur := c.counters[userID]; cur > base {
		base = cur
	}
	next := base + 1
	c.counters[userID] = next
	return next
}

// SeedCounter re-seeds the local counter on login, per spec.md §4.4.
func (c *Catalog) SeedCounter(userID string, lastUpstreamSessionID int) {
	c.reg.SetLastUpstreamSessionID(userID, lastUpstreamSessionID)
}

// List returns a snapshot of userID's sessions sorted by id descending,
// matching spec.md §8 scenario 6's "returned list is sorted by id
// descending."
func (c *Catalog) List(userID string) []models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]models.Session(nil), c.sessions[userID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// HasUpstreamEntry reports whether userID's catalog contains at least one
// Upstream-sourced session, the cache-policy test of spec.md §4.4: "a
// catalog that contains only local sessions triggers a fresh fetch."
func (c *Catalog) HasUpstreamEntry(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced[userID]
}

// Upsert inserts a new session or updates an existing one for
// (userID, sessionID), applying the sliding-window eviction policy first
// when a brand-new session would push the count above 10 (spec.md §4.4,
// invariant P1). An update that carries a title renames the session without
// counting another chat, and a session created with an empty chatID starts
// at zero chats. Returns the updated/created Session and, if an eviction
// occurred, the identity of the evicted session.
func (c *Catalog) Upsert(userID string, sessionID int, chatID string, title string, source models.SessionSource) (models.Session, *Eviction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	list := c.sessions[userID]

	for i := range list {
		if list[i].ID == sessionID {
			list[i].CurrentChatID = chatID
			if title == "" {
				list[i].TotalChats++
			}
			list[i].UpdatedAt = now
			list[i].LastActivityAt = now
			if title != "" {
				list[i].Title = title
				list[i].Source = source
			}
			c.sessions[userID] = list
			return list[i], nil
		}
	}

	var evicted *Eviction
	if len(list) >= models.MaxSessionsPerUser {
		evictIdx := 0
		for i := range list {
			if list[i].ID < list[evictIdx].ID {
				evictIdx = i
			}
		}
		victim := list[evictIdx]
		evicted = &Eviction{SessionID: victim.ID, Title: victim.Title}
		c.transcript.Drop(userID, victim.ID)
		list = append(list[:evictIdx], list[evictIdx+1:]...)
	}

	totalChats := 0
	if chatID != "" {
		totalChats = 1
	}
	session := models.Session{
		ID:             sessionID,
		Title:          title,
		OwnerUserID:    userID,
		CurrentChatID:  chatID,
		TotalChats:     totalChats,
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	list = append(list, session)
	c.sessions[userID] = list
	return session, evicted
}

// WillEvictOnNextInsert reports whether userID is at exactly 9 sessions,
// the "10th insert gets a warning" condition of spec.md §4.4.
func (c *Catalog) WillEvictOnNextInsert(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[userID]) == models.MaxSessionsPerUser-1
}

// ChatCount returns the TotalChats recorded for (userID, sessionID), used
// by the Streaming Coordinator's admission check against the 15-prompt
// cap (spec.md §4.1, §8 Open Question (b)).
func (c *Catalog) ChatCount(userID string, sessionID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions[userID] {
		if s.ID == sessionID {
			return s.TotalChats
		}
	}
	return 0
}

// SyncEntry is one Upstream-sourced (id, title) pair from the session-index
// queue (spec.md §4.4 FIFO re-sync; §9's discriminated decode of
// [sid,title] pairs / {s_id,s_name} objects normalizes to this shape
// before calling Reconcile).
type SyncEntry struct {
	SessionID int
	Title     string
}

// Reconcile merges Upstream's authoritative latest-10 list into userID's
// catalog: for every id Upstream names, its title always overwrites any
// local title for that id (spec.md §4.4, property P7); ids not already
// present are inserted with source=upstream; the catalog is marked
// "has an upstream entry" so future reads are cache-first (spec.md §4.4
// cache policy). A session merely absent from the new Upstream window is
// not deleted for that reason alone; but when the merged list holds more
// than 10 sessions, every session past the first 10 by id descending (the
// smallest ids) is dropped here, together with its transcript.
func (c *Catalog) Reconcile(userID string, entries []SyncEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.sessions[userID]
	now := time.Now()

	for _, e := range entries {
		found := false
		for i := range list {
			if list[i].ID == e.SessionID {
				list[i].Title = e.Title
				list[i].Source = models.SourceLocalUpdatedFromUpstream
				found = true
				break
			}
		}
		if !found {
			list = append(list, models.Session{
				ID:             e.SessionID,
				Title:          e.Title,
				OwnerUserID:    userID,
				Source:         models.SourceUpstream,
				CreatedAt:      now,
				UpdatedAt:      now,
				LastActivityAt: now,
			})
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if len(list) > models.MaxSessionsPerUser {
		for _, victim := range list[models.MaxSessionsPerUser:] {
			c.transcript.Drop(userID, victim.ID)
		}
		list = list[:models.MaxSessionsPerUser]
	}

	c.sessions[userID] = list
	if len(entries) > 0 {
		c.synced[userID] = true
	}
}

// MergePreview computes what userID's catalog would look like after
// Reconcile(entries) without mutating anything, sorted by id descending.
// spec.md §4.4 Trigger A requires the merged list to reach the client
// before the in-memory catalog is actually updated ("return the merged
// list to the client first, then update the in-memory catalog in a
// detached task"); this lets httpapi compute that response body and defer
// the real Reconcile call to a goroutine.
func (c *Catalog) MergePreview(userID string, entries []SyncEntry) []models.Session {
	c.mu.Lock()
	list := append([]models.Session(nil), c.sessions[userID]...)
	c.mu.Unlock()

	for _, e := range entries {
		found := false
		for i := range list {
			if list[i].ID == e.SessionID {
				list[i].Title = e.Title
				list[i].Source = models.SourceLocalUpdatedFromUpstream
				found = true
				break
			}
		}
		if !found {
			list = append(list, models.Session{
				ID:          e.SessionID,
				Title:       e.Title,
				OwnerUserID: userID,
				Source:      models.SourceUpstream,
			})
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if len(list) > models.MaxSessionsPerUser {
		list = list[:models.MaxSessionsPerUser]
	}
	return list
}

// Delete removes a single session from userID's catalog (HTTP
// DELETE /deletesession/{id}) and drops its transcript.
func (c *Catalog) Delete(userID string, sessionID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sessions[userID]
	for i := range list {
		if list[i].ID == sessionID {
			c.sessions[userID] = append(list[:i], list[i+1:]...)
			c.transcript.Drop(userID, sessionID)
			return true
		}
	}
	return false
}

// flush discards userID's entire catalog, invoked via the registry's
// logout flush hook (spec.md §3, property P8).
func (c *Catalog) flush(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
	delete(c.counters, userID)
	delete(c.synced, userID)
}
