// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package companion

import (
	"sync"
	"time"
)

// defaultMaxSessions bounds session bookkeeping under connect storms.
const defaultMaxSessions = 4096

// Session records one live companion hand-off.
type Session struct {
	ID      uint64
	PID     int32
	UID     uint32
	ABI     uint8
	ReqID   uint32
	Started time.Time
}

// SessionTable tracks live companion sessions with a bounded footprint.
// Hitting the cap evicts the oldest record; eviction drops bookkeeping
// only, never the connection itself.
type SessionTable struct {
	mu     sync.RWMutex
	max    int
	nextID uint64
	open   map[uint64]*Session
}

// NewSessionTable creates a table capped at max entries. max <= 0 uses
// the default cap.
func NewSessionTable(max int) *SessionTable {
	if max <= 0 {
		max = defaultMaxSessions
	}
	return &SessionTable{
		max:  max,
		open: make(map[uint64]*Session),
	}
}

// Open records a new session for the worker identified by hdr.
func (t *SessionTable) Open(hdr RequestHeader) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) >= t.max {
		t.evictOldestLocked()
	}
	t.nextID++
	s := &Session{
		ID:      t.nextID,
		PID:     hdr.PID,
		UID:     hdr.UID,
		ABI:     hdr.ABI,
		ReqID:   hdr.ReqID,
		Started: time.Now(),
	}
	t.open[s.ID] = s
	return s
}

// Release drops the session record for id. Unknown ids are ignored so
// an evicted session's deferred release stays harmless.
func (t *SessionTable) Release(id uint64) {
	t.mu.Lock()
	delete(t.open, id)
	t.mu.Unlock()
}

// Active returns the number of open sessions.
func (t *SessionTable) Active() int {
	t.mu.RLock()
	n := len(t.open)
	t.mu.RUnlock()
	return n
}

// Snapshot copies the open session records for diagnostics.
func (t *SessionTable) Snapshot() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.open))
	for _, s := range t.open {
		out = append(out, *s)
	}
	return out
}

// CleanStale drops session records older than maxAge and returns how
// many went. A record this old usually means a stuck handler; the
// goroutine itself is left alone.
func (t *SessionTable) CleanStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	t.mu.Lock()
	for id, s := range t.open {
		if s.Started.Before(cutoff) {
			delete(t.open, id)
			removed++
		}
	}
	t.mu.Unlock()

	return removed
}

// evictOldestLocked removes the oldest session record. Caller holds t.mu.
func (t *SessionTable) evictOldestLocked() {
	var oldestID uint64
	var oldestTime time.Time
	first := true
	for id, s := range t.open {
		if first || s.Started.Before(oldestTime) {
			oldestID = id
			oldestTime = s.Started
			first = false
		}
	}
	if !first {
		delete(t.open, oldestID)
	}
}
