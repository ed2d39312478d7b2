// Package filelock implements the per-FileID coordination point shared
// by the protection engine (C4) and the repair engine (C7): a lock map
// keyed by file_id, with a "pending re-encode" flag per entry that is
// guarded by its own small mutex rather than by the work lock (see entry).
//
// Locks are leaf-only (spec.md §5): no operation holds a per-file lock
// across an unbounded wait on another per-file lock, so the map below
// never needs to detect or break deadlocks — callers simply acquire one
// file's lock, do bounded work, and release it.
package filelock

import (
	"sync"

	"github.com/rsguard/rs-guard/internal/domain"
)

// entry is one file's work lock plus the pending-reencode flag. The
// flag has its own small mutex so a caller that loses the race for the
// work lock (spec.md §4.4 step 2: "already Encoding") can still record
// a pending re-encode without blocking on the in-flight encode.
type entry struct {
	work sync.Mutex
	refs int

	flagMu  sync.Mutex
	pending bool
}

// Map is a sharded map of per-FileID mutexes. The zero value is not
// ready to use; construct with New.
type Map struct {
	mu      sync.Mutex
	entries map[domain.FileID]*entry
}

// New returns a ready-to-use Map.
func New() *Map {
	return &Map{entries: make(map[domain.FileID]*entry)}
}

func (m *Map) get(id domain.FileID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	e.refs++
	return e
}

func (m *Map) release(id domain.FileID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, id)
	}
}

// Unlocker releases a held per-file work lock.
type Unlocker struct {
	m  *Map
	id domain.FileID
	e  *entry
}

// Lock acquires the work lock for id, blocking until it is available, and
// returns an Unlocker. Always release with Unlock.
func (m *Map) Lock(id domain.FileID) *Unlocker {
	e := m.get(id)
	e.work.Lock()
	return &Unlocker{m: m, id: id, e: e}
}

// TryLock attempts to acquire the work lock for id without blocking. On
// failure it returns (nil, false) and the caller holds nothing.
func (m *Map) TryLock(id domain.FileID) (*Unlocker, bool) {
	e := m.get(id)
	if !e.work.TryLock() {
		m.release(id, e)
		return nil, false
	}
	return &Unlocker{m: m, id: id, e: e}, true
}

// Unlock releases the work lock. Calling it more than once panics, matching sync.Mutex.
func (u *Unlocker) Unlock() {
	u.e.work.Unlock()
	u.m.release(u.id, u.e)
}

// SetPendingReencode records that a change event arrived for id while
// its work lock was held by someone else (spec.md §4.4 step 2). Safe to
// call whether or not the caller holds id's work lock.
func (m *Map) SetPendingReencode(id domain.FileID) {
	e := m.get(id)
	e.flagMu.Lock()
	e.pending = true
	e.flagMu.Unlock()
	m.release(id, e)
}

// TakePendingReencode reports and clears id's pending-reencode flag.
func (u *Unlocker) TakePendingReencode() bool {
	u.e.flagMu.Lock()
	defer u.e.flagMu.Unlock()
	v := u.e.pending
	u.e.pending = false
	return v
}
