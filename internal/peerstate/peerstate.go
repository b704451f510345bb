// Package peerstate holds the single most recently observed client address.
//
// The store has exactly one slot. Every Record overwrites the previous value
// (last write wins) and there is no per-client history, so when several
// clients share the relay, replies go to whichever client sent last.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package peerstate

import (
	"net/netip"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Addr     netip.AddrPort
	Known    bool
	LastSeen time.Time
	Changes  uint64
}

// Store is a single-slot, last-write-wins holder for a client address.
// The zero value is an empty store ready for use.
type Store struct {
	mu       sync.RWMutex
	addr     netip.AddrPort
	known    bool
	lastSeen time.Time
	changes  uint64
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Record stores addr, replacing any previous value. It reports whether the
// stored address changed.
func (s *Store) Record(addr netip.AddrPort) bool {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := !s.known || s.addr != addr
	s.addr = addr
	s.known = true
	s.lastSeen = now
	if changed {
		s.changes++
	}
	return changed
}

// Current returns the stored address, or false if nothing was recorded yet.
func (s *Store) Current() (netip.AddrPort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.addr, s.known
}

// Snapshot returns a copy of the full store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Addr:     s.addr,
		Known:    s.known,
		LastSeen: s.lastSeen,
		Changes:  s.changes,
	}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
