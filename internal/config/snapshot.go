package config

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable published configuration. Never mutate a
// Snapshot after it is published; publish a new one.
type Snapshot struct {
	Version int64    `json:"version"`
	Values  Settings `json:"values"`
}

// Store holds the current snapshot behind an atomically swapped pointer.
// Readers never lock.
type Store struct {
	cur atomic.Pointer[Snapshot]
	now func() time.Time
}

// NewStore returns an empty store. now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Current returns the published snapshot or nil before the first publish.
func (s *Store) Current() *Snapshot { return s.cur.Load() }

// Version returns the current version or 0.
func (s *Store) Version() int64 {
	if c := s.cur.Load(); c != nil {
		return c.Version
	}
	return 0
}

// Publish derives a new version from the wall clock in milliseconds and
// swaps in a new snapshot. If the clock did not advance past the previous
// version the new version is previous+1.
func (s *Store) Publish(v Settings) *Snapshot {
	for {
		prev := s.cur.Load()
		ver := s.now().UnixMilli()
		if prev != nil && ver <= prev.Version {
			ver = prev.Version + 1
		}
		next := &Snapshot{Version: ver, Values: v}
		if s.cur.CompareAndSwap(prev, next) {
			return next
		}
	}
}
