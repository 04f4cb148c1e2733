// Package snapshot owns the current flag configuration and loads it from
// files.
package snapshot

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/rolloutz/internal/core"
)

var (
	ErrNoSnapshot  = errors.New("no snapshot loaded")
	ErrStoreClosed = errors.New("snapshot store closed")
)

// Store publishes immutable snapshots to concurrent readers. Readers always
// observe either the previous or the next snapshot in full.
type Store struct {
	current atomic.Pointer[core.Snapshot]
	closed  atomic.Bool
	swaps   atomic.Uint64

	// writeMu serializes read-modify-write updates.
	writeMu sync.Mutex
	onSwap  []func(*core.Snapshot)
}

type Option func(*Store)

// WithSwapHook registers fn to run after every successful swap with the new
// snapshot. Hooks run on the swapping goroutine.
func WithSwapHook(fn func(*core.Snapshot)) Option {
	return func(s *Store) {
		s.onSwap = append(s.onSwap, fn)
	}
}

func NewStore(initial *core.Snapshot, opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if initial != nil {
		s.current.Store(initial)
		s.notify(initial)
	}
	return s
}

// Load returns the current snapshot, or nil before the first Swap.
func (s *Store) Load() *core.Snapshot {
	return s.current.Load()
}

func (s *Store) Current() (*core.Snapshot, error) {
	snapshot := s.current.Load()
	if snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return snapshot, nil
}

// Swap publishes next and returns the snapshot it replaced.
func (s *Store) Swap(next *core.Snapshot) (*core.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	previous := s.current.Swap(next)
	s.swaps.Add(1)
	s.notify(next)
	return previous, nil
}

// Update applies fn to the current snapshot and publishes the result. Calls
// are serialized, so fn always sees the latest published snapshot. When fn
// returns an error nothing is published.
func (s *Store) Update(fn func(current *core.Snapshot) (*core.Snapshot, error)) (*core.Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	next, err := fn(s.current.Load())
	if err != nil {
		return nil, err
	}

	if _, err := s.Swap(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Swaps reports how many snapshots have been published with Swap or Update.
func (s *Store) Swaps() uint64 {
	return s.swaps.Load()
}

// Close stops further swaps. Readers keep seeing the last snapshot.
func (s *Store) Close() {
	s.closed.Store(true)
}

func (s *Store) notify(snapshot *core.Snapshot) {
	for _, fn := range s.onSwap {
		fn(snapshot)
	}
}
