// Package positions holds the last read-back position of every mirror segment
package positions

import (
	"fmt"
	"sync"

	"github.com/glint-instrument/glintlab/segment"
)

// Change describes an update of the store
type Change struct {
	IDs       []int              `json:"ids"`
	Positions []segment.Position `json:"positions"`
}

// Store is the single source of truth for segment positions.  It only ever
// holds values read back from the mirror.
type Store struct {
	mu     sync.RWMutex
	m      segment.Matrix
	limits segment.Limits

	subMu sync.Mutex
	subs  map[int]func(Change)
	next  int
}

// New returns a store of n zeroed segments
func New(n int, limits segment.Limits) *Store {
	return &Store{m: segment.NewMatrix(n), limits: limits, subs: map[int]func(Change){}}
}

// Len returns the number of segments
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Limits returns the stroke the store clamps to
func (s *Store) Limits() segment.Limits {
	return s.limits
}

// Get returns a copy of every position, ordered by segment id
func (s *Store) Get() segment.Matrix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Clone()
}

// Segment returns the position of one segment
func (s *Store) Segment(id int) (segment.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.At(id)
}

// Set stores one position for segment id, or with id 0 one position per segment
func (s *Store) Set(id int, values ...segment.Position) error {
	ids, err := segment.Select(id, s.Len())
	if err != nil {
		return err
	}
	return s.Commit(ids, values)
}

// Commit stores values[i] for ids[i] and notifies subscribers
func (s *Store) Commit(ids []int, values []segment.Position) error {
	if len(ids) != len(values) {
		return fmt.Errorf("%d segments but %d positions", len(ids), len(values))
	}
	s.mu.Lock()
	for _, id := range ids {
		if err := segment.Check(id, len(s.m)); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for i, id := range ids {
		s.m[id-1] = values[i]
	}
	s.mu.Unlock()
	s.notify(Change{IDs: append([]int(nil), ids...), Positions: append([]segment.Position(nil), values...)})
	return nil
}

// Clamp clamps every stored position into the limits and returns the result
func (s *Store) Clamp() segment.Matrix {
	s.mu.Lock()
	s.m.Clamp(s.limits)
	out := s.m.Clone()
	s.mu.Unlock()
	s.notify(Change{IDs: segment.All(len(out)), Positions: out.Clone()})
	return out
}

// Subscribe registers fn to be called after every change.  fn runs on the
// writer's goroutine and must not block.  The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
