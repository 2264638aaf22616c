// Package ringbuf provides the bounded candle history used by the detectors.
//
// Ring is a fixed-capacity FIFO that evicts its oldest candle on overflow. It
// is not safe for concurrent use; each Ring is owned by a single writer.
// Store wraps a set of rings keyed by instrument behind a RWMutex so that
// other partitions can take read-only snapshots.
package ringbuf

import (
	"sync"

	"optionwatch/internal/model"
)

// Ring is an evicting FIFO of candles with exact capacity.
type Ring struct {
	buf  []model.Candle
	head uint64 // total pushes
	size int
}

// New creates a ring holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends a candle, evicting the oldest one when the ring is full.
// Returns true if a candle was evicted.
func (r *Ring) Push(c model.Candle) bool {
	r.buf[r.head%uint64(len(r.buf))] = c
	r.head++
	if r.size < len(r.buf) {
		r.size++
		return false
	}
	return true
}

// Window returns a copy of the most recent n candles in chronological order.
// n <= 0 or n > Len returns everything held.
func (r *Ring) Window(n int) []model.Candle {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]model.Candle, n)
	start := r.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+uint64(i))%uint64(len(r.buf))]
	}
	return out
}

// Last returns the newest candle.
func (r *Ring) Last() (model.Candle, bool) {
	if r.size == 0 {
		return model.Candle{}, false
	}
	return r.buf[(r.head-1)%uint64(len(r.buf))], true
}

// Len returns the number of candles held.
func (r *Ring) Len() int { return r.size }

// Store is a concurrent map of instrument → Ring with a shared capacity.
type Store struct {
	mu       sync.RWMutex
	rings    map[string]*Ring
	capacity int
}

// NewStore creates a store whose rings hold capacity candles each.
func NewStore(capacity int) *Store {
	return &Store{rings: make(map[string]*Ring), capacity: capacity}
}

// Append adds a candle to the instrument's ring, creating it lazily.
func (s *Store) Append(instrument string, c model.Candle) {
	s.mu.Lock()
	r, ok := s.rings[instrument]
	if !ok {
		r = New(s.capacity)
		s.rings[instrument] = r
	}
	r.Push(c)
	s.mu.Unlock()
}

// Window returns a snapshot of the instrument's most recent n candles.
// Unknown instruments return nil.
func (s *Store) Window(instrument string, n int) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[instrument]
	if !ok {
		return nil
	}
	return r.Window(n)
}

// Last returns the newest candle for an instrument.
func (s *Store) Last(instrument string) (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[instrument]
	if !ok {
		return model.Candle{}, false
	}
	return r.Last()
}

// Len returns the history length for an instrument.
func (s *Store) Len(instrument string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rings[instrument]; ok {
		return r.Len()
	}
	return 0
}

// Drop discards an instrument's history. Returns false if none was held.
func (s *Store) Drop(instrument string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rings[instrument]
	delete(s.rings, instrument)
	return ok
}
