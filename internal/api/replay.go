package api

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte // encoded frame
}

// ReplayBuffer is a fixed-size circular buffer of recent frames, used to
// backfill clients that reconnect with the last sequence they saw.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	cap  int
	pos  int // next write position
	full bool
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{
		buf: make([]replayEntry, capacity),
		cap: capacity,
	}
}

// Push appends a frame, overwriting the oldest when full.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = replayEntry{Seq: seq, Data: data}
	rb.pos = (rb.pos + 1) % rb.cap
	if rb.pos == 0 {
		rb.full = true
	}
}

// After returns the frames with seq > after, oldest first.
func (rb *ReplayBuffer) After(after int64) [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out [][]byte
	n := rb.len()
	for i := 0; i < n; i++ {
		e := rb.buf[rb.index(i)]
		if e.Seq > after {
			out = append(out, e.Data)
		}
	}
	return out
}

// Len returns the number of frames currently held.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return rb.cap
	}
	return rb.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % rb.cap
	}
	return logical
}
