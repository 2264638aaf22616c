package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the position of a CircuitBreaker.
type State int

const (
	StateClosed   State = iota // writes pass through
	StateOpen                  // writes rejected until the cool-off ends
	StateHalfOpen              // a single probe write in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned for calls rejected by an open breaker, and for
// calls arriving while a half-open probe is still running.
var ErrCircuitOpen = errors.New("redis: circuit breaker open")

// CircuitBreaker guards Redis writes. After maxFailures consecutive failures
// it opens for coolOff, then admits exactly one probe: success closes it,
// failure reopens it. Errors caused by the caller's context ending are not
// held against Redis.
type CircuitBreaker struct {
	maxFailures int
	coolOff     time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time

	// OnStateChange observes transitions. It runs with the breaker locked and
	// must not call back into it.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker returns a closed breaker. maxFailures below 1 is raised to 1.
func NewCircuitBreaker(maxFailures int, coolOff time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{maxFailures: maxFailures, coolOff: coolOff, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(ctx, err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.coolOff {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasProbe := cb.state == StateHalfOpen
	cb.probing = false

	if err == nil {
		cb.failures = 0
		cb.setState(StateClosed)
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	cb.failures++
	if wasProbe || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

// CurrentState returns the breaker's state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
