package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 10, 28, 9, 15, 0, 0, time.UTC)}
	return NewCircuitBreaker(max, 10*time.Second).WithClock(clk.now), clk
}

var errFail = errors.New("fail")

func fail(context.Context) error { return errFail }
func ok(context.Context) error   { return nil }

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(context.Background(), fail)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.CurrentState())
	}

	trip(cb, 3)
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("expected rejection without call, got %v (called=%v)", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()
	cb.Execute(ctx, fail)
	cb.Execute(ctx, ok)
	cb.Execute(ctx, fail)
	if cb.CurrentState() != StateClosed || cb.Failures() != 1 {
		t.Errorf("failures must be consecutive, got %v with %d", cb.CurrentState(), cb.Failures())
	}
}

func TestCircuitBreaker_ProbeCloses(t *testing.T) {
	cb, clk := newTestBreaker(2)
	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	trip(cb, 2)
	clk.advance(11 * time.Second)

	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clk := newTestBreaker(2)
	trip(cb, 2)
	clk.advance(11 * time.Second)
	cb.Execute(context.Background(), fail)

	if cb.CurrentState() != StateOpen {
		t.Errorf("expected open after failed probe, got %v", cb.CurrentState())
	}
	if err := cb.Execute(context.Background(), ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("reopened breaker must reject, got %v", err)
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1)
	trip(cb, 1)
	clk.advance(11 * time.Second)

	var inner error
	cb.Execute(context.Background(), func(ctx context.Context) error {
		inner = cb.Execute(ctx, ok)
		return nil
	})
	if !errors.Is(inner, ErrCircuitOpen) {
		t.Errorf("second call during the probe should be rejected, got %v", inner)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_IgnoresCallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.CurrentState() != StateClosed || cb.Failures() != 0 {
		t.Errorf("cancellation must not count, got %v with %d", cb.CurrentState(), cb.Failures())
	}
}
