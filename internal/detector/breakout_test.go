package detector

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
)

// rangeCandles returns n candles confined to [100, 101.8].
func rangeCandles(start, n int) []model.Candle {
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		high, low := 101.5, 100.3
		if i%2 == 0 {
			high = 101.8
		} else {
			low = 100
		}
		out = append(out, makeCandle(start+i, 100.8, high, low, 101.0, 1000))
	}
	return out
}

type phaseLog struct {
	steps [][2]model.Phase
}

func (p *phaseLog) hook(_ string, from, to model.Phase) {
	p.steps = append(p.steps, [2]model.Phase{from, to})
}

func newBreakout(t *testing.T) (*BreakoutDetector, *phaseLog) {
	t.Helper()
	d := NewBreakoutDetector(DefaultBreakoutConfig(), zerolog.Nop())
	pl := &phaseLog{}
	d.OnPhase = pl.hook
	return d, pl
}

func feed(t *testing.T, d *BreakoutDetector, candles []model.Candle) {
	t.Helper()
	for _, c := range candles {
		if ev := d.ProcessCandle(instCE, c); ev != nil {
			t.Fatalf("unexpected failure event at %v: %+v", c.TS, ev)
		}
	}
}

func TestBreakout_UpBreakoutThenImmediateFailure(t *testing.T) {
	d, pl := newBreakout(t)
	feed(t, d, rangeCandles(0, 25))

	if d.Phase(instCE) != model.PhaseConsolidation {
		t.Fatalf("expected CONSOLIDATION, got %s", d.Phase(instCE))
	}
	st, _ := d.Status(instCE)
	if st.Range == nil || st.Range.UpperBound != 101.8 || st.Range.LowerBound != 100 {
		t.Fatalf("expected range [100, 101.8], got %+v", st.Range)
	}

	if ev := d.ProcessCandle(instCE, makeCandle(25, 101.2, 103, 101, 102.5, 1500)); ev != nil {
		t.Fatal("failure must not be evaluated on the breakout candle")
	}
	if d.Phase(instCE) != model.PhaseBreakoutUp {
		t.Fatalf("expected BREAKOUT_UP, got %s", d.Phase(instCE))
	}

	ev := d.ProcessCandle(instCE, makeCandle(26, 102, 102.2, 100.3, 100.5, 3000))
	if ev == nil {
		t.Fatal("expected immediate failure on close back inside the range")
	}
	if ev.Direction != model.DirectionUpFailure || ev.Phase != model.PhaseFailureUp {
		t.Errorf("direction=%s phase=%s", ev.Direction, ev.Phase)
	}
	if ev.BreakoutPrice != 102.5 || ev.BreakdownPrice != 100.5 {
		t.Errorf("prices: %+v", ev)
	}
	if ev.RangeUpper != 101.8 || ev.RangeLower != 100 {
		t.Errorf("range bounds: %+v", ev)
	}
	if ev.CandlesForFailure != 27 {
		t.Errorf("candles for failure = %d, want 27", ev.CandlesForFailure)
	}
	if ev.SwingLowBroken || ev.SwingHighBroken {
		t.Errorf("no swing points exist yet: %+v", ev)
	}
	// 25×1000 + 1500 over 26 candles
	wantSpike := (3000 - 26500.0/26) / (26500.0 / 26) * 100
	if !approx(ev.VolumeSpikePct, wantSpike) {
		t.Errorf("volume spike = %v, want %v", ev.VolumeSpikePct, wantSpike)
	}

	if d.Phase(instCE) != model.PhaseConsolidation {
		t.Fatalf("expected reset to CONSOLIDATION, got %s", d.Phase(instCE))
	}
	st, _ = d.Status(instCE)
	if st.Range != nil || st.BreakoutPrice != 0 {
		t.Errorf("range and breakout price should be reset: %+v", st)
	}

	want := [][2]model.Phase{
		{model.PhaseConsolidation, model.PhaseBreakoutUp},
		{model.PhaseBreakoutUp, model.PhaseFailureUp},
		{model.PhaseFailureUp, model.PhaseConsolidation},
	}
	if !reflect.DeepEqual(pl.steps, want) {
		t.Errorf("phase steps = %v, want %v", pl.steps, want)
	}
}

func TestBreakout_DownFailure(t *testing.T) {
	d, _ := newBreakout(t)
	feed(t, d, rangeCandles(0, 25))

	d.ProcessCandle(instCE, makeCandle(25, 100.2, 100.5, 98, 98.5, 1000))
	if d.Phase(instCE) != model.PhaseBreakoutDown {
		t.Fatalf("expected BREAKOUT_DOWN, got %s", d.Phase(instCE))
	}
	// still below the range: no failure
	if ev := d.ProcessCandle(instCE, makeCandle(26, 98.5, 99.8, 98, 99, 1000)); ev != nil {
		t.Fatal("close below lower bound is not a failure")
	}
	ev := d.ProcessCandle(instCE, makeCandle(27, 99, 100.8, 99, 100.6, 1000))
	if ev == nil || ev.Direction != model.DirectionDownFailure || ev.Phase != model.PhaseFailureDown {
		t.Fatalf("expected down_failure, got %+v", ev)
	}
}

func TestBreakout_SwingLowBroken(t *testing.T) {
	d, pl := newBreakout(t)
	feed(t, d, rangeCandles(0, 40))

	st, _ := d.Status(instCE)
	if st.SwingLow == nil || st.SwingLow.Price != 100 {
		t.Fatalf("expected swing low 100, got %+v", st.SwingLow)
	}
	if st.SwingHigh == nil || st.SwingHigh.Price != 101.8 {
		t.Fatalf("expected swing high 101.8, got %+v", st.SwingHigh)
	}

	d.ProcessCandle(instCE, makeCandle(40, 101.2, 103, 101, 102.5, 1000))
	ev := d.ProcessCandle(instCE, makeCandle(41, 101, 101, 99, 99.5, 1000))
	if ev == nil {
		t.Fatal("expected failure")
	}
	if !ev.SwingLowBroken || ev.SwingLevel != 100 || ev.Phase != model.PhaseSwingLowBroken {
		t.Errorf("expected swing low broken at 100, got %+v", ev)
	}

	n := len(pl.steps)
	tail := pl.steps[n-3:]
	want := [][2]model.Phase{
		{model.PhaseBreakoutUp, model.PhaseFailureUp},
		{model.PhaseFailureUp, model.PhaseSwingLowBroken},
		{model.PhaseSwingLowBroken, model.PhaseConsolidation},
	}
	if !reflect.DeepEqual(tail, want) {
		t.Errorf("phase tail = %v, want %v", tail, want)
	}

	st, _ = d.Status(instCE)
	if st.SwingLow == nil || !st.SwingLow.Broken {
		t.Errorf("swing low should stay broken until recomputed: %+v", st.SwingLow)
	}
}

func TestBreakout_WideRangeNeverBreaksOut(t *testing.T) {
	d, pl := newBreakout(t)
	for i := 0; i < 60; i++ {
		d.ProcessCandle(instCE, makeCandle(i, 102, 105, 100, 102, 1000))
	}
	d.ProcessCandle(instCE, makeCandle(60, 104, 110, 104, 109, 1000))
	if len(pl.steps) != 0 {
		t.Fatalf("no range should form with width above 2%%: %v", pl.steps)
	}
	if st, _ := d.Status(instCE); st.Range != nil {
		t.Fatalf("unexpected range %+v", st.Range)
	}
}

func TestBreakout_NeedsMinimumCandles(t *testing.T) {
	d, _ := newBreakout(t)
	feed(t, d, rangeCandles(0, 19))
	d.ProcessCandle(instCE, makeCandle(19, 101.2, 103, 101, 102.5, 1000))
	if d.Phase(instCE) != model.PhaseConsolidation {
		t.Fatalf("breakout with only 19 candles of range: %s", d.Phase(instCE))
	}
}

func TestBreakout_NoDirectionFlipWithoutReset(t *testing.T) {
	d, pl := newBreakout(t)
	feed(t, d, rangeCandles(0, 25))
	d.ProcessCandle(instCE, makeCandle(25, 101.2, 103, 101, 102.5, 1000))

	// sweeps below the range but closes above it
	if ev := d.ProcessCandle(instCE, makeCandle(26, 102.5, 104, 95, 102, 1000)); ev != nil {
		t.Fatal("close above upper bound is not a failure")
	}
	if d.Phase(instCE) != model.PhaseBreakoutUp {
		t.Fatalf("expected BREAKOUT_UP to hold, got %s", d.Phase(instCE))
	}
	for _, s := range pl.steps {
		if !model.CanTransition(s[0], s[1]) {
			t.Errorf("illegal step %v", s)
		}
	}
}

func TestBreakout_HistoryCapAndDeterminism(t *testing.T) {
	var seq []model.Candle
	for round := 0; round < 10; round++ {
		start := round * 30
		seq = append(seq, rangeCandles(start, 27)...)
		seq = append(seq, makeCandle(start+27, 101.2, 103, 101, 102.5, 1000))
		seq = append(seq, makeCandle(start+28, 102, 102.2, 100.3, 100.5, 2000))
		seq = append(seq, makeCandle(start+29, 100.5, 101, 100.2, 100.8, 1000))
	}

	run := func() []model.BreakoutFailureEvent {
		d := NewBreakoutDetector(DefaultBreakoutConfig(), zerolog.Nop())
		var out []model.BreakoutFailureEvent
		for _, c := range seq {
			if ev := d.ProcessCandle(instCE, c); ev != nil {
				out = append(out, *ev)
			}
			if n := len(d.History(instCE, 0)); n > 200 {
				t.Fatalf("history %d exceeds cap", n)
			}
		}
		return out
	}

	a, b := run(), run()
	if len(a) == 0 {
		t.Fatal("expected failures in the replayed sequence")
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical input produced different events")
	}
}

func TestBreakout_Drop(t *testing.T) {
	d, _ := newBreakout(t)
	feed(t, d, rangeCandles(0, 25))
	d.ProcessCandle(instCE, makeCandle(25, 101.2, 103, 101, 102.5, 1000))

	if !d.Drop(instCE) {
		t.Fatal("drop should report existing state")
	}
	if d.Has(instCE) || d.Phase(instCE) != model.PhaseConsolidation {
		t.Fatal("state should be gone after drop")
	}
	if d.Drop(instCE) {
		t.Fatal("second drop should report nothing to drop")
	}
}
