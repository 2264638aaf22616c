package detector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
)

const instCE = "NIFTY 25 Oct 28 26200 CE"

var base = time.Date(2025, 10, 28, 9, 15, 0, 0, time.UTC)

// makeCandle builds a one-minute candle at base+minute.
func makeCandle(minute int, o, h, l, c, v float64) model.Candle {
	return model.Candle{
		Instrument: instCE,
		TS:         base.Add(time.Duration(minute) * time.Minute),
		Open:       o, High: h, Low: l, Close: c, Volume: v,
	}
}

func closeAt(minute int, c, v float64) model.Candle {
	return makeCandle(minute, c+0.5, c+1, c-1, c, v)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestSupport_ConfirmsOnThirdCloseBelow(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	if _, err := d.AddSupportLevel(instCE, 267.5, 0.5, 2, 5); err != nil {
		t.Fatalf("add level: %v", err)
	}

	feed := []model.Candle{
		closeAt(0, 270, 1000),
		closeAt(1, 269, 1000),
		closeAt(2, 268, 1000),
		closeAt(3, 267, 1000),
	}
	for _, c := range feed {
		if ev := d.Update(instCE, c); ev != nil {
			t.Fatalf("unexpected breakdown above support at %v", c.TS)
		}
	}

	// first close below 266.1625 with double volume: 1/5 of the window
	if ev := d.Update(instCE, closeAt(4, 260, 2000)); ev != nil {
		t.Fatal("breakdown fired on the first sub-threshold close")
	}
	// 2/5
	if ev := d.Update(instCE, closeAt(5, 265, 1000)); ev != nil {
		t.Fatal("breakdown fired with 40% of window below")
	}
	// 3/5 = 60%
	ev := d.Update(instCE, makeCandle(6, 266, 266.5, 263.5, 264, 2000))
	if ev == nil {
		t.Fatal("expected breakdown once 60% of the window closed below")
	}
	if ev.SupportPrice != 267.5 || ev.BreakdownPrice != 264 {
		t.Errorf("unexpected prices: %+v", ev)
	}
	if !ev.Time.Equal(base.Add(6 * time.Minute)) {
		t.Errorf("event time = %v, want candle time", ev.Time)
	}
	// window volumes excluding current: 1000, 1000, 2000, 1000 → avg 1250
	if !approx(ev.VolumeIncreasePct, 60) {
		t.Errorf("volume increase = %v, want 60", ev.VolumeIncreasePct)
	}
	if !approx(ev.CandleBodyRatio, 2.0/3.0) {
		t.Errorf("body ratio = %v, want 0.6667", ev.CandleBodyRatio)
	}
	if got := d.Events(instCE); len(got) != 1 {
		t.Errorf("expected 1 recorded breakdown, got %d", len(got))
	}
}

func TestSupport_NeverConfirmsWithShortHistory(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	for i := 0; i < 4; i++ {
		if ev := d.Update(instCE, closeAt(i, 90, 100)); ev != nil {
			t.Fatalf("breakdown with %d candles of history", i+1)
		}
	}
	if ev := d.Update(instCE, closeAt(4, 90, 100)); ev == nil {
		t.Fatal("expected breakdown once the window is full")
	}
}

func TestSupport_RefiresWithoutCooldown(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	fired := 0
	for i := 0; i < 8; i++ {
		if d.Update(instCE, closeAt(i, 90, 100)) != nil {
			fired++
		}
	}
	// candles 5..8 all qualify
	if fired != 4 {
		t.Fatalf("expected 4 breakdowns, got %d", fired)
	}
}

func TestSupport_Cooldown(t *testing.T) {
	cfg := DefaultSupportConfig()
	cfg.Cooldown = 3 * time.Minute
	d := NewSupportDetector(cfg, zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	var firedAt []int
	for i := 0; i < 10; i++ {
		if d.Update(instCE, closeAt(i, 90, 100)) != nil {
			firedAt = append(firedAt, i)
		}
	}
	want := []int{4, 7}
	if len(firedAt) != len(want) {
		t.Fatalf("fired at %v, want %v", firedAt, want)
	}
	for i := range want {
		if firedAt[i] != want[i] {
			t.Fatalf("fired at %v, want %v", firedAt, want)
		}
	}
}

func TestSupport_AutoDisable(t *testing.T) {
	cfg := DefaultSupportConfig()
	cfg.AutoDisable = true
	d := NewSupportDetector(cfg, zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	fired := 0
	for i := 0; i < 8; i++ {
		if d.Update(instCE, closeAt(i, 90, 100)) != nil {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expected single fire, got %d", fired)
	}
	if lv := d.Levels(instCE); len(lv) != 1 || lv[0].Active {
		t.Fatalf("expected level to be inactive, got %+v", lv)
	}
}

func TestSupport_FirstLevelInRegistrationOrder(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	d.AddSupportLevel(instCE, 95, 0.5, 2, 5)
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	var ev *model.BreakdownEvent
	for i := 0; i < 5; i++ {
		ev = d.Update(instCE, closeAt(i, 90, 100))
	}
	if ev == nil || ev.SupportPrice != 95 {
		t.Fatalf("expected breakdown of first registered level, got %+v", ev)
	}
}

func TestSupport_DisableLevel(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	if d.DisableSupportLevel(instCE, 100.5) {
		t.Fatal("price 0.5 away should not match")
	}
	if !d.DisableSupportLevel(instCE, 100.05) {
		t.Fatal("price within 0.1 should match")
	}
	if d.DisableSupportLevel("UNKNOWN", 100) {
		t.Fatal("unknown instrument should not match")
	}
	for i := 0; i < 6; i++ {
		if d.Update(instCE, closeAt(i, 90, 100)) != nil {
			t.Fatal("disabled level fired")
		}
	}
}

func TestSupport_InvalidLevel(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	if _, err := d.AddSupportLevel(instCE, 0, 0.5, 2, 5); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("price 0: expected ErrInvalidLevel, got %v", err)
	}
	if _, err := d.AddSupportLevel(instCE, 100, -1, 2, 5); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("negative tolerance: expected ErrInvalidLevel, got %v", err)
	}
	if _, err := d.AddSupportLevel(instCE, 100, 0.5, 2, 101); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("window beyond history: expected ErrInvalidLevel, got %v", err)
	}
	if _, err := d.AddSupportLevel(instCE, 100, 0.5, 2, 100); err != nil {
		t.Errorf("window equal to history should be accepted, got %v", err)
	}
	lvl, err := d.AddSupportLevel(instCE, 100, 0.5, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl.ConsolidationPeriods != 5 || lvl.MinTouches != 2 {
		t.Errorf("defaults not applied: %+v", lvl)
	}
}

func TestSupport_ZeroVolumeAndFlatCandles(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	d.AddSupportLevel(instCE, 100, 0.5, 2, 5)

	var ev *model.BreakdownEvent
	for i := 0; i < 5; i++ {
		// malformed record: only close set
		ev = d.Update(instCE, model.Candle{TS: base.Add(time.Duration(i) * time.Minute), Close: 90})
	}
	if ev == nil {
		t.Fatal("expected breakdown")
	}
	if ev.VolumeIncreasePct != 0 || ev.CandleBodyRatio != 0 {
		t.Errorf("degenerate values should be 0: %+v", ev)
	}
}

func TestSupport_HistoryCapped(t *testing.T) {
	d := NewSupportDetector(DefaultSupportConfig(), zerolog.Nop())
	for i := 0; i < 1000; i++ {
		d.Update(instCE, closeAt(i, 100, 1))
	}
	if n := len(d.History(instCE, 0)); n != 100 {
		t.Fatalf("history length = %d, want 100", n)
	}
}

func TestRequiredBelow(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{{5, 3}, {4, 3}, {10, 6}, {1, 1}, {3, 2}}
	for _, tc := range cases {
		if got := requiredBelow(tc.n, 0.6); got != tc.want {
			t.Errorf("requiredBelow(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}
