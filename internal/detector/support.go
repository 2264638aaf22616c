package detector

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
	"optionwatch/internal/ringbuf"
)

// levelMatchTolerance is the absolute price distance within which
// DisableSupportLevel matches a registered level.
const levelMatchTolerance = 0.1

type supportLevel struct {
	model.SupportLevel
	lastFired time.Time
	fired     bool
}

type supportState struct {
	history *ringbuf.Ring
	levels  []*supportLevel
	events  []model.BreakdownEvent
}

// SupportDetector detects confirmed closes below registered support levels.
type SupportDetector struct {
	cfg    SupportConfig
	log    zerolog.Logger
	states map[string]*supportState
}

// NewSupportDetector creates a support breakdown detector.
func NewSupportDetector(cfg SupportConfig, log zerolog.Logger) *SupportDetector {
	cfg.normalize()
	return &SupportDetector{
		cfg:    cfg,
		log:    log.With().Str("detector", "support").Logger(),
		states: make(map[string]*supportState),
	}
}

func (d *SupportDetector) state(instrument string) *supportState {
	st, ok := d.states[instrument]
	if !ok {
		st = &supportState{history: ringbuf.New(d.cfg.HistorySize)}
		d.states[instrument] = st
	}
	return st
}

// AddSupportLevel registers an active level. consolidationPeriods <= 0 falls
// back to 5 and minTouches <= 0 to 2; more periods than the history holds is
// rejected with ErrInvalidLevel. Levels on one instrument are
// independent, including levels at the same price.
func (d *SupportDetector) AddSupportLevel(instrument string, price, tolerancePct float64, minTouches, consolidationPeriods int) (model.SupportLevel, error) {
	if price <= 0 || tolerancePct < 0 || math.IsNaN(price) || math.IsNaN(tolerancePct) {
		return model.SupportLevel{}, fmt.Errorf("%w: price=%v tolerance=%v", ErrInvalidLevel, price, tolerancePct)
	}
	if consolidationPeriods <= 0 {
		consolidationPeriods = model.DefaultConsolidationPeriods
	}
	if consolidationPeriods > d.cfg.HistorySize {
		// the window could never fill, so the level would never confirm
		return model.SupportLevel{}, fmt.Errorf("%w: consolidation periods %d exceed history of %d candles",
			ErrInvalidLevel, consolidationPeriods, d.cfg.HistorySize)
	}
	if minTouches <= 0 {
		minTouches = model.DefaultMinTouches
	}
	lvl := model.SupportLevel{
		Price:                price,
		TolerancePct:         tolerancePct,
		MinTouches:           minTouches,
		ConsolidationPeriods: consolidationPeriods,
		Active:               true,
	}
	st := d.state(instrument)
	st.levels = append(st.levels, &supportLevel{SupportLevel: lvl})
	d.log.Info().Str("instrument", instrument).Float64("price", price).
		Float64("lower_bound", lvl.LowerBound()).Msg("support level added")
	return lvl, nil
}

// DisableSupportLevel deactivates the first active level within 0.1 of price.
func (d *SupportDetector) DisableSupportLevel(instrument string, price float64) bool {
	st, ok := d.states[instrument]
	if !ok {
		return false
	}
	for _, l := range st.levels {
		if l.Active && math.Abs(l.Price-price) <= levelMatchTolerance {
			l.Active = false
			return true
		}
	}
	return false
}

// Update appends the candle to history and returns the first confirmed
// breakdown across the instrument's active levels, in registration order.
func (d *SupportDetector) Update(instrument string, c model.Candle) *model.BreakdownEvent {
	st := d.state(instrument)
	st.history.Push(c)

	for _, l := range st.levels {
		if !l.Active {
			continue
		}
		if d.cfg.Cooldown > 0 && l.fired && c.TS.Sub(l.lastFired) < d.cfg.Cooldown {
			continue
		}
		ev := d.check(instrument, st, l, c)
		if ev == nil {
			continue
		}
		l.fired, l.lastFired = true, c.TS
		if d.cfg.AutoDisable {
			l.Active = false
		}
		st.events = appendCapped(st.events, *ev, d.cfg.EventHistoryCap)
		d.log.Info().Str("instrument", instrument).Float64("support", ev.SupportPrice).
			Float64("close", ev.BreakdownPrice).Float64("volume_increase_pct", ev.VolumeIncreasePct).
			Msg("support breakdown confirmed")
		return ev
	}
	return nil
}

func (d *SupportDetector) check(instrument string, st *supportState, l *supportLevel, c model.Candle) *model.BreakdownEvent {
	bound := l.LowerBound()
	if c.Close >= bound {
		return nil
	}
	n := l.ConsolidationPeriods
	if st.history.Len() < n {
		d.log.Debug().Str("instrument", instrument).Int("have", st.history.Len()).Int("need", n).
			Msg("breakdown candidate without enough history")
		return nil
	}
	window := st.history.Window(n)
	below := 0
	for _, w := range window {
		if w.Close < bound {
			below++
		}
	}
	if below < requiredBelow(n, d.cfg.ConfirmRatio) {
		return nil
	}
	return &model.BreakdownEvent{
		Instrument:        instrument,
		SupportPrice:      l.Price,
		BreakdownPrice:    c.Close,
		Time:              c.TS,
		Volume:            c.Volume,
		VolumeIncreasePct: pctIncrease(c.Volume, avgVolumeExcludingLast(window)),
		CandleBodyRatio:   c.BodyRatio(),
	}
}

// requiredBelow is the smallest count that is at least ratio of n.
func requiredBelow(n int, ratio float64) int {
	return int(math.Ceil(float64(n)*ratio - 1e-9))
}

// Levels returns copies of the instrument's levels in registration order.
func (d *SupportDetector) Levels(instrument string) []model.SupportLevel {
	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	out := make([]model.SupportLevel, len(st.levels))
	for i, l := range st.levels {
		out[i] = l.SupportLevel
	}
	return out
}

// Events returns the instrument's recorded breakdowns, oldest first.
func (d *SupportDetector) Events(instrument string) []model.BreakdownEvent {
	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	return append([]model.BreakdownEvent(nil), st.events...)
}

// History returns the most recent n candles held for the instrument.
func (d *SupportDetector) History(instrument string, n int) []model.Candle {
	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	return st.history.Window(n)
}

// Has reports whether any state exists for the instrument.
func (d *SupportDetector) Has(instrument string) bool {
	_, ok := d.states[instrument]
	return ok
}

// Drop discards all state for the instrument.
func (d *SupportDetector) Drop(instrument string) bool {
	_, ok := d.states[instrument]
	delete(d.states, instrument)
	return ok
}
