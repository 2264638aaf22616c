package detector

import (
	"github.com/rs/zerolog"

	"optionwatch/internal/model"
	"optionwatch/internal/ringbuf"
)

type breakoutState struct {
	history       *ringbuf.Ring
	processed     uint64
	phase         model.Phase
	rng           *model.RangeLevel
	breakoutPrice float64
	swings        SwingTracker
	events        []model.BreakoutFailureEvent
}

// BreakoutStatus is a read-only view of one instrument's breakout state.
type BreakoutStatus struct {
	Phase         model.Phase       `json:"phase"`
	Range         *model.RangeLevel `json:"range,omitempty"`
	BreakoutPrice float64           `json:"breakout_price,omitempty"`
	SwingLow      *model.SwingPoint `json:"swing_low,omitempty"`
	SwingHigh     *model.SwingPoint `json:"swing_high,omitempty"`
	HistoryLen    int               `json:"history_len"`
}

// BreakoutDetector runs the consolidation → breakout → failure state machine
// for each instrument.
type BreakoutDetector struct {
	cfg    BreakoutConfig
	log    zerolog.Logger
	states map[string]*breakoutState

	// OnPhase, when set, observes every phase transition.
	OnPhase func(instrument string, from, to model.Phase)
}

// NewBreakoutDetector creates a breakout-failure detector.
func NewBreakoutDetector(cfg BreakoutConfig, log zerolog.Logger) *BreakoutDetector {
	cfg.normalize()
	return &BreakoutDetector{
		cfg:    cfg,
		log:    log.With().Str("detector", "breakout").Logger(),
		states: make(map[string]*breakoutState),
	}
}

func (d *BreakoutDetector) state(instrument string) *breakoutState {
	st, ok := d.states[instrument]
	if !ok {
		st = &breakoutState{
			history: ringbuf.New(d.cfg.HistorySize),
			phase:   model.PhaseConsolidation,
		}
		d.states[instrument] = st
	}
	return st
}

func (d *BreakoutDetector) transition(instrument string, st *breakoutState, to model.Phase) {
	from := st.phase
	if !model.CanTransition(from, to) {
		// unreachable through ProcessCandle
		d.log.Error().Str("instrument", instrument).Str("from", string(from)).Str("to", string(to)).
			Msg("illegal phase transition")
		return
	}
	st.phase = to
	if d.OnPhase != nil {
		d.OnPhase(instrument, from, to)
	}
}

// ProcessCandle drives the instrument's state machine with one candle and
// returns a failure event when a breakout falls back into its range.
func (d *BreakoutDetector) ProcessCandle(instrument string, c model.Candle) *model.BreakoutFailureEvent {
	st := d.state(instrument)

	prior := st.history.Window(d.cfg.RangeLookback)
	st.history.Push(c)
	st.processed++

	if st.processed%uint64(d.cfg.SwingEvery) == 0 && st.history.Len() >= d.cfg.SwingLookback {
		st.swings.Recompute(st.history.Window(d.cfg.SwingLookback))
	}

	switch st.phase {
	case model.PhaseConsolidation:
		if r := d.detectRange(prior); r != nil {
			st.rng = r
		}
		if st.rng != nil {
			d.detectBreakout(instrument, st, c)
		}
		return nil
	case model.PhaseBreakoutUp, model.PhaseBreakoutDown:
		return d.detectFailure(instrument, st, c)
	}
	return nil
}

// detectRange finds a consolidation band over the candles preceding the
// current one.
func (d *BreakoutDetector) detectRange(window []model.Candle) *model.RangeLevel {
	if len(window) < d.cfg.MinRangeCandles || len(window) == 0 {
		return nil
	}
	upper, lower := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > upper {
			upper = c.High
		}
		if c.Low < lower {
			lower = c.Low
		}
	}
	r := &model.RangeLevel{UpperBound: upper, LowerBound: lower, StartTime: window[0].TS}
	if upper <= lower || r.WidthPct() >= d.cfg.MaxRangeWidthPct {
		return nil
	}
	band := d.cfg.TouchBandPct / 100
	for _, c := range window {
		if c.High >= upper*(1-band) || c.Low <= lower*(1+band) {
			r.TouchCount++
		}
	}
	return r
}

func (d *BreakoutDetector) detectBreakout(instrument string, st *breakoutState, c model.Candle) {
	var to model.Phase
	switch {
	case c.High > st.rng.UpperBound:
		to = model.PhaseBreakoutUp
	case c.Low < st.rng.LowerBound:
		to = model.PhaseBreakoutDown
	default:
		return
	}
	end := c.TS
	st.rng.EndTime = &end
	st.breakoutPrice = c.Close
	d.transition(instrument, st, to)
	d.log.Info().Str("instrument", instrument).Str("phase", string(to)).
		Float64("upper", st.rng.UpperBound).Float64("lower", st.rng.LowerBound).
		Float64("close", c.Close).Msg("breakout")
}

func (d *BreakoutDetector) detectFailure(instrument string, st *breakoutState, c model.Candle) *model.BreakoutFailureEvent {
	up := st.phase == model.PhaseBreakoutUp
	if up && c.Close >= st.rng.UpperBound {
		return nil
	}
	if !up && c.Close <= st.rng.LowerBound {
		return nil
	}

	end := c.TS
	st.rng.EndTime = &end
	history := st.history.Window(0)
	ev := &model.BreakoutFailureEvent{
		Instrument:        instrument,
		RangeUpper:        st.rng.UpperBound,
		RangeLower:        st.rng.LowerBound,
		BreakoutPrice:     st.breakoutPrice,
		BreakdownPrice:    c.Close,
		CandlesForFailure: len(history),
		VolumeSpikePct:    pctIncrease(c.Volume, avgVolumeExcludingLast(history)),
		Time:              c.TS,
	}

	if up {
		ev.Direction = model.DirectionUpFailure
		d.transition(instrument, st, model.PhaseFailureUp)
		if broken, price := st.swings.BreachesLow(c.Close); broken {
			ev.SwingLowBroken = true
			ev.SwingLevel = price
			d.transition(instrument, st, model.PhaseSwingLowBroken)
		}
	} else {
		ev.Direction = model.DirectionDownFailure
		d.transition(instrument, st, model.PhaseFailureDown)
		if broken, price := st.swings.BreachesHigh(c.Close); broken {
			ev.SwingHighBroken = true
			ev.SwingLevel = price
			d.transition(instrument, st, model.PhaseSwingHighBroken)
		}
	}
	ev.Phase = st.phase

	st.events = appendCapped(st.events, *ev, d.cfg.EventHistoryCap)
	d.log.Info().Str("instrument", instrument).Str("direction", string(ev.Direction)).
		Str("phase", string(ev.Phase)).Float64("breakout", ev.BreakoutPrice).
		Float64("close", c.Close).Msg("breakout failure")

	st.rng = nil
	st.breakoutPrice = 0
	d.transition(instrument, st, model.PhaseConsolidation)
	return ev
}

// Status returns the instrument's current breakout state.
func (d *BreakoutDetector) Status(instrument string) (BreakoutStatus, bool) {
	st, ok := d.states[instrument]
	if !ok {
		return BreakoutStatus{}, false
	}
	s := BreakoutStatus{
		Phase:         st.phase,
		BreakoutPrice: st.breakoutPrice,
		HistoryLen:    st.history.Len(),
	}
	if st.rng != nil {
		r := *st.rng
		s.Range = &r
	}
	if lo, ok := st.swings.Low(); ok {
		s.SwingLow = &lo
	}
	if hi, ok := st.swings.High(); ok {
		s.SwingHigh = &hi
	}
	return s, true
}

// Phase returns the instrument's current phase; CONSOLIDATION when unknown.
func (d *BreakoutDetector) Phase(instrument string) model.Phase {
	if st, ok := d.states[instrument]; ok {
		return st.phase
	}
	return model.PhaseConsolidation
}

// Events returns the instrument's recorded failures, oldest first.
func (d *BreakoutDetector) Events(instrument string) []model.BreakoutFailureEvent {
	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	return append([]model.BreakoutFailureEvent(nil), st.events...)
}

// History returns the most recent n candles held for the instrument.
func (d *BreakoutDetector) History(instrument string, n int) []model.Candle {
	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	return st.history.Window(n)
}

// Has reports whether any state exists for the instrument.
func (d *BreakoutDetector) Has(instrument string) bool {
	_, ok := d.states[instrument]
	return ok
}

// Drop discards history, range, breakout price, swings and phase.
func (d *BreakoutDetector) Drop(instrument string) bool {
	_, ok := d.states[instrument]
	delete(d.states, instrument)
	return ok
}
