package detector

import (
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
)

// MomentumCalculator estimates an entry price on the opposite option leg after
// a breakdown or failure on one leg.
type MomentumCalculator struct {
	cfg             MomentumConfig
	log             zerolog.Logger
	breakdownLevels map[string]float64
	entries         map[string]model.MomentumEntry // keyed by paired instrument
}

// NewMomentumCalculator creates a momentum entry calculator.
func NewMomentumCalculator(cfg MomentumConfig, log zerolog.Logger) *MomentumCalculator {
	cfg.normalize()
	return &MomentumCalculator{
		cfg:             cfg,
		log:             log.With().Str("detector", "momentum").Logger(),
		breakdownLevels: make(map[string]float64),
		entries:         make(map[string]model.MomentumEntry),
	}
}

// Lookback returns the configured momentum window.
func (m *MomentumCalculator) Lookback() time.Duration { return m.cfg.Lookback }

// MarkBreakdownLevel records the mean low of the confirming candles as the
// instrument's breakdown level. It needs at least two candles.
func (m *MomentumCalculator) MarkBreakdownLevel(instrument string, confirming []model.Candle) (float64, error) {
	if len(confirming) < 2 {
		return 0, ErrInsufficientCandles
	}
	lvl := meanLow(confirming)
	m.breakdownLevels[instrument] = lvl
	return lvl, nil
}

// BreakdownLevel returns the last marked level for an instrument.
func (m *MomentumCalculator) BreakdownLevel(instrument string) (float64, bool) {
	lvl, ok := m.breakdownLevels[instrument]
	return lvl, ok
}

// Momentum is the green-candle corroboration found on the opposite leg.
type Momentum struct {
	EntryPrice float64
	Green      int
	Time       time.Time
}

// DetectMomentum selects candles at or after breakdownTime and at most
// lookback later, keeps the green ones and averages their lows. Fewer than
// the configured minimum green candles yields false.
func (m *MomentumCalculator) DetectMomentum(opposite []model.Candle, breakdownTime time.Time, lookback time.Duration) (Momentum, bool) {
	if lookback <= 0 {
		lookback = m.cfg.Lookback
	}
	var (
		green []model.Candle
		last  time.Time
		seen  bool
	)
	for _, c := range opposite {
		if c.TS.Before(breakdownTime) || c.TS.Sub(breakdownTime) > lookback {
			continue
		}
		last, seen = c.TS, true
		if c.Green() {
			green = append(green, c)
		}
	}
	if !seen || len(green) < m.cfg.MinGreen {
		return Momentum{}, false
	}
	return Momentum{EntryPrice: meanLow(green), Green: len(green), Time: last}, true
}

// CalculateEntryPoint marks the breakdown level from the confirming candles,
// looks for momentum on the opposite leg and returns the resulting entry. A
// failed mark leaves BreakdownLevel at 0 but does not stop the calculation.
func (m *MomentumCalculator) CalculateEntryPoint(instrument string, opposite []model.Candle, breakdownTime time.Time, confirming []model.Candle) (*model.MomentumEntry, bool) {
	level, err := m.MarkBreakdownLevel(instrument, confirming)
	if err != nil {
		m.log.Debug().Str("instrument", instrument).Int("confirming", len(confirming)).
			Msg("breakdown level not marked")
	}

	paired := model.OppositeInstrument(instrument)
	mom, ok := m.DetectMomentum(opposite, breakdownTime, m.cfg.Lookback)
	if !ok {
		m.log.Debug().Str("instrument", paired).Msg("no momentum on paired leg")
		return nil, false
	}

	key := model.ParseInstrument(instrument)
	entry := model.MomentumEntry{
		SourceInstrument:         instrument,
		PairedInstrument:         paired,
		Strike:                   key.Strike,
		Asset:                    key.Leg.Opposite(),
		EntryPrice:               mom.EntryPrice,
		BreakdownLevel:           level,
		CorroboratingCandleCount: mom.Green,
		Time:                     mom.Time,
	}
	m.entries[paired] = entry
	m.log.Info().Str("instrument", instrument).Str("paired", paired).
		Float64("entry", entry.EntryPrice).Int("green", entry.CorroboratingCandleCount).
		Msg("momentum entry")
	return &entry, true
}

// Entry returns the last entry computed for a paired instrument.
func (m *MomentumCalculator) Entry(paired string) (model.MomentumEntry, bool) {
	e, ok := m.entries[paired]
	return e, ok
}

// Drop forgets breakdown levels and entries involving the instrument.
func (m *MomentumCalculator) Drop(instrument string) {
	delete(m.breakdownLevels, instrument)
	delete(m.entries, model.OppositeInstrument(instrument))
}
