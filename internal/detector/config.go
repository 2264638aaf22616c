// Package detector implements the per-instrument pattern detectors: support
// breakdowns, range breakout failures with swing-level tracking, and the
// momentum entry estimate on the paired option leg.
//
// Detectors are not safe for concurrent use. The monitor engine gives each
// partition its own detector set and feeds it from a single goroutine.
package detector

import (
	"errors"
	"time"
)

var (
	// ErrInvalidLevel is returned for a support level with a non-positive
	// price or a negative tolerance.
	ErrInvalidLevel = errors.New("detector: invalid support level")

	// ErrInsufficientCandles is returned when fewer than two confirming
	// candles are supplied to MarkBreakdownLevel.
	ErrInsufficientCandles = errors.New("detector: need at least 2 candles")
)

// SupportConfig tunes the support breakdown detector.
type SupportConfig struct {
	HistorySize     int     // candles retained per instrument
	ConfirmRatio    float64 // share of the window that must close below the bound
	EventHistoryCap int     // breakdowns remembered per instrument

	// Cooldown suppresses re-firing of the same level until this much candle
	// time has passed since its last breakdown. Zero re-fires on every
	// qualifying candle.
	Cooldown time.Duration

	// AutoDisable deactivates a level after its first breakdown.
	AutoDisable bool
}

// DefaultSupportConfig returns the stock support detector settings.
func DefaultSupportConfig() SupportConfig {
	return SupportConfig{
		HistorySize:     100,
		ConfirmRatio:    0.6,
		EventHistoryCap: 100,
	}
}

// BreakoutConfig tunes the range breakout-failure detector.
type BreakoutConfig struct {
	HistorySize      int
	RangeLookback    int     // candles examined for a consolidation range
	MinRangeCandles  int     // minimum candles for a valid range
	MaxRangeWidthPct float64 // exclusive upper limit on range width
	TouchBandPct     float64 // distance from a bound that counts as a touch
	SwingLookback    int
	SwingEvery       int // recompute swings every N processed candles
	EventHistoryCap  int
}

// DefaultBreakoutConfig returns the stock breakout detector settings.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		HistorySize:      200,
		RangeLookback:    50,
		MinRangeCandles:  20,
		MaxRangeWidthPct: 2.0,
		TouchBandPct:     1.0,
		SwingLookback:    30,
		SwingEvery:       10,
		EventHistoryCap:  100,
	}
}

// MomentumConfig tunes the momentum entry calculator.
type MomentumConfig struct {
	Lookback time.Duration
	MinGreen int
}

// DefaultMomentumConfig returns the stock momentum settings.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{Lookback: 5 * time.Minute, MinGreen: 2}
}

func (c *SupportConfig) normalize() {
	d := DefaultSupportConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ConfirmRatio <= 0 || c.ConfirmRatio > 1 {
		c.ConfirmRatio = d.ConfirmRatio
	}
	if c.EventHistoryCap <= 0 {
		c.EventHistoryCap = d.EventHistoryCap
	}
}

func (c *BreakoutConfig) normalize() {
	d := DefaultBreakoutConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.RangeLookback <= 0 {
		c.RangeLookback = d.RangeLookback
	}
	if c.MinRangeCandles <= 0 {
		c.MinRangeCandles = d.MinRangeCandles
	}
	if c.MaxRangeWidthPct <= 0 {
		c.MaxRangeWidthPct = d.MaxRangeWidthPct
	}
	if c.TouchBandPct < 0 {
		c.TouchBandPct = d.TouchBandPct
	}
	if c.SwingLookback <= 0 {
		c.SwingLookback = d.SwingLookback
	}
	if c.SwingEvery <= 0 {
		c.SwingEvery = d.SwingEvery
	}
	if c.EventHistoryCap <= 0 {
		c.EventHistoryCap = d.EventHistoryCap
	}
}

func (c *MomentumConfig) normalize() {
	d := DefaultMomentumConfig()
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.MinGreen < 2 {
		c.MinGreen = d.MinGreen
	}
}
