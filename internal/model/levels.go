package model

import "time"

// SupportLevel is a price below which a decisive close is bearish confirmation.
type SupportLevel struct {
	Price                float64 `json:"price"`
	TolerancePct         float64 `json:"tolerance_pct"`
	MinTouches           int     `json:"min_touches"`
	ConsolidationPeriods int     `json:"consolidation_periods"`
	Active               bool    `json:"active"`
}

// Default support level parameters.
const (
	DefaultTolerancePct         = 0.5
	DefaultMinTouches           = 2
	DefaultConsolidationPeriods = 5
)

// LowerBound is the close threshold: price × (1 − tolerance/100).
func (s *SupportLevel) LowerBound() float64 {
	return s.Price * (1 - s.TolerancePct/100)
}

// RangeLevel is a consolidation band. UpperBound is always above LowerBound.
type RangeLevel struct {
	UpperBound float64    `json:"upper_bound"`
	LowerBound float64    `json:"lower_bound"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	TouchCount int        `json:"touch_count"`
}

// WidthPct is the band width relative to its midpoint, 0 for a zero midpoint.
func (r *RangeLevel) WidthPct() float64 {
	mid := (r.UpperBound + r.LowerBound) / 2
	if mid <= 0 {
		return 0
	}
	return (r.UpperBound - r.LowerBound) / mid * 100
}

// SwingPoint is the extreme low or high over a recent lookback. Broken only
// ever goes from false to true.
type SwingPoint struct {
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
	Broken bool      `json:"broken"`
}

// Phase is the breakout state of one instrument.
type Phase string

const (
	PhaseConsolidation   Phase = "CONSOLIDATION"
	PhaseBreakoutUp      Phase = "BREAKOUT_UP"
	PhaseBreakoutDown    Phase = "BREAKOUT_DOWN"
	PhaseFailureUp       Phase = "FAILURE_UP"
	PhaseFailureDown     Phase = "FAILURE_DOWN"
	PhaseSwingLowBroken  Phase = "SWING_LOW_BROKEN"
	PhaseSwingHighBroken Phase = "SWING_HIGH_BROKEN"
)

// phaseEdges lists the only legal transitions. Everything not listed is a skip
// or a regression.
var phaseEdges = map[Phase][]Phase{
	PhaseConsolidation:   {PhaseBreakoutUp, PhaseBreakoutDown},
	PhaseBreakoutUp:      {PhaseFailureUp},
	PhaseBreakoutDown:    {PhaseFailureDown},
	PhaseFailureUp:       {PhaseSwingLowBroken, PhaseConsolidation},
	PhaseFailureDown:     {PhaseSwingHighBroken, PhaseConsolidation},
	PhaseSwingLowBroken:  {PhaseConsolidation},
	PhaseSwingHighBroken: {PhaseConsolidation},
}

// CanTransition reports whether from → to is a legal phase step.
func CanTransition(from, to Phase) bool {
	for _, p := range phaseEdges[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Direction of a breakout failure.
type Direction string

const (
	DirectionUpFailure   Direction = "up_failure"
	DirectionDownFailure Direction = "down_failure"
)
