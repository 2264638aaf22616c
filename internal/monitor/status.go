package monitor

import (
	"time"

	"optionwatch/internal/model"
)

// Status is a read-only view of one instrument's monitoring state.
type Status struct {
	Instrument       string               `json:"instrument"`
	Breakout         bool                 `json:"breakout"`
	TrackPair        bool                 `json:"track_pair"`
	PairedInstrument string               `json:"paired_instrument,omitempty"`
	PairedOnly       bool                 `json:"paired_only,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	LastCandle       *time.Time           `json:"last_candle,omitempty"`
	Candles          uint64               `json:"candles"`
	SupportLevels    []model.SupportLevel `json:"support_levels"`
	Phase            model.Phase          `json:"phase"`
	Range            *model.RangeLevel    `json:"range,omitempty"`
	BreakoutPrice    float64              `json:"breakout_price,omitempty"`
	SwingLow         *model.SwingPoint    `json:"swing_low,omitempty"`
	SwingHigh        *model.SwingPoint    `json:"swing_high,omitempty"`
	HistoryLen       int                  `json:"history_len"`
	Breakdowns       int                  `json:"breakdowns"`
	Failures         int                  `json:"failures"`
	Entries          int                  `json:"entries"`
	Pending          int                  `json:"pending_momentum"`
}

// EventHistory holds the recent events of one instrument, oldest first.
type EventHistory struct {
	Breakdowns []model.BreakdownEvent       `json:"breakdowns"`
	Failures   []model.BreakoutFailureEvent `json:"failures"`
	Entries    []model.MomentumEntry        `json:"entries"`
}
