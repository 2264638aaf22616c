package model

import (
	"encoding/json"
	"time"
)

// EventKind tags the typed events the detectors emit.
type EventKind string

const (
	KindBreakdown       EventKind = "breakdown"
	KindBreakoutFailure EventKind = "breakout_failure"
	KindMomentumEntry   EventKind = "momentum_entry"
)

// Event is implemented by every value handed to the alert sink.
type Event interface {
	Kind() EventKind
	Source() string
	At() time.Time
}

// BreakdownEvent is a confirmed close below a support level.
type BreakdownEvent struct {
	Instrument        string    `json:"instrument"`
	SupportPrice      float64   `json:"support_price"`
	BreakdownPrice    float64   `json:"breakdown_price"`
	Time              time.Time `json:"time"`
	Volume            float64   `json:"volume"`
	VolumeIncreasePct float64   `json:"volume_increase_pct"`
	CandleBodyRatio   float64   `json:"candle_body_ratio"`
}

func (e *BreakdownEvent) Kind() EventKind { return KindBreakdown }
func (e *BreakdownEvent) Source() string  { return e.Instrument }
func (e *BreakdownEvent) At() time.Time   { return e.Time }

// DropPct is the percentage move from support to the breakdown close.
func (e *BreakdownEvent) DropPct() float64 {
	if e.SupportPrice == 0 {
		return 0
	}
	return (e.BreakdownPrice - e.SupportPrice) / e.SupportPrice * 100
}

// BreakoutFailureEvent is a breakout that fell back inside its range.
type BreakoutFailureEvent struct {
	Instrument        string    `json:"instrument"`
	RangeUpper        float64   `json:"range_upper"`
	RangeLower        float64   `json:"range_lower"`
	BreakoutPrice     float64   `json:"breakout_price"`
	BreakdownPrice    float64   `json:"breakdown_price"`
	Direction         Direction `json:"direction"`
	Phase             Phase     `json:"phase"`
	SwingLowBroken    bool      `json:"swing_low_broken"`
	SwingHighBroken   bool      `json:"swing_high_broken"`
	SwingLevel        float64   `json:"swing_level"`
	CandlesForFailure int       `json:"candles_for_failure"`
	VolumeSpikePct    float64   `json:"volume_spike_pct"`
	Time              time.Time `json:"time"`
}

func (e *BreakoutFailureEvent) Kind() EventKind { return KindBreakoutFailure }
func (e *BreakoutFailureEvent) Source() string  { return e.Instrument }
func (e *BreakoutFailureEvent) At() time.Time   { return e.Time }

// MovePct is the percentage move from the breakout close to the failure close.
func (e *BreakoutFailureEvent) MovePct() float64 {
	if e.BreakoutPrice == 0 {
		return 0
	}
	return (e.BreakdownPrice - e.BreakoutPrice) / e.BreakoutPrice * 100
}

// MomentumEntry is an entry estimate on the paired leg.
type MomentumEntry struct {
	SourceInstrument         string    `json:"source_instrument"`
	PairedInstrument         string    `json:"paired_instrument"`
	Strike                   float64   `json:"strike"`
	Asset                    Leg       `json:"asset"`
	EntryPrice               float64   `json:"entry_price"`
	BreakdownLevel           float64   `json:"breakdown_level"`
	CorroboratingCandleCount int       `json:"corroborating_candle_count"`
	Time                     time.Time `json:"time"`
}

func (e *MomentumEntry) Kind() EventKind { return KindMomentumEntry }
func (e *MomentumEntry) Source() string  { return e.SourceInstrument }
func (e *MomentumEntry) At() time.Time   { return e.Time }

// Envelope is the wire shape of an event on egress channels.
type Envelope struct {
	Kind       EventKind       `json:"kind"`
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Data       json.RawMessage `json:"data"`
}

// Wrap builds the egress envelope for an event.
func Wrap(ev Event) Envelope {
	data, _ := json.Marshal(ev)
	return Envelope{Kind: ev.Kind(), Instrument: ev.Source(), Time: ev.At(), Data: data}
}

// JSON returns the JSON-encoded envelope.
func (e Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Decode turns an envelope back into its typed event.
func (e Envelope) Decode() (Event, error) {
	var ev Event
	switch e.Kind {
	case KindBreakdown:
		ev = &BreakdownEvent{}
	case KindBreakoutFailure:
		ev = &BreakoutFailureEvent{}
	case KindMomentumEntry:
		ev = &MomentumEntry{}
	default:
		return nil, &UnknownKindError{Kind: e.Kind}
	}
	if err := json.Unmarshal(e.Data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// UnknownKindError is returned when decoding an envelope of an unknown kind.
type UnknownKindError struct {
	Kind EventKind
}

func (e *UnknownKindError) Error() string { return "unknown event kind: " + string(e.Kind) }
