package model

import "time"

// Candle is one interval's OHLCV for a single option leg.
// Prices are in rupees. A candle is never mutated after it is recorded;
// missing numeric fields in an inbound record simply stay 0.
type Candle struct {
	Instrument string    `json:"instrument"`
	TS         time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// Green reports a bullish candle (close above open).
func (c Candle) Green() bool { return c.Close > c.Open }

// Red reports a bearish candle (close below open).
func (c Candle) Red() bool { return c.Close < c.Open }

// Range returns high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// BodyRatio returns |close-open| / (high-low), or 0 for a zero-range candle.
func (c Candle) BodyRatio() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	ratio := body / r
	if ratio > 1 {
		// open/close outside high/low on a malformed record
		return 1
	}
	return ratio
}
