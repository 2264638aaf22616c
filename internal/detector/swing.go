package detector

import "optionwatch/internal/model"

// SwingTracker holds the latest swing low and swing high of one instrument.
type SwingTracker struct {
	low  *model.SwingPoint
	high *model.SwingPoint
}

// Recompute replaces both swing points from the given window: lowest low and
// highest high, first occurrence winning ties. A recomputed point equal in
// price and time to the current one keeps its broken flag.
func (s *SwingTracker) Recompute(window []model.Candle) {
	if len(window) == 0 {
		return
	}
	lo, hi := 0, 0
	for i, c := range window {
		if c.Low < window[lo].Low {
			lo = i
		}
		if c.High > window[hi].High {
			hi = i
		}
	}
	s.low = replaceSwing(s.low, window[lo].Low, window[lo])
	s.high = replaceSwing(s.high, window[hi].High, window[hi])
}

func replaceSwing(cur *model.SwingPoint, price float64, c model.Candle) *model.SwingPoint {
	if cur != nil && cur.Price == price && cur.Time.Equal(c.TS) {
		return cur
	}
	return &model.SwingPoint{Price: price, Time: c.TS}
}

// Low returns a copy of the swing low, if one has been computed.
func (s *SwingTracker) Low() (model.SwingPoint, bool) {
	if s.low == nil {
		return model.SwingPoint{}, false
	}
	return *s.low, true
}

// High returns a copy of the swing high, if one has been computed.
func (s *SwingTracker) High() (model.SwingPoint, bool) {
	if s.high == nil {
		return model.SwingPoint{}, false
	}
	return *s.high, true
}

// BreachesLow reports whether close is below the swing low and, if so, marks
// it broken. Returns the swing price checked.
func (s *SwingTracker) BreachesLow(close float64) (bool, float64) {
	if s.low == nil {
		return false, 0
	}
	if close < s.low.Price {
		s.low.Broken = true
		return true, s.low.Price
	}
	return false, s.low.Price
}

// BreachesHigh is the mirror of BreachesLow for down-breakout failures.
func (s *SwingTracker) BreachesHigh(close float64) (bool, float64) {
	if s.high == nil {
		return false, 0
	}
	if close > s.high.Price {
		s.high.Broken = true
		return true, s.high.Price
	}
	return false, s.high.Price
}
