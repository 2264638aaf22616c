package detector

import (
	"testing"

	"optionwatch/internal/model"
)

func TestSwing_TiesResolveToFirstOccurrence(t *testing.T) {
	var s SwingTracker
	s.Recompute([]model.Candle{
		makeCandle(0, 10, 12, 9, 11, 100),
		makeCandle(1, 11, 12, 9, 10, 100),
		makeCandle(2, 10, 11, 9.5, 10, 100),
	})
	low, _ := s.Low()
	high, _ := s.High()
	if !low.Time.Equal(base) || low.Price != 9 {
		t.Errorf("unexpected swing low %+v", low)
	}
	if !high.Time.Equal(base) || high.Price != 12 {
		t.Errorf("unexpected swing high %+v", high)
	}
}

func TestSwing_BrokenIsMonotone(t *testing.T) {
	var s SwingTracker
	window := []model.Candle{makeCandle(0, 10, 12, 9, 11, 100), makeCandle(1, 11, 11.5, 10, 11, 100)}
	s.Recompute(window)

	if broken, price := s.BreachesLow(9.5); broken || price != 9 {
		t.Fatalf("9.5 does not breach 9: %v %v", broken, price)
	}
	if broken, _ := s.BreachesLow(8.9); !broken {
		t.Fatal("8.9 should breach 9")
	}
	s.BreachesLow(9.5)
	if low, _ := s.Low(); !low.Broken {
		t.Error("broken flag must not reset")
	}

	// same point recomputed keeps the flag, a new point starts clean
	s.Recompute(window)
	if low, _ := s.Low(); !low.Broken {
		t.Error("recomputing the same point must keep the flag")
	}
	s.Recompute([]model.Candle{makeCandle(5, 10, 11, 8, 10, 100)})
	if low, _ := s.Low(); low.Broken || low.Price != 8 {
		t.Errorf("expected fresh swing low at 8, got %+v", low)
	}
}

func TestSwing_NoPointsNoBreach(t *testing.T) {
	var s SwingTracker
	if broken, _ := s.BreachesHigh(1e9); broken {
		t.Error("no swing high exists")
	}
}
