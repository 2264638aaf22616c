package detector

import "optionwatch/internal/model"

// avgVolumeExcludingLast averages the volume of every candle but the last.
func avgVolumeExcludingLast(candles []model.Candle) float64 {
	n := len(candles) - 1
	if n < 1 {
		return 0
	}
	var sum float64
	for _, c := range candles[:n] {
		sum += c.Volume
	}
	return sum / float64(n)
}

// pctIncrease returns (cur-base)/base*100, 0 when base is 0.
func pctIncrease(cur, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (cur - base) / base * 100
}

func meanLow(candles []model.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Low
	}
	return sum / float64(len(candles))
}

func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
