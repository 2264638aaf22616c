package notification

import (
	"fmt"
	"strings"

	"optionwatch/internal/model"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatEvent renders an event as a plain-text alert. Backends apply their own
// markup escaping.
func FormatEvent(ev model.Event) Alert {
	env := model.Wrap(ev)
	a := Alert{
		Level:      AlertWarning,
		Kind:       ev.Kind(),
		Instrument: ev.Source(),
		Time:       ev.At(),
		Event:      &env,
	}
	switch e := ev.(type) {
	case *model.BreakdownEvent:
		a.Title = "BREAKDOWN DETECTED"
		a.Message = formatBreakdown(e)
	case *model.BreakoutFailureEvent:
		a.Title = fmt.Sprintf("BREAKOUT FAILURE DETECTED (%s)", e.Direction)
		a.Message = formatFailure(e)
		if failureSignal(e) != "WATCH" {
			a.Level = AlertCritical
		}
	case *model.MomentumEntry:
		a.Title = "MOMENTUM ENTRY DETECTED"
		a.Level = AlertCritical
		a.Message = formatEntry(e)
	default:
		a.Level = AlertInfo
		a.Title = string(ev.Kind())
		a.Message = string(env.Data)
	}
	return a
}

func formatBreakdown(e *model.BreakdownEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\n", e.Instrument)
	fmt.Fprintf(&b, "Support Level: ₹%.2f\n", e.SupportPrice)
	fmt.Fprintf(&b, "Breakdown Price: ₹%.2f\n", e.BreakdownPrice)
	fmt.Fprintf(&b, "Drop: %.2f%%\n\n", e.DropPct())
	fmt.Fprintf(&b, "Volume: %.0f\n", e.Volume)
	fmt.Fprintf(&b, "Volume Increase: %.1f%%\n", e.VolumeIncreasePct)
	fmt.Fprintf(&b, "Candle Body Ratio: %.2f\n", e.CandleBodyRatio)
	fmt.Fprintf(&b, "Time: %s", e.Time.Format(timeLayout))
	return b.String()
}

// failureSignal is SELL when an up failure also broke the swing low, BUY when a
// down failure broke the swing high, WATCH otherwise.
func failureSignal(e *model.BreakoutFailureEvent) string {
	switch {
	case e.Direction == model.DirectionUpFailure && e.SwingLowBroken:
		return "SELL"
	case e.Direction == model.DirectionDownFailure && e.SwingHighBroken:
		return "BUY"
	}
	return "WATCH"
}

func formatFailure(e *model.BreakoutFailureEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\n\n", e.Instrument)
	fmt.Fprintf(&b, "Range: ₹%.2f - ₹%.2f\n", e.RangeLower, e.RangeUpper)
	fmt.Fprintf(&b, "Breakout Price: ₹%.2f\n", e.BreakoutPrice)
	fmt.Fprintf(&b, "Breakdown Price: ₹%.2f\n", e.BreakdownPrice)
	fmt.Fprintf(&b, "Change: %.2f%%\n", e.MovePct())
	if e.SwingLowBroken {
		fmt.Fprintf(&b, "SWING LOW BROKEN: ₹%.2f\n", e.SwingLevel)
	} else if e.SwingHighBroken {
		fmt.Fprintf(&b, "SWING HIGH BROKEN: ₹%.2f\n", e.SwingLevel)
	}
	fmt.Fprintf(&b, "\nCandles to Fail: %d\n", e.CandlesForFailure)
	fmt.Fprintf(&b, "Volume Spike: %.1f%%\n", e.VolumeSpikePct)
	fmt.Fprintf(&b, "Time: %s\n", e.Time.Format(timeLayout))
	fmt.Fprintf(&b, "Signal: %s", failureSignal(e))
	return b.String()
}

func formatEntry(e *model.MomentumEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", e.SourceInstrument)
	fmt.Fprintf(&b, "Opposite Instrument: %s\n", e.PairedInstrument)
	fmt.Fprintf(&b, "Entry Point: ₹%.2f\n", e.EntryPrice)
	fmt.Fprintf(&b, "Momentum Candles: %d\n", e.CorroboratingCandleCount)
	fmt.Fprintf(&b, "Breakdown Level (Orig): ₹%.2f\n\n", e.BreakdownLevel)
	fmt.Fprintf(&b, "Signal: BUY %s\n", e.Asset)
	fmt.Fprintf(&b, "Time: %s", e.Time.Format(timeLayout))
	return b.String()
}
