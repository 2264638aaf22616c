package model

import (
	"regexp"
	"strconv"
	"strings"
)

// Leg is the option side of an instrument.
type Leg string

const (
	LegNone Leg = ""
	LegCall Leg = "CE"
	LegPut  Leg = "PE"
)

// Opposite returns the other leg at the same strike. LegNone maps to itself.
func (l Leg) Opposite() Leg {
	switch l {
	case LegCall:
		return LegPut
	case LegPut:
		return LegCall
	}
	return LegNone
}

// InstrumentKey is the structured form of an option instrument name.
//
// Two boundary formats are understood:
//
//	"NIFTY 25 Oct 28 26200 CE"   display form, space separated
//	"NIFTY28OCT2526200CE"        NFO trading symbol
//
// Strike is 0 when the name carries a leg but no parsable strike.
type InstrumentKey struct {
	Raw        string  `json:"raw"`
	Underlying string  `json:"underlying"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Leg        Leg     `json:"leg"`
}

// nfoSymbol matches monthly NFO option symbols: UNDERLYING DDMMMYY STRIKE CE|PE.
var nfoSymbol = regexp.MustCompile(`^([A-Z&-]+?)(\d{2}[A-Z]{3}\d{2})(\d+(?:\.\d+)?)(CE|PE)$`)

// ParseInstrument parses an instrument name. It never fails: names that are
// not option legs come back with Leg == LegNone.
func ParseInstrument(name string) InstrumentKey {
	name = strings.TrimSpace(name)
	key := InstrumentKey{Raw: name}

	fields := strings.Fields(name)
	if len(fields) >= 2 {
		leg := Leg(strings.ToUpper(fields[len(fields)-1]))
		if leg != LegCall && leg != LegPut {
			return key
		}
		key.Leg = leg
		key.Underlying = fields[0]
		if len(fields) >= 3 {
			if strike, err := strconv.ParseFloat(fields[len(fields)-2], 64); err == nil && strike > 0 {
				key.Strike = strike
			}
			if len(fields) > 3 {
				key.Expiry = strings.Join(fields[1:len(fields)-2], " ")
			}
		}
		return key
	}

	upper := strings.ToUpper(name)
	if m := nfoSymbol.FindStringSubmatch(upper); m != nil {
		key.Underlying = m[1]
		key.Expiry = m[2]
		key.Strike, _ = strconv.ParseFloat(m[3], 64)
		key.Leg = Leg(m[4])
	}
	return key
}

// IsOption reports whether the key names a CE or PE leg.
func (k InstrumentKey) IsOption() bool { return k.Leg != LegNone }

// OppositeInstrument swaps the trailing CE/PE of an instrument name and
// returns the input unchanged when it is not an option leg.
func OppositeInstrument(name string) string {
	key := ParseInstrument(name)
	if !key.IsOption() {
		return name
	}
	trimmed := strings.TrimSpace(name)
	return trimmed[:len(trimmed)-2] + string(key.Leg.Opposite())
}
