// Package watchlist loads the instruments to monitor at boot from a YAML file.
package watchlist

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"optionwatch/internal/marketdata"
	"optionwatch/internal/model"
	"optionwatch/internal/monitor"
	"optionwatch/internal/store/redis"
)

// Level is one support level entry.
type Level struct {
	Price                float64  `yaml:"price"`
	TolerancePct         *float64 `yaml:"tolerance_pct"`
	MinTouches           int      `yaml:"min_touches"`
	ConsolidationPeriods int      `yaml:"consolidation_periods"`
}

// Entry is one monitored instrument.
type Entry struct {
	Instrument    string  `yaml:"instrument"`
	Exchange      string  `yaml:"exchange"`
	Token         string  `yaml:"token"`
	PairToken     string  `yaml:"pair_token"`
	Breakout      bool    `yaml:"breakout"`
	TrackPair     bool    `yaml:"track_pair"`
	SupportLevels []Level `yaml:"support_levels"`
}

// Watchlist is the parsed seed file.
type Watchlist struct {
	Holidays    []string `yaml:"holidays"`
	Instruments []Entry  `yaml:"instruments"`
}

// Load reads and validates a watchlist file.
func Load(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("watchlist: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates watchlist YAML.
func Parse(data []byte) (*Watchlist, error) {
	var w Watchlist
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("watchlist: %w", err)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Watchlist) validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, e := range w.Instruments {
		if e.Instrument == "" {
			errs = append(errs, fmt.Errorf("watchlist: entry %d: instrument is required", i))
			continue
		}
		if seen[e.Instrument] {
			errs = append(errs, fmt.Errorf("watchlist: %s listed twice", e.Instrument))
		}
		seen[e.Instrument] = true
		for _, l := range e.SupportLevels {
			if l.Price <= 0 || (l.TolerancePct != nil && *l.TolerancePct < 0) {
				errs = append(errs, fmt.Errorf("watchlist: %s: invalid support level %v", e.Instrument, l.Price))
			}
		}
	}
	return errors.Join(errs...)
}

// StartRequests converts the entries to engine start requests.
func (w *Watchlist) StartRequests() []monitor.StartRequest {
	out := make([]monitor.StartRequest, 0, len(w.Instruments))
	for _, e := range w.Instruments {
		req := monitor.StartRequest{Instrument: e.Instrument, Breakout: e.Breakout, TrackPair: e.TrackPair}
		for _, l := range e.SupportLevels {
			req.SupportLevels = append(req.SupportLevels, monitor.LevelSpec{
				Price:                l.Price,
				TolerancePct:         l.TolerancePct,
				MinTouches:           l.MinTouches,
				ConsolidationPeriods: l.ConsolidationPeriods,
			})
		}
		out = append(out, req)
	}
	return out
}

func exchange(e Entry) string {
	if e.Exchange == "" {
		return "NFO"
	}
	return e.Exchange
}

// PollInstruments returns the broker instruments to poll: every entry with a
// token, plus its paired leg when tracked with a pair token.
func (w *Watchlist) PollInstruments() []marketdata.Instrument {
	var out []marketdata.Instrument
	seen := make(map[string]bool)
	add := func(name, exch, token string) {
		if token == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, marketdata.Instrument{Name: name, Exchange: exch, Token: token})
	}
	for _, e := range w.Instruments {
		add(e.Instrument, exchange(e), e.Token)
	}
	for _, e := range w.Instruments {
		if e.TrackPair {
			add(model.OppositeInstrument(e.Instrument), exchange(e), e.PairToken)
		}
	}
	return out
}

// CandleStreams maps Redis candle stream keys of timeframe tf to instrument
// names.
func (w *Watchlist) CandleStreams(tf int) map[string]string {
	out := make(map[string]string)
	for _, inst := range w.PollInstruments() {
		out[redis.CandleStreamKey(tf, inst.Exchange, inst.Token)] = inst.Name
	}
	return out
}
