package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/detector"
	"optionwatch/internal/model"
)

const (
	entryHistoryCap = 100

	// maxPending bounds the parked momentum calculations per source
	// instrument; the oldest is dropped first.
	maxPending = 32
)

type result struct {
	events []model.Event
	err    error
}

// job is either a candle or a control closure.
type job struct {
	instrument string
	candle     model.Candle
	source     string
	ctl        func(p *partition) error
	done       chan result // nil for fire-and-forget
}

type watch struct {
	explicit  bool // started by a control call, not only as a paired leg
	breakout  bool
	trackPair bool
	pairRefs  int // explicit watches that retain this instrument as their pair
	started   time.Time
	last      time.Time
	candles   uint64
}

type pendingMomentum struct {
	at         time.Time
	deadline   time.Time
	confirming []model.Candle
}

type partition struct {
	id   int
	name string
	eng  *Engine
	log  zerolog.Logger
	jobs chan job

	support  *detector.SupportDetector
	breakout *detector.BreakoutDetector
	momentum *detector.MomentumCalculator

	watches map[string]*watch
	pending map[string][]pendingMomentum // by source instrument
	entries map[string][]model.MomentumEntry

	// resolved is the newest paired-leg candle time already reported in an
	// entry, by source instrument.
	resolved map[string]time.Time
}

func newPartition(id int, e *Engine) *partition {
	log := e.log.With().Int("partition", id).Logger()
	p := &partition{
		id:       id,
		name:     strconv.Itoa(id),
		eng:      e,
		log:      log,
		jobs:     make(chan job, e.cfg.QueueSize),
		support:  detector.NewSupportDetector(e.cfg.Support, log),
		breakout: detector.NewBreakoutDetector(e.cfg.Breakout, log),
		momentum: detector.NewMomentumCalculator(e.cfg.Momentum, log),
		watches:  make(map[string]*watch),
		pending:  make(map[string][]pendingMomentum),
		entries:  make(map[string][]model.MomentumEntry),
		resolved: make(map[string]time.Time),
	}
	p.breakout.OnPhase = func(_ string, _, to model.Phase) {
		e.metrics.Phase(string(to))
	}
	return p
}

func (p *partition) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.handle(j)
			p.eng.metrics.Saturation(p.name, len(p.jobs), cap(p.jobs))
		}
	}
}

// handle runs one job. A panic is confined to the job that raised it.
func (p *partition) handle(j job) {
	var res result
	defer func() {
		if r := recover(); r != nil {
			p.eng.metrics.Panic()
			p.log.Error().Str("instrument", j.instrument).Interface("panic", r).
				Msg("recovered panic while processing job")
			res = result{err: fmt.Errorf("%w: %s: %v", ErrPanic, j.instrument, r)}
		}
		if j.done != nil {
			j.done <- res
		}
	}()
	if j.ctl != nil {
		res.err = j.ctl(p)
		return
	}
	res.events = p.processCandle(j.candle, j.source)
}

func (p *partition) processCandle(c model.Candle, source string) []model.Event {
	inst := c.Instrument
	w, ok := p.watches[inst]
	if !ok {
		p.eng.metrics.IgnoreCandle()
		return nil
	}
	started := time.Now()
	w.candles++
	if c.TS.After(w.last) {
		w.last = c.TS
	}
	p.eng.history.Append(inst, c)

	var out []model.Event
	if w.explicit {
		if ev := p.support.Update(inst, c); ev != nil {
			out = append(out, ev)
			out = append(out, p.momentumFor(inst, w, ev.Time, p.breakdownConfirming(inst, ev))...)
		}
		if w.breakout {
			if ev := p.breakout.ProcessCandle(inst, c); ev != nil {
				out = append(out, ev)
				out = append(out, p.momentumFor(inst, w, ev.Time, p.failureConfirming(inst, ev))...)
			}
		}
		out = append(out, p.recheckPending(inst)...)
	}
	p.eng.publish(out)
	p.eng.metrics.ObserveCandle(source, started)

	if w.pairRefs > 0 {
		p.notifyPaired(inst)
	}
	return out
}

// breakdownConfirming returns the red candles within the broken level's
// consolidation window.
func (p *partition) breakdownConfirming(inst string, ev *model.BreakdownEvent) []model.Candle {
	periods := model.DefaultConsolidationPeriods
	for _, l := range p.support.Levels(inst) {
		if l.Price == ev.SupportPrice {
			periods = l.ConsolidationPeriods
			break
		}
	}
	return filter(p.support.History(inst, periods), model.Candle.Red)
}

// failureConfirming returns the candles moving in the failure's direction
// among the most recent ones: red after an up failure, green after a down one.
func (p *partition) failureConfirming(inst string, ev *model.BreakoutFailureEvent) []model.Candle {
	window := p.breakout.History(inst, p.eng.cfg.FailureConfirmWindow)
	if ev.Direction == model.DirectionUpFailure {
		return filter(window, model.Candle.Red)
	}
	return filter(window, model.Candle.Green)
}

func filter(candles []model.Candle, keep func(model.Candle) bool) []model.Candle {
	var out []model.Candle
	for _, c := range candles {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// momentumFor computes the paired-leg entry for an event on inst. With pair
// tracking on, an event whose paired leg shows no momentum yet is parked
// until the paired leg's candles move past the lookback window.
func (p *partition) momentumFor(inst string, w *watch, at time.Time, confirming []model.Candle) []model.Event {
	if !model.ParseInstrument(inst).IsOption() {
		return nil
	}
	paired := model.OppositeInstrument(inst)
	if entry, ok := p.momentum.CalculateEntryPoint(inst, p.eng.history.Window(paired, 0), at, confirming); ok {
		if !p.fresh(inst, entry) {
			return nil
		}
		p.recordEntry(inst, *entry)
		return []model.Event{entry}
	}
	if !w.trackPair {
		return nil
	}
	list := p.pending[inst]
	if len(list) >= maxPending {
		dropped := len(list) - maxPending + 1
		list = append(list[:0:0], list[dropped:]...)
		p.eng.metrics.Pending(-float64(dropped))
		p.log.Debug().Str("instrument", inst).Int("dropped", dropped).Msg("pending momentum full, oldest dropped")
	}
	p.pending[inst] = append(list, pendingMomentum{
		at:         at,
		deadline:   at.Add(p.momentum.Lookback()),
		confirming: confirming,
	})
	p.eng.metrics.Pending(1)
	p.log.Debug().Str("instrument", inst).Str("paired", paired).Time("deadline", at.Add(p.momentum.Lookback())).
		Msg("momentum pending on paired leg")
	return nil
}

// recheckPending retries parked momentum calculations for a source instrument.
// A calculation expires once either leg's candles move past its deadline.
func (p *partition) recheckPending(source string) []model.Event {
	list := p.pending[source]
	if len(list) == 0 {
		return nil
	}
	paired := model.OppositeInstrument(source)
	opposite := p.eng.history.Window(paired, 0)
	var latest time.Time
	if n := len(opposite); n > 0 {
		latest = opposite[n-1].TS
	}
	if last, ok := p.eng.history.Last(source); ok && last.TS.After(latest) {
		latest = last.TS
	}

	var out []model.Event
	kept := list[:0]
	for _, pm := range list {
		if entry, ok := p.momentum.CalculateEntryPoint(source, opposite, pm.at, pm.confirming); ok {
			if p.fresh(source, entry) {
				p.recordEntry(source, *entry)
				out = append(out, entry)
			}
			p.eng.metrics.Pending(-1)
			continue
		}
		if latest.After(pm.deadline) {
			p.eng.metrics.Pending(-1)
			p.log.Debug().Str("instrument", source).Time("breakdown_time", pm.at).Msg("pending momentum expired")
			continue
		}
		kept = append(kept, pm)
	}
	if len(kept) == 0 {
		delete(p.pending, source)
	} else {
		p.pending[source] = kept
	}
	return out
}

// notifyPaired asks the partition owning inst's pair to recheck its pending
// momentum. Cross-partition sends never block; a full queue skips the recheck
// until the source's next candle.
func (p *partition) notifyPaired(inst string) {
	source := model.OppositeInstrument(inst)
	target := p.eng.partitionFor(source)
	if target == p {
		p.eng.publish(p.recheckPending(source))
		return
	}
	j := job{instrument: source, ctl: func(t *partition) error {
		t.eng.publish(t.recheckPending(source))
		return nil
	}}
	select {
	case target.jobs <- j:
	default:
		p.log.Debug().Str("instrument", source).Msg("paired recheck skipped, queue full")
	}
}

// fresh reports whether entry rests on paired-leg candles newer than the last
// entry reported for source. Repeated breakdowns resolving against the same
// paired window collapse into the first entry.
func (p *partition) fresh(source string, entry *model.MomentumEntry) bool {
	if prev, ok := p.resolved[source]; ok && !entry.Time.After(prev) {
		p.log.Debug().Str("instrument", source).Time("paired_through", prev).
			Msg("momentum entry already reported for this paired window")
		return false
	}
	p.resolved[source] = entry.Time
	return true
}

func (p *partition) recordEntry(source string, e model.MomentumEntry) {
	list := append(p.entries[source], e)
	if len(list) > entryHistoryCap {
		list = append(list[:0:0], list[len(list)-entryHistoryCap:]...)
	}
	p.entries[source] = list
}

func (p *partition) ensureWatch(inst string) *watch {
	w, ok := p.watches[inst]
	if !ok {
		w = &watch{started: time.Now()}
		p.watches[inst] = w
	}
	return w
}

func (p *partition) explicit(w *watch) {
	if !w.explicit {
		w.explicit = true
		p.eng.metrics.Monitored(1)
	}
}

func (p *partition) start(req StartRequest) (added []model.SupportLevel, newPair bool, err error) {
	inst := req.Instrument
	w := p.ensureWatch(inst)
	p.explicit(w)
	w.breakout = w.breakout || req.Breakout
	if req.TrackPair && !w.trackPair && model.ParseInstrument(inst).IsOption() {
		w.trackPair = true
		newPair = true
	}

	existing := p.support.Levels(inst)
	for _, spec := range req.SupportLevels {
		if hasActiveLevel(existing, spec.Price) {
			continue
		}
		lvl, err := p.support.AddSupportLevel(inst, spec.Price, spec.tolerance(), spec.MinTouches, spec.ConsolidationPeriods)
		if err != nil {
			return added, newPair, err
		}
		existing = append(existing, lvl)
		added = append(added, lvl)
	}
	p.log.Info().Str("instrument", inst).Bool("breakout", w.breakout).Bool("track_pair", w.trackPair).
		Int("levels_added", len(added)).Msg("monitoring started")
	return added, newPair, nil
}

func hasActiveLevel(levels []model.SupportLevel, price float64) bool {
	for _, l := range levels {
		if l.Active && math.Abs(l.Price-price) <= 1e-9 {
			return true
		}
	}
	return false
}

// stop drops every trace of inst held by this partition. It returns whether
// the instrument retained its paired leg.
func (p *partition) stop(inst string) (bool, error) {
	w, ok := p.watches[inst]
	if !ok || !w.explicit {
		return false, ErrNotFound
	}
	trackPair := w.trackPair

	p.support.Drop(inst)
	p.breakout.Drop(inst)
	p.momentum.Drop(inst)
	p.eng.metrics.Pending(-float64(len(p.pending[inst])))
	delete(p.pending, inst)
	delete(p.entries, inst)
	delete(p.resolved, inst)
	p.eng.history.Drop(inst)
	p.eng.metrics.Monitored(-1)

	if w.pairRefs > 0 {
		// still retained as another instrument's paired leg
		p.watches[inst] = &watch{pairRefs: w.pairRefs, started: time.Now()}
	} else {
		delete(p.watches, inst)
	}
	p.log.Info().Str("instrument", inst).Msg("monitoring stopped")
	return trackPair, nil
}

func (p *partition) retainPair(inst string) {
	w := p.ensureWatch(inst)
	w.pairRefs++
}

func (p *partition) releasePair(inst string) {
	w, ok := p.watches[inst]
	if !ok || w.pairRefs == 0 {
		return
	}
	w.pairRefs--
	if w.pairRefs == 0 && !w.explicit {
		delete(p.watches, inst)
		p.eng.history.Drop(inst)
	}
}

func (p *partition) status(inst string) Status {
	w := p.watches[inst]
	s := Status{
		Instrument:    inst,
		Breakout:      w.breakout,
		TrackPair:     w.trackPair,
		PairedOnly:    !w.explicit,
		StartedAt:     w.started,
		Candles:       w.candles,
		SupportLevels: p.support.Levels(inst),
		Phase:         p.breakout.Phase(inst),
		HistoryLen:    p.eng.history.Len(inst),
		Breakdowns:    len(p.support.Events(inst)),
		Failures:      len(p.breakout.Events(inst)),
		Entries:       len(p.entries[inst]),
		Pending:       len(p.pending[inst]),
	}
	if !w.last.IsZero() {
		last := w.last
		s.LastCandle = &last
	}
	if w.trackPair {
		s.PairedInstrument = model.OppositeInstrument(inst)
	}
	if bs, ok := p.breakout.Status(inst); ok {
		s.Range = bs.Range
		s.BreakoutPrice = bs.BreakoutPrice
		s.SwingLow = bs.SwingLow
		s.SwingHigh = bs.SwingHigh
	}
	return s
}
