// Package monitor provides the detection engine that owns all per-instrument
// detector state.
//
// Instruments are hashed onto a fixed set of partitions. Each partition owns
// its own detectors and processes candles and control operations strictly in
// arrival order on a single goroutine, so detector state needs no locking.
// Candle history is mirrored into a shared ringbuf.Store from which the
// momentum calculator reads the paired leg's candles as a snapshot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"optionwatch/internal/detector"
	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
	"optionwatch/internal/ringbuf"
)

var (
	// ErrNotFound is returned by control operations on an instrument that is
	// not monitored.
	ErrNotFound = errors.New("monitor: instrument not found")

	// ErrStopped is returned once the engine's Run has returned.
	ErrStopped = errors.New("monitor: engine stopped")

	// ErrPanic wraps a recovered panic while processing a job.
	ErrPanic = errors.New("monitor: recovered panic")
)

// Publisher receives every emitted event. Publish must not block.
type Publisher interface {
	Publish(ev model.Event)
}

// LevelRecorder persists support level registrations.
type LevelRecorder interface {
	SaveSupportLevel(ctx context.Context, instrument string, lvl model.SupportLevel) error
}

// Config sizes the engine and tunes its detectors.
type Config struct {
	Partitions           int
	QueueSize            int
	FailureConfirmWindow int
	Support              detector.SupportConfig
	Breakout             detector.BreakoutConfig
	Momentum             detector.MomentumConfig
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Partitions:           4,
		QueueSize:            1024,
		FailureConfirmWindow: 5,
		Support:              detector.DefaultSupportConfig(),
		Breakout:             detector.DefaultBreakoutConfig(),
		Momentum:             detector.DefaultMomentumConfig(),
	}
}

// Engine routes candles and control operations to partitions.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	pub     Publisher
	levels  LevelRecorder

	history *ringbuf.Store
	parts   []*partition

	runOnce sync.Once
	done    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithPublisher hands every emitted event to p.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

// WithLevelRecorder persists support levels added through the engine.
func WithLevelRecorder(r LevelRecorder) Option { return func(e *Engine) { e.levels = r } }

// New creates an engine. Call Run to start processing.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FailureConfirmWindow <= 0 {
		cfg.FailureConfirmWindow = 5
	}
	e := &Engine{
		cfg:  cfg,
		log:  log.With().Str("component", "monitor").Logger(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	capacity := cfg.Support.HistorySize
	if cfg.Breakout.HistorySize > capacity {
		capacity = cfg.Breakout.HistorySize
	}
	if capacity <= 0 {
		capacity = 200
	}
	e.history = ringbuf.NewStore(capacity)

	e.parts = make([]*partition, cfg.Partitions)
	for i := range e.parts {
		e.parts[i] = newPartition(i, e)
	}
	return e
}

// Run processes jobs on every partition until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range e.parts {
		wg.Add(1)
		go func(p *partition) {
			defer wg.Done()
			p.run(ctx)
		}(p)
	}
	e.log.Info().Int("partitions", len(e.parts)).Msg("engine started")
	<-ctx.Done()
	e.runOnce.Do(func() { close(e.done) })
	wg.Wait()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) partitionFor(instrument string) *partition {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return e.parts[h.Sum32()%uint32(len(e.parts))]
}

func (e *Engine) submit(ctx context.Context, p *partition, j job) error {
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) await(ctx context.Context, done <-chan result) (result, error) {
	select {
	case r := <-done:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-e.done:
		return result{}, ErrStopped
	}
}

// control runs fn on the instrument's partition and waits for it.
func (e *Engine) control(ctx context.Context, instrument string, fn func(p *partition) error) error {
	return e.controlOn(ctx, e.partitionFor(instrument), instrument, fn)
}

func (e *Engine) controlOn(ctx context.Context, p *partition, instrument string, fn func(p *partition) error) error {
	done := make(chan result, 1)
	if err := e.submit(ctx, p, job{instrument: instrument, ctl: fn, done: done}); err != nil {
		return err
	}
	_, err := e.await(ctx, done)
	return err
}

// Ingest processes one candle synchronously and returns the events it
// produced. Candles for instruments that are not monitored yield no events.
func (e *Engine) Ingest(ctx context.Context, c model.Candle) ([]model.Event, error) {
	done := make(chan result, 1)
	p := e.partitionFor(c.Instrument)
	if err := e.submit(ctx, p, job{instrument: c.Instrument, candle: c, source: "api", done: done}); err != nil {
		return nil, err
	}
	r, err := e.await(ctx, done)
	return r.events, err
}

// Enqueue queues one candle without waiting for it to be processed. It blocks
// only while the partition queue is full.
func (e *Engine) Enqueue(ctx context.Context, c model.Candle) error {
	return e.enqueue(ctx, c, "default")
}

func (e *Engine) enqueue(ctx context.Context, c model.Candle, source string) error {
	return e.submit(ctx, e.partitionFor(c.Instrument), job{instrument: c.Instrument, candle: c, source: source})
}

type namedSink struct {
	e    *Engine
	name string
}

func (s namedSink) Enqueue(ctx context.Context, c model.Candle) error {
	return s.e.enqueue(ctx, c, s.name)
}

// Sink returns a CandleSink that labels its candles with source in metrics.
func (e *Engine) Sink(source string) model.CandleSink {
	return namedSink{e: e, name: source}
}

// LevelSpec describes a support level to register. Nil or zero fields take
// the detector defaults.
type LevelSpec struct {
	Price                float64  `json:"price"`
	TolerancePct         *float64 `json:"tolerancePct,omitempty"`
	MinTouches           int      `json:"minTouches,omitempty"`
	ConsolidationPeriods int      `json:"consolidationPeriods,omitempty"`
}

func (s LevelSpec) tolerance() float64 {
	if s.TolerancePct == nil {
		return model.DefaultTolerancePct
	}
	return *s.TolerancePct
}

func (s LevelSpec) validate(history int) error {
	tol := s.tolerance()
	if s.Price <= 0 || tol < 0 || math.IsNaN(s.Price) || math.IsNaN(tol) {
		return fmt.Errorf("%w: price=%v tolerance=%v", detector.ErrInvalidLevel, s.Price, tol)
	}
	if s.ConsolidationPeriods > history {
		return fmt.Errorf("%w: consolidation periods %d exceed history of %d candles",
			detector.ErrInvalidLevel, s.ConsolidationPeriods, history)
	}
	return nil
}

// supportHistory is the candle history each support detector keeps.
func (e *Engine) supportHistory() int {
	if n := e.cfg.Support.HistorySize; n > 0 {
		return n
	}
	return detector.DefaultSupportConfig().HistorySize
}

// StartRequest starts or extends monitoring of one instrument.
type StartRequest struct {
	Instrument    string      `json:"instrument"`
	Breakout      bool        `json:"breakout"`
	TrackPair     bool        `json:"trackPair"`
	SupportLevels []LevelSpec `json:"supportLevels"`
}

// Start begins monitoring an instrument. Starting an instrument that is
// already monitored merges the request into its existing state: flags are
// OR-ed and levels already registered at the same price are skipped.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Status, error) {
	if req.Instrument == "" {
		return Status{}, fmt.Errorf("monitor: empty instrument")
	}
	for _, spec := range req.SupportLevels {
		if err := spec.validate(e.supportHistory()); err != nil {
			return Status{}, err
		}
	}

	var (
		st      Status
		added   []model.SupportLevel
		newPair bool
	)
	err := e.control(ctx, req.Instrument, func(p *partition) error {
		var err error
		added, newPair, err = p.start(req)
		if err != nil {
			return err
		}
		st = p.status(req.Instrument)
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	if newPair {
		paired := model.OppositeInstrument(req.Instrument)
		if err := e.control(ctx, paired, func(p *partition) error {
			p.retainPair(paired)
			return nil
		}); err != nil {
			return st, fmt.Errorf("monitor: track paired leg %s: %w", paired, err)
		}
	}
	e.recordLevels(ctx, req.Instrument, added)
	return st, nil
}

// Stop drops all state for an instrument: history, support levels, range,
// breakout price, phase, swings, pending momentum and event history. No
// further events are emitted for it. Returns ErrNotFound when the instrument
// is not monitored.
func (e *Engine) Stop(ctx context.Context, instrument string) error {
	var trackPair bool
	err := e.control(ctx, instrument, func(p *partition) error {
		var err error
		trackPair, err = p.stop(instrument)
		return err
	})
	if err != nil {
		return err
	}
	if trackPair {
		paired := model.OppositeInstrument(instrument)
		return e.control(ctx, paired, func(p *partition) error {
			p.releasePair(paired)
			return nil
		})
	}
	return nil
}

// AddSupportLevel registers a level, starting monitoring of the instrument if
// needed.
func (e *Engine) AddSupportLevel(ctx context.Context, instrument string, spec LevelSpec) (model.SupportLevel, error) {
	if err := spec.validate(e.supportHistory()); err != nil {
		return model.SupportLevel{}, err
	}
	var lvl model.SupportLevel
	err := e.control(ctx, instrument, func(p *partition) error {
		w := p.ensureWatch(instrument)
		p.explicit(w)
		var err error
		lvl, err = p.support.AddSupportLevel(instrument, spec.Price, spec.tolerance(), spec.MinTouches, spec.ConsolidationPeriods)
		return err
	})
	if err != nil {
		return model.SupportLevel{}, err
	}
	e.recordLevels(ctx, instrument, []model.SupportLevel{lvl})
	return lvl, nil
}

// DisableSupportLevel deactivates the first active level within 0.1 of price.
func (e *Engine) DisableSupportLevel(ctx context.Context, instrument string, price float64) error {
	return e.control(ctx, instrument, func(p *partition) error {
		if w, ok := p.watches[instrument]; !ok || !w.explicit {
			return ErrNotFound
		}
		if !p.support.DisableSupportLevel(instrument, price) {
			return fmt.Errorf("%w: no active level near %v", ErrNotFound, price)
		}
		return nil
	})
}

// Status returns the monitoring state of one instrument.
func (e *Engine) Status(ctx context.Context, instrument string) (Status, error) {
	var st Status
	err := e.control(ctx, instrument, func(p *partition) error {
		if _, ok := p.watches[instrument]; !ok {
			return ErrNotFound
		}
		st = p.status(instrument)
		return nil
	})
	return st, err
}

// List returns the status of every explicitly monitored instrument, sorted by
// name.
func (e *Engine) List(ctx context.Context) ([]Status, error) {
	var out []Status
	for _, part := range e.parts {
		var chunk []Status
		err := e.controlOn(ctx, part, "", func(p *partition) error {
			for inst, w := range p.watches {
				if w.explicit {
					chunk = append(chunk, p.status(inst))
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// Events returns the recorded events of one instrument.
func (e *Engine) Events(ctx context.Context, instrument string) (EventHistory, error) {
	var h EventHistory
	err := e.control(ctx, instrument, func(p *partition) error {
		if w, ok := p.watches[instrument]; !ok || !w.explicit {
			return ErrNotFound
		}
		h = EventHistory{
			Breakdowns: p.support.Events(instrument),
			Failures:   p.breakout.Events(instrument),
			Entries:    append([]model.MomentumEntry(nil), p.entries[instrument]...),
		}
		return nil
	})
	return h, err
}

func (e *Engine) recordLevels(ctx context.Context, instrument string, levels []model.SupportLevel) {
	if e.levels == nil {
		return
	}
	for _, lvl := range levels {
		if err := e.levels.SaveSupportLevel(ctx, instrument, lvl); err != nil {
			e.log.Warn().Err(err).Str("instrument", instrument).Float64("price", lvl.Price).
				Msg("support level not persisted")
		}
	}
}

func (e *Engine) publish(events []model.Event) {
	for _, ev := range events {
		e.metrics.Event(string(ev.Kind()))
		if e.pub != nil {
			e.pub.Publish(ev)
		}
	}
}
