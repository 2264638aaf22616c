// Package marketdata polls a broker's historical candle API and feeds closed
// candles to the engine while the market is open.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"optionwatch/internal/markethours"
	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
	"optionwatch/pkg/smartconnect"
)

// Instrument maps a monitored instrument name to its broker token.
type Instrument struct {
	Name     string
	Exchange string
	Token    string
}

// Broker is the slice of the SmartAPI client the poller needs.
type Broker interface {
	GetCandleData(ctx context.Context, r smartconnect.CandleRequest) ([]smartconnect.Candle, error)
	LoggedIn() bool
}

// Config tunes the poller.
type Config struct {
	Interval    time.Duration // poll period, default 60s
	CandleSize  time.Duration // candle interval, default 1m
	Lookback    time.Duration // fetch window per poll, default 10m
	BrokerCode  string        // smartconnect interval code, default ONE_MINUTE
	LoginBudget time.Duration // max time spent re-logging in, default 2m
}

// Poller is a model.CandleSource backed by the broker's historical API.
type Poller struct {
	cfg         Config
	broker      Broker
	login       func(ctx context.Context) error
	calendar    *markethours.Calendar
	now         model.Clock
	log         zerolog.Logger
	metrics     *metrics.Metrics
	health      *metrics.HealthStatus
	instruments []Instrument

	mu   sync.Mutex
	last map[string]time.Time // newest enqueued candle per instrument
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c model.Clock) Option { return func(p *Poller) { p.now = c } }

// WithCalendar replaces the default session calendar.
func WithCalendar(c *markethours.Calendar) Option { return func(p *Poller) { p.calendar = c } }

// WithMetrics records poll metrics on m.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// WithHealth reports source liveness to h.
func WithHealth(h *metrics.HealthStatus) Option { return func(p *Poller) { p.health = h } }

// NewPoller creates a poller. login opens a broker session and is retried
// with exponential backoff whenever the session is missing or expired.
func NewPoller(cfg Config, broker Broker, login func(ctx context.Context) error, instruments []Instrument, log zerolog.Logger, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CandleSize <= 0 {
		cfg.CandleSize = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10 * time.Minute
	}
	if cfg.BrokerCode == "" {
		cfg.BrokerCode = smartconnect.OneMinute
	}
	if cfg.LoginBudget <= 0 {
		cfg.LoginBudget = 2 * time.Minute
	}
	p := &Poller{
		cfg:         cfg,
		broker:      broker,
		login:       login,
		calendar:    markethours.Default,
		now:         time.Now,
		log:         log.With().Str("component", "poller").Logger(),
		instruments: instruments,
		last:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Name() string { return "angel" }

// Run polls every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, sink model.CandleSink) error {
	p.log.Info().Int("instruments", len(p.instruments)).Dur("interval", p.cfg.Interval).Msg("poller started")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches every instrument once and enqueues its new closed candles.
// It does nothing while the market is closed.
func (p *Poller) PollOnce(ctx context.Context, sink model.CandleSink) error {
	now := p.now()
	open := p.calendar.IsOpen(now)
	p.metrics.Market(open)
	if p.health != nil {
		p.health.SetMarketOpen(open)
	}
	if !open {
		p.log.Debug().Str("status", p.calendar.StatusString(now)).Msg("market closed, skipping poll")
		return nil
	}

	start := time.Now()
	defer p.metrics.ObservePoll(start)

	if !p.broker.LoggedIn() {
		if err := p.relogin(ctx); err != nil {
			p.setConnected(false)
			return err
		}
	}

	var errs []error
	for _, inst := range p.instruments {
		if err := p.pollInstrument(ctx, sink, inst, now); err != nil {
			p.metrics.SourceError(p.Name())
			errs = append(errs, err)
		}
	}
	p.setConnected(len(errs) < len(p.instruments) || len(p.instruments) == 0)
	return errors.Join(errs...)
}

func (p *Poller) pollInstrument(ctx context.Context, sink model.CandleSink, inst Instrument, now time.Time) error {
	req := smartconnect.CandleRequest{
		Exchange:    inst.Exchange,
		SymbolToken: inst.Token,
		Interval:    p.cfg.BrokerCode,
		From:        now.Add(-p.cfg.Lookback),
		To:          now,
	}
	candles, err := p.broker.GetCandleData(ctx, req)
	if errors.Is(err, smartconnect.ErrSessionExpired) {
		if err := p.relogin(ctx); err != nil {
			return err
		}
		candles, err = p.broker.GetCandleData(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", inst.Name, err)
	}

	p.mu.Lock()
	last := p.last[inst.Name]
	p.mu.Unlock()

	sent := 0
	for _, bc := range candles {
		if !bc.TS.After(last) {
			continue
		}
		if bc.TS.Add(p.cfg.CandleSize).After(now) {
			// still forming
			continue
		}
		c := model.Candle{
			Instrument: inst.Name,
			TS:         bc.TS,
			Open:       bc.Open,
			High:       bc.High,
			Low:        bc.Low,
			Close:      bc.Close,
			Volume:     bc.Volume,
		}
		if err := sink.Enqueue(ctx, c); err != nil {
			return fmt.Errorf("%s: enqueue: %w", inst.Name, err)
		}
		last = bc.TS
		sent++
	}

	p.mu.Lock()
	p.last[inst.Name] = last
	p.mu.Unlock()
	if sent > 0 && p.health != nil {
		p.health.SetLastCandleTime(last)
	}
	p.log.Debug().Str("instrument", inst.Name).Int("fetched", len(candles)).Int("sent", sent).Msg("polled")
	return nil
}

func (p *Poller) relogin(ctx context.Context) error {
	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = p.cfg.LoginBudget
	op := func() error {
		if err := p.login(ctx); err != nil {
			p.log.Warn().Err(err).Msg("broker login failed")
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(strategy, ctx)); err != nil {
		return fmt.Errorf("broker login: %w", err)
	}
	p.log.Info().Msg("broker session established")
	return nil
}

func (p *Poller) setConnected(v bool) {
	if p.health != nil {
		p.health.SetSourceConnected(v)
	}
}

var _ model.CandleSource = (*Poller)(nil)
