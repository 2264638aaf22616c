// Package redis publishes detector events to Redis and reads candles from
// Redis streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
)

const (
	defaultStreamMaxLen = 1000
	defaultLatestTTL    = 24 * time.Hour
	defaultMaxBuffer    = 10000

	// PubSubChannel carries every event envelope.
	PubSubChannel = "pub:events"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// NewClient creates a client without contacting the server.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Dial creates a client and pings the server.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// StreamKey returns "events:{kind}:{instrument}".
func StreamKey(kind model.EventKind, instrument string) string {
	return "events:" + string(kind) + ":" + instrument
}

// LatestKey returns "events:latest:{instrument}".
func LatestKey(instrument string) string {
	return "events:latest:" + instrument
}

// PublisherOptions tunes retention and buffering.
type PublisherOptions struct {
	StreamMaxLen int64
	LatestTTL    time.Duration
	MaxBuffer    int // envelopes kept while the breaker is open
}

// Publisher writes each event to its stream, the latest-event key and the
// pubsub channel. Writes go through a circuit breaker; while it is open
// envelopes are buffered and replayed once it closes.
type Publisher struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	opts    PublisherOptions
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	buffer []model.Envelope
}

// NewPublisher wraps client with cb. m may be nil.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, opts PublisherOptions, log zerolog.Logger, m *metrics.Metrics) *Publisher {
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = defaultStreamMaxLen
	}
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = defaultLatestTTL
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = defaultMaxBuffer
	}
	p := &Publisher{
		client:  client,
		cb:      cb,
		opts:    opts,
		log:     log.With().Str("component", "redis-publisher").Logger(),
		metrics: m,
	}
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		p.metrics.BreakerState(int(to))
		if to == StateOpen {
			p.metrics.BreakerTrip()
		}
		p.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker transition")
	}
	return p
}

// Publish writes one event. Failed or rejected writes are buffered.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	env := model.Wrap(ev)
	err := p.cb.Execute(ctx, func(ctx context.Context) error { return p.write(ctx, env) })
	if err == nil {
		p.flush(ctx)
		return nil
	}
	p.bufferWrite(env)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

func (p *Publisher) write(ctx context.Context, env model.Envelope) error {
	data := string(env.JSON())
	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(env.Kind, env.Instrument),
		MaxLen: p.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Set(ctx, LatestKey(env.Instrument), data, p.opts.LatestTTL)
	pipe.Publish(ctx, PubSubChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline %s: %w", env.Instrument, err)
	}
	return nil
}

func (p *Publisher) bufferWrite(env model.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.opts.MaxBuffer {
		// drop oldest
		p.buffer = p.buffer[1:]
		p.metrics.BusDrop("redis-buffer")
	}
	p.buffer = append(p.buffer, env)
}

// Buffered returns the number of envelopes waiting for replay.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// flush replays buffered envelopes in order, stopping at the first failure.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for i, env := range pending {
		if err := p.cb.Execute(ctx, func(ctx context.Context) error { return p.write(ctx, env) }); err != nil {
			p.mu.Lock()
			p.buffer = append(append([]model.Envelope{}, pending[i:]...), p.buffer...)
			p.mu.Unlock()
			p.log.Warn().Err(err).Int("remaining", len(pending)-i).Msg("buffer replay interrupted")
			return
		}
	}
	p.log.Info().Int("count", len(pending)).Msg("flushed buffered events")
}

// Run publishes events from ch until ctx is cancelled or ch is closed.
func (p *Publisher) Run(ctx context.Context, ch <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.log.Error().Err(err).Str("kind", string(ev.Kind())).Str("instrument", ev.Source()).
					Msg("event publish failed, buffered")
			}
		}
	}
}
