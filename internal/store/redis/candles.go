package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
)

// streamCandle is the timeframe candle record written by the market-data
// pipeline. Prices are in paise.
type streamCandle struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	TF       int       `json:"tf"`
	TS       time.Time `json:"ts"`
	Open     int64     `json:"open"`
	High     int64     `json:"high"`
	Low      int64     `json:"low"`
	Close    int64     `json:"close"`
	Volume   int64     `json:"volume"`
	Forming  bool      `json:"forming"`
}

// CandleStreamKey returns "candle:{tf}s:{exchange}:{token}".
func CandleStreamKey(tf int, exchange, token string) string {
	return fmt.Sprintf("candle:%ds:%s:%s", tf, exchange, token)
}

// decodeCandle converts a stream record to a candle for instrument. Forming
// candles are skipped.
func decodeCandle(data string, instrument string) (model.Candle, bool, error) {
	var sc streamCandle
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return model.Candle{}, false, err
	}
	if sc.Forming {
		return model.Candle{}, false, nil
	}
	return model.Candle{
		Instrument: instrument,
		TS:         sc.TS,
		Open:       float64(sc.Open) / 100,
		High:       float64(sc.High) / 100,
		Low:        float64(sc.Low) / 100,
		Close:      float64(sc.Close) / 100,
		Volume:     float64(sc.Volume),
	}, true, nil
}

// StreamSource reads closed timeframe candles from Redis streams. Streams
// maps a stream key to the instrument name its candles belong to.
type StreamSource struct {
	client  *goredis.Client
	streams map[string]string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewStreamSource creates a source over the given stream-to-instrument map.
func NewStreamSource(client *goredis.Client, streams map[string]string, log zerolog.Logger, m *metrics.Metrics) *StreamSource {
	return &StreamSource{
		client:  client,
		streams: streams,
		log:     log.With().Str("component", "redis-candles").Logger(),
		metrics: m,
	}
}

func (s *StreamSource) Name() string { return "redis" }

// Run blocks on XREAD from the newest entry of each stream and enqueues every
// closed candle until ctx is cancelled.
func (s *StreamSource) Run(ctx context.Context, sink model.CandleSink) error {
	if len(s.streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	last := make(map[string]string, len(keys))
	for _, k := range keys {
		last[k] = "$"
	}
	s.log.Info().Int("streams", len(keys)).Msg("consuming candle streams")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		args := make([]string, 0, len(keys)*2)
		args = append(args, keys...)
		for _, k := range keys {
			args = append(args, last[k])
		}

		results, err := s.client.XRead(ctx, &goredis.XReadArgs{
			Streams: args,
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			s.metrics.SourceError(s.Name())
			s.log.Error().Err(err).Msg("xread failed")
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, stream := range results {
			inst := s.streams[stream.Stream]
			for _, msg := range stream.Messages {
				last[stream.Stream] = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				c, ok, err := decodeCandle(data, inst)
				if err != nil {
					s.log.Warn().Err(err).Str("stream", stream.Stream).Msg("bad candle record")
					continue
				}
				if !ok {
					continue
				}
				if err := sink.Enqueue(ctx, c); err != nil {
					return fmt.Errorf("enqueue %s: %w", inst, err)
				}
			}
		}
	}
}

var _ model.CandleSource = (*StreamSource)(nil)
