package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the detection engine from concrete transports
// and storage (Telegram, Redis, SQLite/Postgres, broker APIs).

// AlertSink receives typed events for formatting and delivery.
type AlertSink interface {
	// Send delivers one event. Implementations own retries and formatting.
	Send(ctx context.Context, ev Event) error

	// Name identifies the sink in logs and metrics.
	Name() string
}

// EventStore persists emitted events and support-level registrations.
type EventStore interface {
	// SaveEvent appends one event to the journal.
	SaveEvent(ctx context.Context, ev Event) error

	// SaveSupportLevel records a support level registration for an instrument.
	SaveSupportLevel(ctx context.Context, instrument string, lvl SupportLevel) error

	// ListEvents returns up to limit envelopes for an instrument, newest first.
	// An empty instrument lists all instruments.
	ListEvents(ctx context.Context, instrument string, limit int) ([]Envelope, error)

	// Close releases underlying resources.
	Close() error
}

// CandleSink accepts candles from a source. The monitor engine implements it.
type CandleSink interface {
	// Enqueue hands one candle to the engine without waiting for processing.
	Enqueue(ctx context.Context, c Candle) error
}

// CandleSource produces candles for a set of instruments.
type CandleSource interface {
	// Run delivers candles into sink until ctx is cancelled.
	Run(ctx context.Context, sink CandleSink) error

	// Name identifies the source in logs.
	Name() string
}

// Clock abstracts wall time so cooldowns and pollers can be tested.
type Clock func() time.Time
