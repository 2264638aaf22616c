// Package eventbus fans emitted events out to egress subscribers.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
)

type subscriber struct {
	name string
	ch   chan model.Event
}

// Bus broadcasts events from Publish to N named subscriber channels.
// If a subscriber channel is full, the event is dropped for that subscriber
// so a slow consumer never stalls detection.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	input   chan model.Event
	bufSize int
	log     zerolog.Logger

	// OnDrop is called when an event is dropped. name is the subscriber, or
	// "input" when the bus itself is full.
	OnDrop func(name string)
}

// New creates a Bus with the given input and per-subscriber buffer sizes.
func New(inputSize, outputBufferSize int, log zerolog.Logger) *Bus {
	return &Bus{
		input:   make(chan model.Event, inputSize),
		bufSize: outputBufferSize,
		log:     log.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe creates and returns a new output channel. Subscribe before Run.
func (b *Bus) Subscribe(name string) <-chan model.Event {
	ch := make(chan model.Event, b.bufSize)
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{name: name, ch: ch})
	b.mu.Unlock()
	return ch
}

// Publish queues an event without blocking.
func (b *Bus) Publish(ev model.Event) {
	select {
	case b.input <- ev:
	default:
		b.drop("input", ev)
	}
}

func (b *Bus) drop(name string, ev model.Event) {
	if b.OnDrop != nil {
		b.OnDrop(name)
		return
	}
	b.log.Warn().Str("subscriber", name).Str("kind", string(ev.Kind())).
		Str("instrument", ev.Source()).Msg("channel full, dropping event")
}

// Run fans queued events out to all subscribers until ctx is cancelled, then
// closes every subscriber channel.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		b.mu.RLock()
		for _, s := range b.subs {
			close(s.ch)
		}
		b.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.input:
			b.mu.RLock()
			for _, s := range b.subs {
				select {
				case s.ch <- ev:
				default:
					b.drop(s.name, ev)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns (length, capacity) for each subscriber channel.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.subs))
	for i, s := range b.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
