package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
)

// Dispatcher formats events and fans each alert out to every notifier. It is
// the process's model.AlertSink.
type Dispatcher struct {
	notifiers []Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given notifiers. m may be nil.
func NewDispatcher(log zerolog.Logger, m *metrics.Metrics, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		metrics:   m,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Send delivers ev through every notifier. One failing notifier does not stop
// the others; their errors are joined.
func (d *Dispatcher) Send(ctx context.Context, ev model.Event) error {
	alert := FormatEvent(ev)
	var errs []error
	for _, n := range d.notifiers {
		err := n.Send(ctx, alert)
		d.metrics.Alert(n.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run consumes events until ctx is cancelled or events is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := d.Send(ctx, ev); err != nil {
				d.log.Error().Err(err).Str("kind", string(ev.Kind())).Str("instrument", ev.Source()).
					Msg("alert delivery failed")
			}
		}
	}
}

var _ model.AlertSink = (*Dispatcher)(nil)
