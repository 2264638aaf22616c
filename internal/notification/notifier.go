// Package notification delivers detector events to external channels
// (Telegram, webhooks, the process log).
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level      AlertLevel      `json:"level"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Kind       model.EventKind `json:"kind"`
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Event      *model.Envelope `json:"event,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	n.log.Info().
		Str("level", string(alert.Level)).
		Str("kind", string(alert.Kind)).
		Str("instrument", alert.Instrument).
		Msgf("%s\n%s", alert.Title, alert.Message)
	return nil
}

// payload is the JSON body posted to webhooks.
func (a Alert) payload() ([]byte, error) {
	return json.Marshal(struct {
		Alert
		TS string `json:"ts"`
	}{a, time.Now().UTC().Format(time.RFC3339Nano)})
}
