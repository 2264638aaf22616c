package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"optionwatch/internal/platform/httpclient"
)

// WebhookNotifier posts alerts, with the event envelope attached, to an
// HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *httpclient.Client
	log    zerolog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string, client *httpclient.Client, log zerolog.Logger) *WebhookNotifier {
	if client == nil {
		client = httpclient.New(httpclient.Options{})
	}
	return &WebhookNotifier{
		url:    url,
		client: client,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := alert.payload()
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	resp, err := w.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	resp.Body.Close()

	w.log.Debug().Str("url", w.url).Str("title", alert.Title).Msg("sent alert")
	return nil
}
