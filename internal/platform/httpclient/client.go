// Package httpclient wraps net/http with rate limiting and exponential
// backoff retries for outbound calls (Telegram, webhooks, broker API).
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Client is a wrapper for HTTP client with rate limiting
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	maxElapsed time.Duration
	maxRetries uint64
	initial    time.Duration
}

// Options holds options for creating a new Client
type Options struct {
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	MaxRetries      uint64
	MaxRetryTimeout time.Duration
	InitialInterval time.Duration
}

// New creates a new HTTP client with rate limiting
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxRetryTimeout == 0 {
		opts.MaxRetryTimeout = 30 * time.Second
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = backoff.DefaultInitialInterval
	}

	return &Client{
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		Limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		maxElapsed: opts.MaxRetryTimeout,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
	}
}

// Do builds and sends a request with rate limiting and retries. build is
// called once per attempt so request bodies can be replayed. Network errors,
// 429 and 5xx responses are retried; other non-2xx responses fail at once.
// The caller closes the returned response body.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		if err := c.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		r, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			statusErr := &StatusError{StatusCode: r.StatusCode}
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		resp = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxElapsedTime = c.maxElapsed
	var strategy backoff.BackOff = bo
	if c.maxRetries > 0 {
		strategy = backoff.WithMaxRetries(strategy, c.maxRetries)
	}

	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return resp, nil
}

// StatusError represents an error due to a non-2xx HTTP status code
type StatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}
