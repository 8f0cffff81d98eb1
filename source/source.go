// Package source fetches open bounties from the bounty board API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"bounty-digest/pkg/notifier"
)

// StatusError is returned when the board API answers with a non-200 status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsClientError reports whether err is a 4xx response, which retrying won't fix.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// Client reads bounties from the board API.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry budget. Tests use it to avoid real backoff.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts == 0 {
			attempts = 1
		}
		if delay <= 0 {
			delay = time.Millisecond
		}
		c.attempts = attempts
		c.delay = delay
	}
}

// New creates a bounty API client for baseURL.
func New(client *http.Client, baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		attempts: 4,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenBounties returns every bounty whose status is open.
// A failed fetch is always an error; an empty slice means the board really has none.
func (c *Client) OpenBounties(ctx context.Context) ([]*notifier.Bounty, error) {
	url := c.baseURL + "/bounties"
	var all []*notifier.Bounty
	// lastErr keeps the final attempt's error unwrapped so callers can inspect it.
	var lastErr error

	err := retry.Do(
		func() error {
			lastErr = nil
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", "bounty-digest/1.0")

			start := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				c.logger.Warn("Bounty API request failed", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
				lastErr = err
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Bounty API request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				// Drain so the connection can be reused.
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				lastErr = &StatusError{URL: url, Code: resp.StatusCode}
				return lastErr
			}

			var page []*notifier.Bounty
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				lastErr = fmt.Errorf("decode bounties: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			all = page
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying bounty fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
	}

	open := make([]*notifier.Bounty, 0, len(all))
	for _, b := range all {
		if b != nil && b.Status == notifier.StatusOpen {
			open = append(open, b)
		}
	}
	c.logger.Info("Fetched bounties", "total", len(all), "open", len(open))
	return open, nil
}
