// Package email renders bounty digests and sends them via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// Provider defines the interface for email sending implementations.
// Implementations make a single delivery attempt.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders digests and sends them through a provider, throttled to a
// fixed rate so a large subscriber list doesn't trip provider limits.
type Sender struct {
	provider  Provider
	logger    *slog.Logger
	limiter   *rate.Limiter
	boardName string // Branding in headers and links
	boardURL  string // Link target in the digest footer
}

// New creates a new email sender with the given provider.
// sendRate is the maximum number of sends per second; zero or less disables throttling.
func New(provider Provider, logger *slog.Logger, boardName, boardURL string, sendRate float64) *Sender {
	limit := rate.Inf
	if sendRate > 0 {
		limit = rate.Limit(sendRate)
	}
	return &Sender{
		provider:  provider,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		boardName: boardName,
		boardURL:  boardURL,
	}
}

// SendDigest delivers one rendered digest.
func (s *Sender) SendDigest(ctx context.Context, to, subject, htmlBody string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	s.logger.Info("Sending digest email",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	if err := s.provider.Send(ctx, to, subject, htmlBody); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}
