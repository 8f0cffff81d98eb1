package email

import (
	"context"
	"log/slog"
)

// MockProvider logs emails instead of sending them. It is the dry-run mode
// used when no provider credentials are configured.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("DRY RUN: would send email",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody),
		"text_preview", preview(PlainText(htmlBody), 160))
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
