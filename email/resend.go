package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	from     string
	endpoint string
}

// NewResendProvider creates a Resend provider. fromName may be empty.
func NewResendProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *ResendProvider {
	from := fromAddr
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(fromName), fromAddr)
	}
	return &ResendProvider{
		apiKey:   apiKey,
		from:     from,
		endpoint: resendEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type resendSendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

type resendSendResponse struct {
	ID string `json:"id"`
}

// Send sends an email via the Resend API.
func (r *ResendProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	jsonData, err := json.Marshal(resendSendRequest{
		From:    r.from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
		Text:    PlainText(htmlBody),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	startTime := time.Now()
	resp, err := r.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		r.logger.Warn("Resend API request failed",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("resend request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		r.logger.Warn("Resend API returned non-2xx status",
			"status_code", resp.StatusCode,
			"to", to,
			"duration_ms", duration.Milliseconds())
		return fmt.Errorf("resend HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out resendSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The message was accepted; a missing id is only a logging concern.
		r.logger.Debug("Could not decode Resend response", "error", err)
	}

	r.logger.Info("Resend API request completed",
		"to", to,
		"message_id", out.ID,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
