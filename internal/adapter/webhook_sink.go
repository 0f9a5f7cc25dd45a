package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/models"
)

// WebhookPayload is the JSON body posted for every alert
type WebhookPayload struct {
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Title      string    `json:"title,omitempty"`
	Message    string    `json:"message"`
	RelatedRef string    `json:"related_ref"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookSink posts alerts to an HTTP endpoint. Any 2xx response is success.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url with a per-request timeout
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements AlertSink
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements AlertSink. Every failure is transient so the dispatcher retries it.
func (s *WebhookSink) Send(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(WebhookPayload{
		Type:       string(alert.Type),
		Priority:   string(alert.Priority),
		Title:      alert.Title,
		Message:    alert.Message,
		RelatedRef: alert.RelatedRef,
		Timestamp:  alert.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewSinkError(s.Name(), 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.NewSinkError(s.Name(), resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return nil
}
