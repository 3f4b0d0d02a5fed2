package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"sentinel-siem/internal/schema"
)

// WebhookPublisher posts each alert as JSON to an HTTP endpoint.
type WebhookPublisher struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookPublisher creates a webhook publisher.
func NewWebhookPublisher(name, url string, headers map[string]string) *WebhookPublisher {
	return &WebhookPublisher{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookPublisher) Name() string {
	return w.name
}

func (w *WebhookPublisher) Publish(ctx context.Context, alert *schema.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// LogPublisher writes alerts to a logger, for development setups without
// subscribers.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Name() string {
	return "log"
}

func (l *LogPublisher) Publish(_ context.Context, alert *schema.Alert) error {
	l.logger.Info("alert",
		"alert_type", alert.Type,
		"severity", alert.Severity,
		"category", alert.Category,
		"source_ip", alert.SourceIP,
		"risk_score", alert.RiskScore,
		"description", alert.Description,
	)
	return nil
}
