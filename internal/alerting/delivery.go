package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// DeliveryStatus represents the delivery state of one alert to one
// publisher.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of an alert through a publisher.
type DeliveryRecord struct {
	AlertID     uuid.UUID      `json:"alert_id"`
	Publisher   string         `json:"publisher"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
}

// DeliveryConfig configures retried delivery.
type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// DeadLetterSize caps the retained failed records.
	DeadLetterSize int
}

// DefaultDeliveryConfig returns delivery defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		DeadLetterSize: 1000,
	}
}

// RetryPublisher wraps a publisher with exponential backoff. Alerts that
// exhaust their attempts are kept in a bounded dead-letter list.
type RetryPublisher struct {
	next   Publisher
	config DeliveryConfig
	logger *slog.Logger

	mu         sync.Mutex
	sent       int
	deadLetter []DeliveryRecord
}

// NewRetryPublisher wraps next.
func NewRetryPublisher(next Publisher, cfg DeliveryConfig, logger *slog.Logger) *RetryPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &RetryPublisher{
		next:   next,
		config: cfg,
		logger: logger.With("component", "retry-publisher", "publisher", next.Name()),
	}
}

// Name returns the wrapped publisher's name.
func (p *RetryPublisher) Name() string {
	return p.next.Name()
}

// Publish delivers alert, retrying until the attempts run out or ctx ends.
func (p *RetryPublisher) Publish(ctx context.Context, alert *schema.Alert) error {
	record := DeliveryRecord{AlertID: alert.ID, Publisher: p.next.Name(), Status: DeliveryPending}
	backoff := p.config.InitialBackoff

	var err error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}

		if err = p.next.Publish(ctx, alert); err == nil {
			p.mu.Lock()
			p.sent++
			p.mu.Unlock()
			return nil
		}
		record.LastError = err.Error()

		if attempt == p.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			record.LastError = "context done: " + ctx.Err().Error()
			p.moveToDeadLetter(record)
			return err
		case <-time.After(backoff):
		}
		backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
	}

	p.moveToDeadLetter(record)
	return err
}

func (p *RetryPublisher) moveToDeadLetter(record DeliveryRecord) {
	record.Status = DeliveryDeadLetter

	p.mu.Lock()
	p.deadLetter = append(p.deadLetter, record)
	if over := len(p.deadLetter) - p.config.DeadLetterSize; p.config.DeadLetterSize > 0 && over > 0 {
		p.deadLetter = p.deadLetter[over:]
	}
	p.mu.Unlock()

	p.logger.Error("alert moved to dead letter list",
		"alert_id", record.AlertID,
		"attempts", record.Attempts,
		"reason", record.LastError,
	)
}

// DeadLetters returns the failed delivery records, oldest first.
func (p *RetryPublisher) DeadLetters() []DeliveryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeliveryRecord(nil), p.deadLetter...)
}

// Stats returns delivery statistics.
func (p *RetryPublisher) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"publisher":         p.next.Name(),
		"sent":              p.sent,
		"dead_letter_count": len(p.deadLetter),
	}
}
