package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"sentinel-siem/internal/schema"
)

// messageWriter is the subset of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertProducer publishes alerts to a topic, keyed by incident key or
// source IP so updates for one attacker stay on one partition.
type AlertProducer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger

	produced atomic.Int64
	failed   atomic.Int64
	closed   atomic.Bool
}

// NewAlertProducer creates a producer for config.Topic.
func NewAlertProducer(config *Config, logger *slog.Logger) (*AlertProducer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "kafka-producer", "topic", config.Topic)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger:      kafkaLogger(logger, slog.LevelDebug),
		ErrorLogger: kafkaLogger(logger, slog.LevelError),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"compression", config.CompressionType,
	)
	return newAlertProducer(writer, config, logger), nil
}

func newAlertProducer(w messageWriter, config *Config, logger *slog.Logger) *AlertProducer {
	return &AlertProducer{writer: w, config: config, logger: logger}
}

// Name identifies the producer as an alert publisher.
func (p *AlertProducer) Name() string {
	return "kafka"
}

// Publish writes alert to the topic.
func (p *AlertProducer) Publish(ctx context.Context, alert *schema.Alert) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal alert: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alertKey(alert)),
		Value: value,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(alert.Type)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	return p.produce(ctx, msg)
}

func alertKey(a *schema.Alert) string {
	if a.IncidentKey != "" {
		return a.IncidentKey
	}
	if a.SourceIP != "" {
		return a.SourceIP
	}
	return a.ID.String()
}

// produce sends msgs with exponential backoff between attempts.
func (p *AlertProducer) produce(ctx context.Context, msgs ...kafka.Message) error {
	var lastErr error
	backoff := p.config.RetryBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.produced.Add(int64(len(msgs)))
			return nil
		}

		lastErr = err
		p.failed.Add(1)
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.MaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// Produced returns the number of messages written.
func (p *AlertProducer) Produced() int64 {
	return p.produced.Load()
}

// Close flushes buffered messages and closes the writer.
func (p *AlertProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.produced.Load(),
		"failures", p.failed.Load(),
	)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
