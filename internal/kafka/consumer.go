package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. Returning nil commits the
// message; an error leaves it uncommitted so it is redelivered after a
// rebalance or restart.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// messageReader is the subset of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic in a consumer group and hands each message to a
// handler. It runs as a supervised service.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler

	consumed  atomic.Int64
	failed    atomic.Int64
	errorWait time.Duration
}

// NewConsumer creates a consumer for config.Topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNoHandler
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "kafka-consumer", "topic", config.Topic)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger:         kafkaLogger(logger, slog.LevelDebug),
		ErrorLogger:    kafkaLogger(logger, slog.LevelError),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"group", config.ConsumerGroup,
	)
	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:    r,
		config:    config,
		logger:    logger,
		handler:   handler,
		errorWait: time.Second,
	}
}

// Serve consumes until ctx is done, then closes the reader.
func (c *Consumer) Serve(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("failed to close kafka reader", "error", err)
		}
		c.logger.Info("kafka consumer stopped",
			"messages_consumed", c.consumed.Load(),
			"failures", c.failed.Load(),
		)
	}()

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failed.Add(1)
			c.logger.Error("failed to fetch message", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.errorWait):
				continue
			}
		}

		msg := Message{
			Topic:     km.Topic,
			Partition: km.Partition,
			Offset:    km.Offset,
			Key:       km.Key,
			Value:     km.Value,
			Time:      km.Time,
		}
		if err := c.handle(ctx, msg); err != nil {
			c.failed.Add(1)
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("failed to commit offset", "error", err, "offset", km.Offset)
		}
		c.consumed.Add(1)
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) error {
	if c.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandlerTimeout)
		defer cancel()
	}
	return c.handler(ctx, msg)
}

// Consumed returns the number of committed messages.
func (c *Consumer) Consumed() int64 {
	return c.consumed.Load()
}

// String names the consumer for supervisor logs.
func (c *Consumer) String() string {
	return fmt.Sprintf("kafka-consumer(%s)", c.config.Topic)
}
