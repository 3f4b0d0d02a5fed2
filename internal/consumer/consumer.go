// Package consumer runs the worker pool that drains the event queue into
// the detection pipeline.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
)

// Processor analyses one event.
type Processor interface {
	Process(ctx context.Context, e *schema.Event) ([]*schema.Alert, error)
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ShutdownWait bounds how long queued events are drained on shutdown.
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer pops events from the queue and hands them to the processor.
// Events are independent, so workers run without coordination.
type Consumer struct {
	queue     *queue.RingBuffer[*schema.Event]
	processor Processor
	config    Config
	logger    *slog.Logger

	consumed atomic.Uint64
	alerts   atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer[*schema.Event], p Processor, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:     q,
		processor: p,
		config:    cfg,
		logger:    logger.With("component", "consumer"),
	}
}

// Serve runs the workers until ctx is done, then drains what is left in
// the queue for up to ShutdownWait.
func (c *Consumer) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	c.logger.Info("queue consumer started", "workers", c.config.Workers)

	wg.Wait()
	c.drain()

	m := c.Metrics()
	c.logger.Info("queue consumer stopped", "consumed", m.Consumed, "errors", m.Errors)
	return ctx.Err()
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for ctx.Err() == nil {
		event, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			continue
		}
		metrics.QueueDepth.Set(float64(c.queue.Len()))
		c.process(ctx, id, event)
	}
}

// drain processes queued events after shutdown under a fresh deadline so
// accepted events are not silently lost.
func (c *Consumer) drain() {
	if c.queue.IsEmpty() || c.config.ShutdownWait <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownWait)
	defer cancel()

	n := 0
	for ctx.Err() == nil {
		event, err := c.queue.Pop()
		if err != nil {
			break
		}
		c.process(ctx, -1, event)
		n++
	}
	if left := c.queue.Len(); left > 0 {
		c.logger.Warn("queue drain timed out", "drained", n, "remaining", left)
	} else if n > 0 {
		c.logger.Info("queue drained", "drained", n)
	}
}

func (c *Consumer) process(ctx context.Context, worker int, event *schema.Event) {
	alerts, err := c.processor.Process(ctx, event)
	c.alerts.Add(uint64(len(alerts)))
	if err != nil {
		c.errors.Add(1)
		c.logger.Error("failed to process event",
			"worker_id", worker,
			"event_id", event.EventID,
			"error", err,
		)
		return
	}
	c.consumed.Add(1)
}

// String names the consumer for supervisor logs.
func (c *Consumer) String() string {
	return "queue-consumer"
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Alerts:   c.alerts.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Alerts   uint64 `json:"alerts"`
	Errors   uint64 `json:"errors"`
}
