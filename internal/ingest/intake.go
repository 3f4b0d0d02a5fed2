// Package ingest accepts raw auth-log lines over HTTP, TCP, DTLS and Kafka
// and queues the normalized events for detection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/ingest/authlog"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// Transport names used in metrics and logs.
const (
	TransportHTTP  = "http"
	TransportTCP   = "tcp"
	TransportDTLS  = "dtls"
	TransportKafka = "kafka"
)

// ErrInvalidEvent wraps validation failures of a parsed line.
var ErrInvalidEvent = errors.New("invalid event")

// Intake is the shared entry point of every transport: parse, validate,
// enqueue.
type Intake struct {
	validator  *schema.Validator
	queue      *queue.RingBuffer[*schema.Event]
	quarantine storage.Quarantiner
	logger     *slog.Logger
	now        func() time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewIntake creates an intake that pushes into q.
func NewIntake(v *schema.Validator, q *queue.RingBuffer[*schema.Event], logger *slog.Logger) *Intake {
	return &Intake{
		validator: v,
		queue:     q,
		logger:    logger.With("component", "intake"),
		now:       time.Now,
	}
}

// WithQuarantine keeps unparseable and invalid lines in q.
func (in *Intake) WithQuarantine(q storage.Quarantiner) *Intake {
	in.quarantine = q
	return in
}

// Normalize parses and validates one line without queueing it.
func (in *Intake) Normalize(line, transport string) (*schema.Event, error) {
	event, err := authlog.Parse(line, in.now())
	if err != nil {
		reason := rejectReason(err)
		in.reject(transport, reason)
		if !errors.Is(err, authlog.ErrEmptyLine) {
			in.quarantineLine(line, transport, reason)
		}
		return nil, err
	}

	if err := in.validator.Validate(event); err != nil {
		in.reject(transport, "invalid")
		in.quarantineLine(line, transport, "invalid: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return event, nil
}

func (in *Intake) quarantineLine(line, transport, reason string) {
	if in.quarantine == nil {
		return
	}
	err := in.quarantine.Quarantine(context.Background(), storage.QuarantineEntry{
		At:        in.now().UTC(),
		Line:      line,
		Transport: transport,
		Reason:    reason,
	})
	if err != nil {
		in.logger.Warn("failed to quarantine line", "transport", transport, "error", err)
	}
}

// Submit parses one line and queues the event. The returned event is nil
// when the line was rejected.
func (in *Intake) Submit(line, transport string) (*schema.Event, error) {
	event, err := in.Normalize(line, transport)
	if err != nil {
		return nil, err
	}

	if err := in.queue.Push(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.QueueDropped.Inc()
		}
		in.reject(transport, rejectReason(err))
		return nil, err
	}

	in.accepted.Add(1)
	return event, nil
}

// markAccepted counts a line that was handled without the queue.
func (in *Intake) markAccepted() {
	in.accepted.Add(1)
}

func (in *Intake) reject(transport, reason string) {
	in.rejected.Add(1)
	metrics.LinesRejected.WithLabelValues(transport, reason).Inc()
	in.logger.Debug("line rejected", "transport", transport, "reason", reason)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, authlog.ErrUnrecognized):
		return "unrecognized"
	case errors.Is(err, authlog.ErrEmptyLine):
		return "empty"
	case errors.Is(err, queue.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, queue.ErrQueueClosed):
		return "queue_closed"
	}
	return "other"
}

// Stats returns the accepted and rejected line counts.
func (in *Intake) Stats() (accepted, rejected uint64) {
	return in.accepted.Load(), in.rejected.Load()
}

// QueueMetrics exposes the backing queue counters.
func (in *Intake) QueueMetrics() queue.QueueMetrics {
	return in.queue.Metrics()
}
