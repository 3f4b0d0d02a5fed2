// Package alerting persists alerts and fans them out to live subscribers.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// Publisher delivers an alert to subscribers. Delivery is best-effort.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, alert *schema.Alert) error
}

// EmitterConfig configures the emitter.
type EmitterConfig struct {
	// PublishTimeout bounds each publisher call.
	PublishTimeout time.Duration
	// QueueSize bounds the alerts waiting for each publisher. Alerts that
	// do not fit are dropped for that publisher only.
	QueueSize int
}

// DefaultEmitterConfig returns default emitter configuration.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{PublishTimeout: 5 * time.Second, QueueSize: 1024}
}

// route is one publisher and the alerts waiting for it.
type route struct {
	publisher Publisher
	queue     chan *schema.Alert
}

// Emitter writes alerts to the alert store and hands them to its
// publishers. Publishing happens in Serve, one goroutine per publisher, so
// a slow publisher never holds up Emit or the other publishers.
type Emitter struct {
	config EmitterConfig
	store  storage.AlertStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	routes []*route
}

// NewEmitter creates an emitter over store.
func NewEmitter(config EmitterConfig, store storage.AlertStore, logger *slog.Logger) *Emitter {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultEmitterConfig().QueueSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultEmitterConfig().PublishTimeout
	}
	return &Emitter{
		config: config,
		store:  store,
		logger: logger.With("component", "alert-emitter"),
		now:    time.Now,
	}
}

// AddPublisher registers a publisher. Publishers added after Serve has
// started are picked up on its next restart.
func (e *Emitter) AddPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes = append(e.routes, &route{
		publisher: p,
		queue:     make(chan *schema.Alert, e.config.QueueSize),
	})
	e.logger.Info("added alert publisher", "name", p.Name())
}

// Emit assigns the alert an ID and timestamp when missing, persists it and
// queues it for every publisher. A persistence failure is returned and
// nothing is queued. Emit never waits on a publisher.
func (e *Emitter) Emit(ctx context.Context, alert *schema.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = e.now().UTC()
	}

	if err := e.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist alert %s: %w", alert.ID, err)
	}
	metrics.AlertsEmitted.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	e.enqueue(alert)
	return nil
}

func (e *Emitter) enqueue(alert *schema.Alert) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.routes {
		select {
		case r.queue <- alert:
		default:
			metrics.PublishDropped.WithLabelValues(r.publisher.Name()).Inc()
			e.logger.Warn("publisher queue full, alert dropped",
				"publisher", r.publisher.Name(),
				"alert_id", alert.ID,
			)
		}
	}
}

// Serve delivers queued alerts until ctx is done. Alerts still queued at
// shutdown stay in the alert store but are not published.
func (e *Emitter) Serve(ctx context.Context) error {
	e.mu.RLock()
	routes := slices.Clone(e.routes)
	e.mu.RUnlock()

	var g errgroup.Group
	for _, r := range routes {
		g.Go(func() error {
			e.drain(ctx, r)
			return nil
		})
	}
	<-ctx.Done()
	_ = g.Wait()

	pending := 0
	for _, r := range routes {
		pending += len(r.queue)
	}
	e.logger.Info("alert emitter stopped", "unpublished", pending)
	return ctx.Err()
}

func (e *Emitter) String() string {
	return "alert-emitter"
}

func (e *Emitter) drain(ctx context.Context, r *route) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-r.queue:
			e.publish(ctx, r.publisher, alert)
		}
	}
}

func (e *Emitter) publish(ctx context.Context, p Publisher, alert *schema.Alert) {
	pctx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
	err := p.Publish(pctx, alert)
	cancel()
	if err != nil {
		metrics.PublishFailures.WithLabelValues(p.Name()).Inc()
		e.logger.Warn("alert publish failed",
			"publisher", p.Name(),
			"alert_id", alert.ID,
			"error", err,
		)
		return
	}
	e.logger.Debug("alert published", "publisher", p.Name(), "alert_id", alert.ID)
}

// List returns stored alerts matching f.
func (e *Emitter) List(ctx context.Context, f storage.AlertFilter) ([]schema.Alert, error) {
	return e.store.ListAlerts(ctx, f)
}
