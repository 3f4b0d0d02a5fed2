// Package pipeline runs every detector against one normalized event and
// turns their findings into alerts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"sentinel-siem/internal/alerting"
	"sentinel-siem/internal/features"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/ueba"
)

// Detector names used in logs and metrics.
const (
	DetectorCorrelation = "correlation"
	DetectorUEBA        = "ueba"
	DetectorAnomaly     = "anomaly"
)

// EventWriter persists normalized events.
type EventWriter interface {
	InsertEvent(ctx context.Context, e *schema.Event) error
}

// Correlator keeps the short sliding window per source IP.
type Correlator interface {
	Observe(e *schema.Event) *schema.Candidate
}

// BehaviorAnalyzer updates profiles and evaluates behavioral rules.
// Process may return a partial Result alongside an error.
type BehaviorAnalyzer interface {
	Process(ctx context.Context, e *schema.Event) (ueba.Result, error)
	ReleaseCooldown(ctx context.Context, ip string, stampedAt time.Time) error
}

// VectorExtractor computes the anomaly feature vector of an event.
type VectorExtractor interface {
	Extract(ctx context.Context, e *schema.Event) (features.Vector, error)
}

// AnomalyScorer scores vectors against the current model.
type AnomalyScorer interface {
	Score(x features.Vector) (bool, *float64)
	Version() string
}

// IncidentAggregator merges candidates into incidents.
type IncidentAggregator interface {
	Upsert(ctx context.Context, c *schema.Candidate) (schema.Incident, bool, error)
}

// AlertEmitter persists and publishes alerts.
type AlertEmitter interface {
	Emit(ctx context.Context, a *schema.Alert) error
}

// Config holds pipeline settings.
type Config struct {
	// DetectorTimeout bounds one detector path for one event.
	DetectorTimeout time.Duration
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{DetectorTimeout: 2 * time.Second}
}

// Pipeline wires the detectors together. Any detector may be nil, in which
// case its path is skipped.
type Pipeline struct {
	events     EventWriter
	correlator Correlator
	behavior   BehaviorAnalyzer
	extractor  VectorExtractor
	scorer     AnomalyScorer
	incidents  IncidentAggregator
	emitter    AlertEmitter
	config     Config
	logger     *slog.Logger
}

// Option configures optional detectors.
type Option func(*Pipeline)

// WithCorrelation enables the sliding window rules.
func WithCorrelation(c Correlator) Option {
	return func(p *Pipeline) { p.correlator = c }
}

// WithUEBA enables behavioral profiling.
func WithUEBA(b BehaviorAnalyzer) Option {
	return func(p *Pipeline) { p.behavior = b }
}

// WithAnomaly enables model scoring.
func WithAnomaly(x VectorExtractor, s AnomalyScorer) Option {
	return func(p *Pipeline) {
		p.extractor = x
		p.scorer = s
	}
}

// New creates a pipeline.
func New(events EventWriter, incidents IncidentAggregator, emitter AlertEmitter, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.DetectorTimeout <= 0 {
		cfg.DetectorTimeout = DefaultConfig().DetectorTimeout
	}
	p := &Pipeline{
		events:    events,
		incidents: incidents,
		emitter:   emitter,
		config:    cfg,
		logger:    logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// findings collects what each detector path produced. Each field is
// written by exactly one goroutine.
type findings struct {
	correlation *schema.Candidate
	behavior    ueba.Result
	anomaly     *schema.Alert
}

// Process stores e, runs the detectors concurrently and emits the
// resulting alerts. A failing detector is logged and contributes nothing.
// The returned error is non-nil only when the event could not be stored or
// an alert could not be persisted; alerts that were emitted are returned
// either way.
func (p *Pipeline) Process(ctx context.Context, e *schema.Event) ([]*schema.Alert, error) {
	if err := p.events.InsertEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("store event %s: %w", e.EventID, err)
	}
	metrics.EventsIngested.WithLabelValues(string(e.Type)).Inc()

	var f findings
	var g errgroup.Group
	if p.correlator != nil && e.HasIP() {
		g.Go(func() error {
			p.run(ctx, DetectorCorrelation, e, func(context.Context) error {
				f.correlation = p.correlator.Observe(e)
				return nil
			})
			return nil
		})
	}
	if p.behavior != nil && e.HasIP() {
		g.Go(func() error {
			p.run(ctx, DetectorUEBA, e, func(ctx context.Context) error {
				res, err := p.behavior.Process(ctx, e)
				f.behavior = res
				return err
			})
			return nil
		})
	}
	if p.scorer != nil {
		g.Go(func() error {
			p.run(ctx, DetectorAnomaly, e, func(ctx context.Context) error {
				a, err := p.scoreAnomaly(ctx, e)
				if err != nil {
					return err
				}
				f.anomaly = a
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	var alerts []*schema.Alert
	if a := p.aggregate(ctx, f.correlation); a != nil {
		alerts = append(alerts, a)
	}
	if c := f.behavior.RareEntity; c != nil {
		metrics.Candidates.WithLabelValues(string(c.Detector), c.Category).Inc()
		alerts = append(alerts, alerting.FromRareEntity(c))
	}
	if a := p.aggregate(ctx, f.behavior.Candidate); a != nil {
		alerts = append(alerts, a)
	}
	if f.anomaly != nil {
		alerts = append(alerts, f.anomaly)
	}

	return p.emit(ctx, alerts)
}

// run executes one detector path under its own deadline. Errors and
// panics are logged and counted, never propagated.
func (p *Pipeline) run(ctx context.Context, name string, e *schema.Event, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DetectorTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.DetectorDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.DetectorFailures.WithLabelValues(name).Inc()
			p.logger.Error("detector panicked", "detector", name, "event_id", e.EventID, "panic", r)
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.DetectorFailures.WithLabelValues(name).Inc()
		p.logger.Warn("detector failed",
			"detector", name,
			"event_id", e.EventID,
			"source_ip", e.SourceIP,
			"error", err,
		)
	}
}

func (p *Pipeline) scoreAnomaly(ctx context.Context, e *schema.Event) (*schema.Alert, error) {
	x, err := p.extractor.Extract(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	anomalous, score := p.scorer.Score(x)
	if !anomalous || score == nil {
		return nil, nil
	}
	metrics.Candidates.WithLabelValues(string(schema.DetectorAnomaly), string(schema.AlertAnomaly)).Inc()
	return alerting.FromAnomaly(e, *score, p.scorer.Version()), nil
}

// aggregate merges c into its incident and returns the alert to emit, or
// nil when there is no candidate, the update is inside the cooldown or the
// store failed.
func (p *Pipeline) aggregate(ctx context.Context, c *schema.Candidate) *schema.Alert {
	if c == nil || p.incidents == nil {
		return nil
	}
	metrics.Candidates.WithLabelValues(string(c.Detector), c.Category).Inc()

	uctx, cancel := context.WithTimeout(ctx, p.config.DetectorTimeout)
	defer cancel()

	inc, emit, err := p.incidents.Upsert(uctx, c)
	if err != nil {
		metrics.DetectorFailures.WithLabelValues(string(c.Detector)).Inc()
		p.logger.Warn("incident aggregation failed", "key", c.Key(), "error", err)
		p.releaseCooldown(ctx, c)
		return nil
	}
	if !emit {
		metrics.AlertsSuppressed.WithLabelValues(c.Category).Inc()
		p.logger.Debug("incident update suppressed", "key", inc.Key, "risk", inc.RiskScore)
		p.releaseCooldown(ctx, c)
		return nil
	}
	return alerting.FromIncident(inc, c)
}

// releaseCooldown undoes the profile cooldown a behavioral candidate entered
// when it raised no alert: the incident write failed, or the incident key
// is shared with correlation and still inside its own cooldown.
func (p *Pipeline) releaseCooldown(ctx context.Context, c *schema.Candidate) {
	if c.Detector != schema.DetectorUEBA || p.behavior == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.DetectorTimeout)
	defer cancel()
	if err := p.behavior.ReleaseCooldown(ctx, c.SourceIP, c.ObservedAt); err != nil {
		p.logger.Warn("behavioral cooldown kept for unalerted candidate",
			"key", c.Key(),
			"source_ip", c.SourceIP,
			"error", err,
		)
	}
}

func (p *Pipeline) emit(ctx context.Context, alerts []*schema.Alert) ([]*schema.Alert, error) {
	var (
		emitted []*schema.Alert
		errs    []error
	)
	for _, a := range alerts {
		if err := p.emitter.Emit(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		emitted = append(emitted, a)
	}
	return emitted, errors.Join(errs...)
}
