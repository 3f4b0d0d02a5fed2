package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	apierrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/features"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
)

// Training window bounds.
const (
	MinDays  = 1
	MaxDays  = 30
	MinLimit = 100
	MaxLimit = 10000
)

// Sampler returns recent events, newest first.
type Sampler interface {
	Sample(ctx context.Context, since time.Time, limit int) ([]schema.Event, error)
}

// VectorExtractor turns an event into a feature vector.
type VectorExtractor interface {
	Extract(ctx context.Context, e *schema.Event) (features.Vector, error)
}

// TrainerConfig holds retraining settings.
type TrainerConfig struct {
	Interval     time.Duration
	LookbackDays int
	SampleLimit  int
	Workers      int
}

// DefaultTrainerConfig retrains every six hours on up to 1000 events from
// the last week.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Interval:     6 * time.Hour,
		LookbackDays: 7,
		SampleLimit:  1000,
		Workers:      8,
	}
}

// TrainResult is the outcome of one training run.
type TrainResult struct {
	Status
	Samples int `json:"samples"`
}

// Trainer samples history, extracts vectors and retrains the scorer. It
// runs as a supervised service and can also be triggered on demand.
type Trainer struct {
	scorer    *Scorer
	sampler   Sampler
	extractor VectorExtractor
	config    TrainerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewTrainer creates a trainer for scorer.
func NewTrainer(scorer *Scorer, sampler Sampler, extractor VectorExtractor, cfg TrainerConfig, logger *slog.Logger) *Trainer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultTrainerConfig().Workers
	}
	return &Trainer{
		scorer:    scorer,
		sampler:   sampler,
		extractor: extractor,
		config:    cfg,
		logger:    logger.With("component", "anomaly-trainer"),
		now:       time.Now,
	}
}

// Scorer returns the scorer the trainer feeds.
func (t *Trainer) Scorer() *Scorer {
	return t.scorer
}

// ValidateWindow checks the on-demand training bounds.
func ValidateWindow(days, limit int) error {
	if days < MinDays || days > MaxDays {
		return apierrors.Invalid("days must be between %d and %d", MinDays, MaxDays)
	}
	if limit < MinLimit || limit > MaxLimit {
		return apierrors.Invalid("limit must be between %d and %d", MinLimit, MaxLimit)
	}
	return nil
}

// Train samples up to limit events from the last days days and retrains.
func (t *Trainer) Train(ctx context.Context, days, limit int) (TrainResult, error) {
	if err := ValidateWindow(days, limit); err != nil {
		return TrainResult{}, err
	}

	since := t.now().Add(-time.Duration(days) * 24 * time.Hour)
	events, err := t.sampler.Sample(ctx, since, limit)
	if err != nil {
		return TrainResult{}, fmt.Errorf("sample events: %w", err)
	}

	vectors, err := t.extract(ctx, events)
	if err != nil {
		return TrainResult{}, err
	}

	status, err := t.scorer.Train(ctx, vectors)
	if err != nil {
		return TrainResult{}, fmt.Errorf("train model: %w", err)
	}
	return TrainResult{Status: status, Samples: len(vectors)}, nil
}

// extract computes vectors for events on a bounded worker group. Events
// without a timestamp are skipped.
func (t *Trainer) extract(ctx context.Context, events []schema.Event) ([]features.Vector, error) {
	vectors := make([]features.Vector, len(events))
	keep := make([]bool, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.Workers)
	for i := range events {
		if events[i].Timestamp.IsZero() {
			continue
		}
		g.Go(func() error {
			v, err := t.extractor.Extract(gctx, &events[i])
			if err != nil {
				return fmt.Errorf("extract features for %s: %w", events[i].EventID, err)
			}
			vectors[i] = v
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := vectors[:0]
	for i, v := range vectors {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out, nil
}

// Serve trains once at start when no model is loaded, then on every
// interval. A failed run is logged and retried on the next tick.
func (t *Trainer) Serve(ctx context.Context) error {
	if !t.scorer.Status().Trained {
		t.runOnce(ctx)
	}

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *Trainer) runOnce(ctx context.Context) {
	res, err := t.Train(ctx, t.config.LookbackDays, t.config.SampleLimit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.TrainingFailures.Inc()
		t.logger.Warn("scheduled training failed", "error", err)
		return
	}
	if res.Samples == 0 {
		t.logger.Info("no events to train on", "lookback_days", t.config.LookbackDays)
	}
}

// String names the trainer for supervisor logs.
func (t *Trainer) String() string {
	return fmt.Sprintf("anomaly-trainer(%s)", t.config.Interval)
}
