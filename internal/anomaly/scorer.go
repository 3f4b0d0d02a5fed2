package anomaly

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"

	"sentinel-siem/internal/features"
	"sentinel-siem/internal/metrics"
)

// ModelName identifies the algorithm in alerts.
const ModelName = "isolation_forest"

// Model is a trained forest with its provenance. It is never mutated once
// published.
type Model struct {
	Forest       *Forest   `json:"forest"`
	Version      string    `json:"model_version"`
	TrainedAt    time.Time `json:"last_trained_at"`
	Samples      int       `json:"last_train_samples"`
	FeatureNames []string  `json:"feature_names"`
}

// Status describes the current model.
type Status struct {
	Trained          bool       `json:"trained"`
	ModelVersion     string     `json:"model_version"`
	LastTrainedAt    *time.Time `json:"last_trained_at"`
	LastTrainSamples int        `json:"last_train_samples"`
	FeatureNames     []string   `json:"feature_names"`
}

// Scorer answers anomaly queries against the latest trained model.
// Scoring is lock-free; training builds a new model off to the side and
// swaps it in.
type Scorer struct {
	config    ForestConfig
	snapshots SnapshotStore
	logger    *slog.Logger
	now       func() time.Time

	model   atomic.Pointer[Model]
	trainMu sync.Mutex
}

// NewScorer creates an untrained scorer. snapshots may be nil.
func NewScorer(cfg ForestConfig, snapshots SnapshotStore, logger *slog.Logger) *Scorer {
	return &Scorer{
		config:    cfg,
		snapshots: snapshots,
		logger:    logger.With("component", "anomaly-scorer"),
		now:       time.Now,
	}
}

// Train fits a model on vectors and publishes it. An empty batch leaves the
// current model in place.
func (s *Scorer) Train(ctx context.Context, vectors []features.Vector) (Status, error) {
	if len(vectors) == 0 {
		return s.Status(), nil
	}

	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	start := time.Now()
	forest, err := Fit(s.config, vectors)
	if err != nil {
		return s.Status(), err
	}

	encoded, err := json.Marshal(forest)
	if err != nil {
		return s.Status(), fmt.Errorf("encode forest: %w", err)
	}
	trainedAt := s.now().UTC()
	m := &Model{
		Forest:       forest,
		Version:      version(trainedAt, encoded),
		TrainedAt:    trainedAt,
		Samples:      len(vectors),
		FeatureNames: features.Names(),
	}
	s.model.Store(m)

	metrics.ModelTrained.Set(1)
	metrics.ModelSamples.Set(float64(m.Samples))
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("anomaly model trained",
		"version", m.Version,
		"samples", m.Samples,
		"offset", forest.Offset,
		"duration", time.Since(start),
	)

	if s.snapshots != nil {
		if err := s.save(ctx, m); err != nil {
			s.logger.Warn("failed to save model snapshot", "version", m.Version, "error", err)
		}
	}

	return s.Status(), nil
}

// version is the training time plus a short digest of the forest.
func version(at time.Time, encoded []byte) string {
	sum := blake2b.Sum256(encoded)
	return at.Format("20060102T150405Z") + "-" + hex.EncodeToString(sum[:6])
}

// Score returns whether x is an outlier and its decision value. Before any
// model exists it returns false and nil.
func (s *Scorer) Score(x features.Vector) (bool, *float64) {
	m := s.model.Load()
	if m == nil {
		return false, nil
	}
	score := m.Forest.Score(x)
	return score < 0, &score
}

// Version returns the current model version, empty when untrained.
func (s *Scorer) Version() string {
	if m := s.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Status reports the current model.
func (s *Scorer) Status() Status {
	st := Status{FeatureNames: features.Names()}
	m := s.model.Load()
	if m == nil {
		return st
	}
	at := m.TrainedAt
	st.Trained = true
	st.ModelVersion = m.Version
	st.LastTrainedAt = &at
	st.LastTrainSamples = m.Samples
	return st
}

func (s *Scorer) save(ctx context.Context, m *Model) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.snapshots.Save(ctx, data)
}

// Restore loads the saved model, if any. A missing snapshot is not an
// error; a snapshot for a different feature layout is ignored.
func (s *Scorer) Restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	data, err := s.snapshots.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load model snapshot: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode model snapshot: %w", err)
	}
	if m.Forest == nil || len(m.Forest.Trees) == 0 || !slices.Equal(m.FeatureNames, features.Names()) {
		s.logger.Warn("ignoring incompatible model snapshot", "version", m.Version)
		return nil
	}

	s.model.Store(&m)
	metrics.ModelTrained.Set(1)
	metrics.ModelSamples.Set(float64(m.Samples))
	s.logger.Info("anomaly model restored", "version", m.Version, "samples", m.Samples)
	return nil
}
