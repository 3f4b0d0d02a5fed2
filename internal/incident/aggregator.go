// Package incident merges detection candidates into long-lived incidents
// and decides which updates surface as alerts.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
	"sentinel-siem/internal/state"
)

// Config holds aggregation settings.
type Config struct {
	// Cooldown is the minimum time since an incident was last seen before
	// an update is emitted again.
	Cooldown time.Duration
	// DecayPerMinute is subtracted from the stored risk per elapsed minute.
	DecayPerMinute float64
	// RiskFloor is the lowest risk an incident decays to.
	RiskFloor float64
}

// DefaultConfig returns default aggregation settings.
func DefaultConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		DecayPerMinute: 0.1,
		RiskFloor:      scoring.MinRisk,
	}
}

// Aggregator upserts incidents keyed by category and entity.
type Aggregator struct {
	store  state.Store
	config Config
	logger *slog.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store state.Store, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.RiskFloor <= 0 {
		cfg.RiskFloor = scoring.MinRisk
	}
	return &Aggregator{
		store:  store,
		config: cfg,
		logger: logger.With("component", "incident-aggregator"),
	}
}

// Upsert merges c into the incident at c.Key(). The stored incident is
// always updated; emit reports whether the update should surface as an
// alert. The candidate's observation time is the clock.
func (a *Aggregator) Upsert(ctx context.Context, c *schema.Candidate) (schema.Incident, bool, error) {
	key := c.Key()
	now := c.ObservedAt

	var emit bool
	inc, err := a.store.UpdateIncident(ctx, key, func(inc *schema.Incident, exists bool) error {
		if !exists {
			a.create(inc, c, key, now)
			emit = true
			return nil
		}
		emit = a.merge(inc, c, now)
		return nil
	})
	if err != nil {
		return inc, false, fmt.Errorf("upsert incident %s: %w", key, err)
	}
	return inc, emit, nil
}

// create seeds a new incident from c. EventCount starts at the number of
// events behind the candidate; merge adds one per later update.
func (a *Aggregator) create(inc *schema.Incident, c *schema.Candidate, key string, now time.Time) {
	risk := scoring.ClampRisk(float64(c.RiskScore), a.config.RiskFloor)
	*inc = schema.Incident{
		Key:               key,
		Category:          c.Category,
		Detector:          string(c.Detector),
		Confidence:        c.Confidence,
		RiskScore:         risk,
		Severity:          scoring.SeverityFor(risk),
		Technique:         c.Technique,
		KillChainStage:    c.KillChainStage,
		SourceIP:          c.SourceIP,
		Username:          c.Username,
		Description:       c.Description,
		WindowMinutes:     c.WindowMinutes,
		EventCount:        int64(max(c.Count, 1)),
		BaselineWindowAvg: c.BaselineWindowAvg,
		BaselineDailyAvg:  c.BaselineDailyAvg,
		FirstSeen:         now,
		LastSeen:          now,
		CreatedAt:         now,
	}
	if !c.FirstSeen.IsZero() && c.FirstSeen.Before(now) {
		inc.FirstSeen = c.FirstSeen
	}
}

// merge folds c into an existing incident and reports whether the cooldown
// since the last sighting has passed.
func (a *Aggregator) merge(inc *schema.Incident, c *schema.Candidate, now time.Time) bool {
	elapsed := max(now.Sub(inc.LastSeen), 0)

	risk := a.decay(inc.RiskScore, elapsed)
	risk = math.Max(risk, float64(c.RiskScore))
	inc.RiskScore = scoring.ClampRisk(risk, a.config.RiskFloor)
	inc.Severity = scoring.SeverityFor(inc.RiskScore)

	inc.EventCount++
	if now.After(inc.LastSeen) {
		inc.LastSeen = now
	}

	inc.Confidence = c.Confidence
	inc.Description = c.Description
	inc.Detector = string(c.Detector)
	if c.Username != "" {
		inc.Username = c.Username
	}
	if c.WindowMinutes > 0 {
		inc.WindowMinutes = c.WindowMinutes
	}
	if c.Detector == schema.DetectorUEBA {
		inc.BaselineWindowAvg = c.BaselineWindowAvg
		inc.BaselineDailyAvg = c.BaselineDailyAvg
	}

	return elapsed >= a.config.Cooldown
}

func (a *Aggregator) decay(risk float64, elapsed time.Duration) float64 {
	return math.Max(a.config.RiskFloor, risk-elapsed.Minutes()*a.config.DecayPerMinute)
}

// DecayedRisk returns inc's risk decayed to now, rounded to two decimals.
func (a *Aggregator) DecayedRisk(inc schema.Incident, now time.Time) float64 {
	return DecayedRisk(inc, now, a.config.DecayPerMinute, a.config.RiskFloor)
}

// DecayedRisk returns max(floor, risk - minutes*perMinute) for the time
// since inc was last seen, rounded to two decimals.
func DecayedRisk(inc schema.Incident, now time.Time, perMinute, floor float64) float64 {
	minutes := max(now.Sub(inc.LastSeen), 0).Minutes()
	decayed := math.Max(floor, inc.RiskScore-minutes*perMinute)
	return math.Round(decayed*100) / 100
}
