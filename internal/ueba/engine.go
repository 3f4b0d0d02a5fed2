// Package ueba maintains per-IP and per-user behavioral profiles and flags
// activity that departs from them.
package ueba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
	"sentinel-siem/internal/state"
	"sentinel-siem/internal/storage"
)

// Config holds behavioral profiling settings.
type Config struct {
	Window               time.Duration
	Cooldown             time.Duration
	SessionGap           time.Duration
	FailedThreshold      int
	InvalidThreshold     int
	EnumFailedThreshold  int
	BurstThreshold       int
	BurstMultiplier      float64
	MultiSourceThreshold int
	EMAAlpha             float64
	RiskFloor            int
	RareEntityRisk       int
}

// DefaultConfig returns default profiling settings.
func DefaultConfig() Config {
	return Config{
		Window:               10 * time.Minute,
		Cooldown:             5 * time.Minute,
		SessionGap:           5 * time.Minute,
		FailedThreshold:      8,
		InvalidThreshold:     3,
		EnumFailedThreshold:  3,
		BurstThreshold:       25,
		BurstMultiplier:      3,
		MultiSourceThreshold: 2,
		EMAAlpha:             0.2,
		RiskFloor:            5,
		RareEntityRisk:       5,
	}
}

// Result is what one event produced. RareEntity goes straight to alerting;
// Candidate goes through incident aggregation.
type Result struct {
	RareEntity *schema.Candidate
	Candidate  *schema.Candidate
}

// Engine updates profiles and evaluates behavioral rules.
type Engine struct {
	events   storage.EventStore
	sessions storage.SessionLog
	profiles state.Store
	config   Config
	rules    []Rule
	logger   *slog.Logger
}

// NewEngine creates a UEBA engine.
func NewEngine(events storage.EventStore, sessions storage.SessionLog, profiles state.Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		events:   events,
		sessions: sessions,
		profiles: profiles,
		config:   cfg,
		rules:    BuiltinRules(cfg),
		logger:   logger.With("component", "ueba"),
	}
}

// Process records e in the profiles and evaluates the rules for its IP.
// Events without a source IP are ignored.
func (en *Engine) Process(ctx context.Context, e *schema.Event) (Result, error) {
	var res Result
	if !e.HasIP() {
		return res, nil
	}

	profile, firstSeen, err := en.record(ctx, e)
	if err != nil {
		return res, err
	}
	if firstSeen {
		res.RareEntity = en.rareEntity(e)
	}

	if en.coolingDown(profile, e.Timestamp) {
		return res, nil
	}

	w, err := en.window(ctx, e)
	if err != nil {
		return res, err
	}

	res.Candidate, err = en.evaluate(ctx, e, w)
	return res, err
}

// record applies e to the IP and user profiles. firstSeen reports whether
// this was the first event ever recorded for the IP.
func (en *Engine) record(ctx context.Context, e *schema.Event) (schema.IPProfile, bool, error) {
	var (
		firstSeen bool
		closed    *schema.Session
	)
	profile, err := en.profiles.UpdateIPProfile(ctx, e.SourceIP, func(p *schema.IPProfile, _ bool) error {
		firstSeen = p.TotalEvents == 0
		closed = recordIP(p, e, en.config)
		return nil
	})
	if err != nil {
		return profile, false, fmt.Errorf("update ip profile: %w", err)
	}

	if closed != nil {
		if err := en.sessions.AppendSession(ctx, *closed); err != nil {
			en.logger.Warn("failed to append closed session", "ip", closed.IP, "error", err)
		}
	}

	if e.HasUser() {
		if _, err := en.profiles.UpdateUserProfile(ctx, e.Username, func(p *schema.UserProfile, _ bool) error {
			recordUser(p, e, en.config)
			return nil
		}); err != nil {
			return profile, firstSeen, fmt.Errorf("update user profile: %w", err)
		}
	}

	return profile, firstSeen, nil
}

func (en *Engine) coolingDown(p schema.IPProfile, now time.Time) bool {
	return !p.LastIncidentAt.IsZero() && now.Sub(p.LastIncidentAt) < en.config.Cooldown
}

// window gathers the evaluation window counts for e's IP and user.
func (en *Engine) window(ctx context.Context, e *schema.Event) (Window, error) {
	q := storage.EventQuery{
		Since:    e.Timestamp.Add(-en.config.Window),
		Until:    e.Timestamp,
		SourceIP: e.SourceIP,
	}
	counts, err := en.events.CountByType(ctx, q)
	if err != nil {
		return Window{}, fmt.Errorf("window counts: %w", err)
	}

	w := Window{
		Failed:  counts[schema.EventFailedLogin],
		Invalid: counts[schema.EventInvalidUser],
		Success: counts[schema.EventSuccessLogin],
	}
	for _, n := range counts {
		w.Total += n
	}

	if e.HasUser() {
		ips, err := en.events.Distinct(ctx, storage.FieldSourceIP, storage.EventQuery{
			Since:    q.Since,
			Until:    q.Until,
			Username: e.Username,
		})
		if err != nil {
			return Window{}, fmt.Errorf("distinct user ips: %w", err)
		}
		w.UserIPs = len(ips)
	}
	return w, nil
}

var errCooldown = errors.New("ueba: cooldown")

// evaluate folds w into the window baseline and runs the rules, all inside
// one atomic profile update so concurrent events for the IP cannot both
// raise an incident.
func (en *Engine) evaluate(ctx context.Context, e *schema.Event, w Window) (*schema.Candidate, error) {
	now := e.Timestamp

	var (
		matched Rule
		fired   bool
		folded  Window
	)
	profile, err := en.profiles.UpdateIPProfile(ctx, e.SourceIP, func(p *schema.IPProfile, _ bool) error {
		fired = false
		if en.coolingDown(*p, now) {
			return errCooldown
		}

		folded = w
		folded.EMA = ema(p.AvgEventsPerWindow, float64(w.Total), en.config.EMAAlpha)
		p.AvgEventsPerWindow = folded.EMA

		matched, fired = firstMatch(en.rules, folded)
		if fired {
			p.LastIncidentAt = now
		}
		return nil
	})
	if errors.Is(err, errCooldown) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluate ip profile: %w", err)
	}
	if !fired {
		return nil, nil
	}

	return en.candidate(e, matched, folded, profile), nil
}

// ReleaseCooldown clears the cooldown entered at stampedAt for ip. Callers
// use it when the candidate raised at stampedAt could not be recorded as an
// incident, so the next window is evaluated instead of silently skipped. A
// cooldown stamped by a later candidate is left alone.
func (en *Engine) ReleaseCooldown(ctx context.Context, ip string, stampedAt time.Time) error {
	_, err := en.profiles.UpdateIPProfile(ctx, ip, func(p *schema.IPProfile, exists bool) error {
		if !exists || !p.LastIncidentAt.Equal(stampedAt) {
			return state.ErrSkipWrite
		}
		p.LastIncidentAt = time.Time{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release cooldown: %w", err)
	}
	return nil
}

func (en *Engine) candidate(e *schema.Event, r Rule, w Window, p schema.IPProfile) *schema.Candidate {
	risk := scoring.Score(r.Base, max(w.Total, w.Failed))
	risk = int(scoring.ClampRisk(float64(risk), float64(en.config.RiskFloor)))

	severity := schema.SeverityMedium
	if risk >= 8 {
		severity = schema.SeverityHigh
	}

	c := &schema.Candidate{
		Detector:   schema.DetectorUEBA,
		Category:   r.Category,
		Confidence: r.Confidence,
		Count:      w.Total,
		SourceIP:   e.SourceIP,
		Username:   e.Username,
		Description: fmt.Sprintf("%s from %s (events=%d, failed=%d, invalid=%d)",
			r.Category, e.SourceIP, w.Total, w.Failed, w.Invalid),
		RiskScore:         risk,
		Severity:          severity,
		KillChainStage:    scoring.KillChainStage(r.Category),
		WindowMinutes:     int(en.config.Window / time.Minute),
		BaselineWindowAvg: w.EMA,
		BaselineDailyAvg:  p.AvgDailyEvents,
		FirstSeen:         p.FirstSeen,
		LastSeen:          p.LastSeen,
		ObservedAt:        e.Timestamp,
	}
	if t, ok := scoring.TechniqueFor(r.Base); ok {
		c.Technique = &t
	}
	return c
}

func (en *Engine) rareEntity(e *schema.Event) *schema.Candidate {
	risk := en.config.RareEntityRisk
	return &schema.Candidate{
		Detector:       schema.DetectorUEBA,
		Category:       scoring.RareEntity,
		Confidence:     schema.ConfidenceMedium,
		Count:          1,
		SourceIP:       e.SourceIP,
		Username:       e.Username,
		Description:    "New IP observed: " + e.SourceIP,
		RiskScore:      risk,
		Severity:       scoring.SeverityFor(float64(risk)),
		KillChainStage: scoring.KillChainStage(scoring.RareEntity),
		FirstSeen:      e.Timestamp,
		LastSeen:       e.Timestamp,
		ObservedAt:     e.Timestamp,
	}
}

// Rules returns the catalog entries of the behavioral rules, including the
// rare entity signal.
func (en *Engine) Rules() []schema.RuleInfo {
	window := int(en.config.Window / time.Minute)
	infos := make([]schema.RuleInfo, 0, len(en.rules)+1)
	for i, r := range en.rules {
		info := schema.RuleInfo{
			ID:             r.ID,
			Name:           r.Category,
			Detector:       schema.DetectorUEBA,
			Category:       r.Category,
			Description:    fmt.Sprintf("Scored as %s", r.Base),
			Condition:      r.Condition,
			Confidence:     r.Confidence,
			WindowMinutes:  window,
			Priority:       i + 1,
			KillChainStage: scoring.KillChainStage(r.Category),
		}
		if t, ok := scoring.TechniqueFor(r.Base); ok {
			info.Technique = &t
		}
		infos = append(infos, info)
	}
	return append(infos, schema.RuleInfo{
		ID:             "ueba-rare-entity",
		Name:           scoring.RareEntity,
		Detector:       schema.DetectorUEBA,
		Category:       scoring.RareEntity,
		Description:    "First event ever recorded for a source address",
		Condition:      "ip_total_events == 0",
		Confidence:     schema.ConfidenceMedium,
		KillChainStage: scoring.KillChainStage(scoring.RareEntity),
	})
}

// Profile returns the stored profile of ip and its most recent closed
// sessions.
func (en *Engine) Profile(ctx context.Context, ip string, sessions int) (schema.IPProfile, []schema.Session, error) {
	p, err := en.profiles.GetIPProfile(ctx, ip)
	if err != nil {
		return p, nil, err
	}
	closed, err := en.sessions.ListSessions(ctx, ip, sessions)
	if err != nil {
		return p, nil, err
	}
	return p, closed, nil
}
