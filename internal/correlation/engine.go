package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
)

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	Window              time.Duration
	BruteForceThreshold int
	SweepInterval       time.Duration
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Window:              2 * time.Minute,
		BruteForceThreshold: 5,
		SweepInterval:       time.Minute,
	}
}

// Engine keeps a short sliding window of event types per source IP and
// evaluates the rules on every observed event. The clock is the event
// timestamp, so replayed logs correlate the same way live ones do.
type Engine struct {
	config EngineConfig
	rules  []*Rule
	logger *slog.Logger

	mu      sync.RWMutex
	windows map[string]*ipWindow

	// newest is the latest event time seen, in unix nanoseconds.
	newest atomic.Int64

	observed atomic.Uint64
	fired    atomic.Uint64
	swept    atomic.Uint64
}

// ipWindow holds the recent entries of one IP. A window removed by the
// sweeper is marked dead so a concurrent observer retries with a fresh one.
type ipWindow struct {
	mu       sync.Mutex
	entries  []entry
	lastSeen time.Time
	dead     bool
}

type entry struct {
	typ schema.EventType
	at  time.Time
}

// NewEngine creates a correlation engine. Invalid rules are skipped.
func NewEngine(config EngineConfig, rules []*Rule, logger *slog.Logger) *Engine {
	if config.Window <= 0 {
		config.Window = DefaultEngineConfig().Window
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultEngineConfig().SweepInterval
	}

	e := &Engine{
		config:  config,
		logger:  logger.With("component", "correlation"),
		windows: make(map[string]*ipWindow),
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			e.logger.Error("skipping invalid correlation rule", "error", err)
			continue
		}
		e.rules = append(e.rules, r)
	}
	return e
}

// Rules returns the catalog entries of the active rules.
func (e *Engine) Rules() []schema.RuleInfo {
	infos := make([]schema.RuleInfo, len(e.rules))
	for i, r := range e.rules {
		infos[i] = r.Info(e.config.Window, i+1)
	}
	return infos
}

// Observe records ev in its IP window and returns a scored candidate when
// a rule matches. Events without a source IP are ignored.
func (e *Engine) Observe(ev *schema.Event) *schema.Candidate {
	if !ev.HasIP() {
		return nil
	}
	e.observed.Add(1)
	e.advance(ev.Timestamp)

	now := ev.Timestamp
	var counts Counts
	for {
		w := e.window(ev.SourceIP)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		w.entries = append(w.entries, entry{typ: ev.Type, at: now})
		if now.After(w.lastSeen) {
			w.lastSeen = now
		}
		w.prune(now, e.config.Window)
		for _, en := range w.entries {
			counts.add(en.typ)
		}
		w.mu.Unlock()
		break
	}

	for _, r := range e.rules {
		count, ok := r.Match(counts)
		if !ok {
			continue
		}
		e.fired.Add(1)
		return e.candidate(r, ev, count)
	}
	return nil
}

func (e *Engine) candidate(r *Rule, ev *schema.Event, count int) *schema.Candidate {
	risk := scoring.Score(r.Category, count)
	c := &schema.Candidate{
		Detector:       schema.DetectorCorrelation,
		Category:       r.Category,
		Confidence:     r.Confidence,
		Count:          count,
		SourceIP:       ev.SourceIP,
		Username:       ev.Username,
		Description:    fmt.Sprintf("%s from %s", r.Category, ev.SourceIP),
		RiskScore:      risk,
		Severity:       scoring.SeverityFor(float64(risk)),
		KillChainStage: scoring.KillChainStage(r.Category),
		WindowMinutes:  int(e.config.Window / time.Minute),
		ObservedAt:     ev.Timestamp,
	}
	if t, ok := scoring.TechniqueFor(r.Category); ok {
		c.Technique = &t
	}
	return c
}

func (e *Engine) window(ip string) *ipWindow {
	e.mu.RLock()
	w, ok := e.windows[ip]
	e.mu.RUnlock()
	if ok {
		return w
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok = e.windows[ip]; !ok {
		w = &ipWindow{}
		e.windows[ip] = w
	}
	return w
}

// prune drops entries that are not strictly younger than window.
func (w *ipWindow) prune(now time.Time, window time.Duration) {
	kept := w.entries[:0]
	for _, en := range w.entries {
		if now.Sub(en.at) < window {
			kept = append(kept, en)
		}
	}
	clear(w.entries[len(kept):])
	w.entries = kept
}

func (e *Engine) advance(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := e.newest.Load()
		if ns <= cur || e.newest.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Sweep drops windows idle for longer than the correlation window,
// measured against the newest event time seen. It returns the number of
// windows removed.
func (e *Engine) Sweep() int {
	newest := e.newest.Load()
	if newest == 0 {
		return 0
	}
	cutoff := time.Unix(0, newest).Add(-e.config.Window)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for ip, w := range e.windows {
		w.mu.Lock()
		if !w.lastSeen.After(cutoff) {
			w.dead = true
			delete(e.windows, ip)
			removed++
		}
		w.mu.Unlock()
	}
	e.swept.Add(uint64(removed))
	return removed
}

// Serve runs the periodic sweeper until ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.logger.Debug("swept idle correlation windows", "removed", n)
			}
		}
	}
}

// String names the sweeper for supervisor logs.
func (e *Engine) String() string {
	return fmt.Sprintf("correlation-sweeper(%s)", e.config.Window)
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	active := len(e.windows)
	e.mu.RUnlock()

	return map[string]any{
		"rules_count":    len(e.rules),
		"active_windows": active,
		"observed":       e.observed.Load(),
		"fired":          e.fired.Load(),
		"swept":          e.swept.Load(),
	}
}
