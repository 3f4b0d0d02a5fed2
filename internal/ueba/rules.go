package ueba

import (
	"fmt"
	"math"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
)

// Window is what the rules see for one IP over the evaluation window.
type Window struct {
	Total   int
	Failed  int
	Invalid int
	Success int
	// UserIPs is the number of distinct source IPs seen for the event's
	// username. Zero when the event has no username.
	UserIPs int
	// EMA is the window baseline after folding in Total.
	EMA float64
}

// Rule maps a window predicate to a behavioral category. Base is the
// category the incident is scored as.
type Rule struct {
	ID         string
	Category   string
	Base       string
	Confidence schema.Confidence
	Condition  string
	Match      func(Window) bool
}

// BuiltinRules returns the behavioral rules in priority order. The first
// matching rule wins.
func BuiltinRules(cfg Config) []Rule {
	return []Rule{
		{
			ID:         "ueba-multi-source-user",
			Category:   scoring.MultiSourceUser,
			Base:       scoring.CredentialEnum,
			Confidence: schema.ConfidenceMedium,
			Condition:  fmt.Sprintf("distinct_user_ips >= %d", cfg.MultiSourceThreshold),
			Match: func(w Window) bool {
				return w.UserIPs >= cfg.MultiSourceThreshold
			},
		},
		{
			ID:         "ueba-persistent-brute-force",
			Category:   scoring.PersistentBruteForce,
			Base:       scoring.BruteForce,
			Confidence: schema.ConfidenceHigh,
			Condition:  fmt.Sprintf("failed >= %d && success == 0", cfg.FailedThreshold),
			Match: func(w Window) bool {
				return w.Failed >= cfg.FailedThreshold && w.Success == 0
			},
		},
		{
			ID:         "ueba-credential-enumeration",
			Category:   scoring.CredentialEnum,
			Base:       scoring.CredentialEnum,
			Confidence: schema.ConfidenceMedium,
			Condition:  fmt.Sprintf("failed >= %d && invalid >= %d", cfg.EnumFailedThreshold, cfg.InvalidThreshold),
			Match: func(w Window) bool {
				return w.Failed >= cfg.EnumFailedThreshold && w.Invalid >= cfg.InvalidThreshold
			},
		},
		{
			ID:         "ueba-activity-burst",
			Category:   scoring.ActivityBurst,
			Base:       scoring.BruteForce,
			Confidence: schema.ConfidenceMedium,
			Condition:  fmt.Sprintf("total >= max(%d, %g * window_ema)", cfg.BurstThreshold, cfg.BurstMultiplier),
			Match: func(w Window) bool {
				return float64(w.Total) >= math.Max(float64(cfg.BurstThreshold), cfg.BurstMultiplier*w.EMA)
			},
		},
	}
}

// firstMatch returns the first rule that matches w.
func firstMatch(rules []Rule, w Window) (Rule, bool) {
	for _, r := range rules {
		if r.Match(w) {
			return r, true
		}
	}
	return Rule{}, false
}
