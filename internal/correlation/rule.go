// Package correlation detects short-window attack patterns per source IP.
package correlation

import (
	"fmt"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
)

// Counts holds the per-type totals of one IP window.
type Counts struct {
	Failed  int
	Invalid int
	Success int
	Total   int
}

func (c *Counts) add(t schema.EventType) {
	c.Total++
	switch t {
	case schema.EventFailedLogin:
		c.Failed++
	case schema.EventInvalidUser:
		c.Invalid++
	case schema.EventSuccessLogin:
		c.Success++
	}
}

// Rule is one ordered correlation rule. Match returns the candidate count
// and whether the rule fires.
type Rule struct {
	ID          string
	Name        string
	Category    string
	Description string
	Condition   string
	Confidence  schema.Confidence
	Match       func(Counts) (int, bool)
}

// Validate checks that the rule can be evaluated.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Category == "" {
		return fmt.Errorf("rule %s: category is required", r.ID)
	}
	if r.Match == nil {
		return fmt.Errorf("rule %s: match function is required", r.ID)
	}
	switch r.Confidence {
	case schema.ConfidenceLow, schema.ConfidenceMedium, schema.ConfidenceHigh:
	default:
		return fmt.Errorf("rule %s: invalid confidence %q", r.ID, r.Confidence)
	}
	return nil
}

// Info describes the rule for the catalog. priority is its position in the
// evaluation order.
func (r *Rule) Info(window time.Duration, priority int) schema.RuleInfo {
	info := schema.RuleInfo{
		ID:             r.ID,
		Name:           r.Name,
		Detector:       schema.DetectorCorrelation,
		Category:       r.Category,
		Description:    r.Description,
		Condition:      r.Condition,
		Confidence:     r.Confidence,
		WindowMinutes:  int(window / time.Minute),
		Priority:       priority,
		KillChainStage: scoring.KillChainStage(r.Category),
	}
	if t, ok := scoring.TechniqueFor(r.Category); ok {
		info.Technique = &t
	}
	return info
}
