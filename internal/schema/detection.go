package schema

import (
	"time"

	"github.com/google/uuid"
)

// IPProfile is the long-lived behavioral baseline for one source address.
type IPProfile struct {
	IP        string    `json:"ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	TotalEvents   int64 `json:"total_events"`
	FailedEvents  int64 `json:"failed_events"`
	InvalidEvents int64 `json:"invalid_events"`
	SuccessEvents int64 `json:"success_events"`

	AvgEventsPerWindow float64 `json:"avg_events_per_window"`
	AvgDailyEvents     float64 `json:"avg_daily_events"`
	LastDay            string  `json:"last_day,omitempty"`
	TodayCount         int64   `json:"today_count"`

	SessionStart  time.Time `json:"current_session_start"`
	SessionEvents int64     `json:"current_session_events"`

	LastIncidentAt time.Time `json:"last_incident_at,omitempty"`
}

// UserProfile is the long-lived baseline for one username.
type UserProfile struct {
	Username       string    `json:"username"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	TotalEvents    int64     `json:"total_events"`
	AvgDailyEvents float64   `json:"avg_daily_events"`
	LastDay        string    `json:"last_day,omitempty"`
	TodayCount     int64     `json:"today_count"`
	LastIncidentAt time.Time `json:"last_incident_at,omitempty"`
}

// Session is a closed run of activity from one IP with no gap longer than
// the inactivity threshold.
type Session struct {
	IP         string    `json:"ip"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	EventCount int64     `json:"event_count"`
}

// Confidence expresses how strongly a detector believes its candidate.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// DetectorSource names the detector that produced a candidate.
type DetectorSource string

const (
	DetectorCorrelation DetectorSource = "correlation"
	DetectorUEBA        DetectorSource = "ueba"
	DetectorAnomaly     DetectorSource = "anomaly"
)

// Technique is an ATT&CK-style technique reference.
type Technique struct {
	ID     string `json:"technique_id"`
	Name   string `json:"technique"`
	Tactic string `json:"tactic"`
}

// Candidate is the transient output of a detector. It is never persisted
// directly; scoring and aggregation turn it into an Incident.
type Candidate struct {
	Detector   DetectorSource `json:"detector"`
	Category   string         `json:"category"`
	Confidence Confidence     `json:"confidence"`
	Count      int            `json:"count"`
	SourceIP   string         `json:"source_ip,omitempty"`
	Username   string         `json:"username,omitempty"`

	Description string `json:"description"`

	// Scored fields, filled in by the detector or the mapper.
	RiskScore      int        `json:"risk_score"`
	Severity       Severity   `json:"severity"`
	Technique      *Technique `json:"mitre,omitempty"`
	KillChainStage string     `json:"kill_chain_stage,omitempty"`

	WindowMinutes     int       `json:"window_minutes,omitempty"`
	BaselineWindowAvg float64   `json:"baseline_window_avg,omitempty"`
	BaselineDailyAvg  float64   `json:"baseline_daily_avg,omitempty"`
	FirstSeen         time.Time `json:"first_seen,omitempty"`
	LastSeen          time.Time `json:"last_seen,omitempty"`
	ObservedAt        time.Time `json:"observed_at"`
}

// Key returns the incident key "category:entity".
func (c *Candidate) Key() string {
	return IncidentKey(c.Category, c.Entity())
}

// Entity returns the candidate's primary entity, the IP when present.
func (c *Candidate) Entity() string {
	if c.SourceIP != "" {
		return c.SourceIP
	}
	return c.Username
}

// IncidentKey builds the aggregation key for a category and entity.
func IncidentKey(category, entity string) string {
	return category + ":" + entity
}

// Incident is one evolving security condition for one entity and category.
type Incident struct {
	Key            string     `json:"key"`
	Category       string     `json:"category"`
	Detector       string     `json:"detector"`
	Confidence     Confidence `json:"confidence"`
	RiskScore      float64    `json:"risk_score"`
	Severity       Severity   `json:"severity"`
	Technique      *Technique `json:"mitre,omitempty"`
	KillChainStage string     `json:"kill_chain_stage,omitempty"`
	SourceIP       string     `json:"source_ip,omitempty"`
	Username       string     `json:"username,omitempty"`
	Description    string     `json:"description"`

	WindowMinutes     int     `json:"window_minutes"`
	EventCount        int64   `json:"event_count"`
	BaselineWindowAvg float64 `json:"baseline_window_avg"`
	BaselineDailyAvg  float64 `json:"baseline_daily_avg"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertType classifies how an alert was produced.
type AlertType string

const (
	AlertCorrelated AlertType = "correlated_incident"
	AlertUEBA       AlertType = "ueba_incident"
	AlertRareEntity AlertType = "ueba_rare_entity"
	AlertAnomaly    AlertType = "anomaly_detected"
)

// Alert is the write-once unit delivered to subscribers.
type Alert struct {
	ID             uuid.UUID      `json:"id"`
	Type           AlertType      `json:"alert_type"`
	Category       string         `json:"category,omitempty"`
	SourceIP       string         `json:"source_ip,omitempty"`
	Username       string         `json:"username,omitempty"`
	Severity       Severity       `json:"severity"`
	RiskScore      float64        `json:"risk_score,omitempty"`
	AnomalyScore   *float64       `json:"anomaly_score,omitempty"`
	Technique      *Technique     `json:"mitre,omitempty"`
	KillChainStage string         `json:"kill_chain_stage,omitempty"`
	IncidentKey    string         `json:"incident_key,omitempty"`
	Description    string         `json:"description"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// RuleInfo describes one detection rule for catalogs and operators.
type RuleInfo struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Detector       DetectorSource `json:"detector" yaml:"detector"`
	Category       string         `json:"category" yaml:"category"`
	Description    string         `json:"description" yaml:"description"`
	Condition      string         `json:"condition" yaml:"condition"`
	Confidence     Confidence     `json:"confidence" yaml:"confidence"`
	WindowMinutes  int            `json:"window_minutes" yaml:"window_minutes"`
	Priority       int            `json:"priority" yaml:"priority"`
	Technique      *Technique     `json:"mitre,omitempty" yaml:"mitre,omitempty"`
	KillChainStage string         `json:"kill_chain_stage,omitempty" yaml:"kill_chain_stage,omitempty"`
}
