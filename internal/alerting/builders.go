package alerting

import (
	"time"

	"sentinel-siem/internal/anomaly"
	"sentinel-siem/internal/schema"
)

// AnomalyDescription is the description of every anomaly alert.
const AnomalyDescription = "Abnormal activity detected from IP"

// FromIncident builds the alert for an emitted incident update. c is the
// candidate that triggered the update.
func FromIncident(inc schema.Incident, c *schema.Candidate) *schema.Alert {
	typ := schema.AlertCorrelated
	if c.Detector == schema.DetectorUEBA {
		typ = schema.AlertUEBA
	}

	payload := map[string]any{
		"incident":       inc.Category,
		"confidence":     string(inc.Confidence),
		"event_count":    inc.EventCount,
		"window_minutes": inc.WindowMinutes,
		"first_seen":     inc.FirstSeen.UTC().Format(time.RFC3339),
		"last_seen":      inc.LastSeen.UTC().Format(time.RFC3339),
	}
	if typ == schema.AlertUEBA {
		payload["baseline_window_avg"] = inc.BaselineWindowAvg
		payload["baseline_daily_avg"] = inc.BaselineDailyAvg
	}
	if c.Count > 0 {
		payload["count"] = c.Count
	}

	return &schema.Alert{
		Type:           typ,
		Category:       inc.Category,
		SourceIP:       inc.SourceIP,
		Username:       inc.Username,
		Severity:       inc.Severity,
		RiskScore:      inc.RiskScore,
		Technique:      inc.Technique,
		KillChainStage: inc.KillChainStage,
		IncidentKey:    inc.Key,
		Description:    inc.Description,
		Payload:        payload,
	}
}

// FromRareEntity builds the alert for a first sighting of an address.
func FromRareEntity(c *schema.Candidate) *schema.Alert {
	return &schema.Alert{
		Type:           schema.AlertRareEntity,
		Category:       c.Category,
		SourceIP:       c.SourceIP,
		Username:       c.Username,
		Severity:       c.Severity,
		RiskScore:      float64(c.RiskScore),
		KillChainStage: c.KillChainStage,
		Description:    c.Description,
		Payload: map[string]any{
			"incident":   c.Category,
			"confidence": string(c.Confidence),
		},
	}
}

// FromAnomaly builds the alert for an event the model flagged.
func FromAnomaly(e *schema.Event, score float64, version string) *schema.Alert {
	return &schema.Alert{
		Type:         schema.AlertAnomaly,
		SourceIP:     e.SourceIP,
		Username:     e.Username,
		Severity:     schema.SeverityHigh,
		AnomalyScore: &score,
		Description:  AnomalyDescription,
		Payload: map[string]any{
			"anomaly_score": score,
			"ml_model":      anomaly.ModelName,
			"ml_version":    version,
			"event_id":      e.EventID.String(),
		},
	}
}
