package alerting

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
)

func TestFromIncident(t *testing.T) {
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	tech, _ := scoring.TechniqueFor(scoring.BruteForce)
	inc := schema.Incident{
		Key:               "Persistent Brute Force:203.0.113.9",
		Category:          scoring.PersistentBruteForce,
		Confidence:        schema.ConfidenceHigh,
		RiskScore:         9,
		Severity:          schema.SeverityHigh,
		Technique:         &tech,
		KillChainStage:    scoring.StageCredentialAccess,
		SourceIP:          "203.0.113.9",
		Description:       "Persistent Brute Force from 203.0.113.9 (events=12, failed=12, invalid=0)",
		WindowMinutes:     10,
		EventCount:        3,
		BaselineWindowAvg: 1.5,
		FirstSeen:         at.Add(-time.Hour),
		LastSeen:          at,
	}

	tests := []struct {
		name         string
		detector     schema.DetectorSource
		wantType     schema.AlertType
		wantBaseline bool
	}{
		{"correlation", schema.DetectorCorrelation, schema.AlertCorrelated, false},
		{"ueba", schema.DetectorUEBA, schema.AlertUEBA, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := FromIncident(inc, &schema.Candidate{Detector: tt.detector, Count: 12})

			if a.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", a.Type, tt.wantType)
			}
			if a.IncidentKey != inc.Key || a.RiskScore != 9 || a.Severity != schema.SeverityHigh {
				t.Errorf("alert = %+v", a)
			}
			if a.Technique == nil || a.Technique.ID != "T1110" {
				t.Errorf("Technique = %+v", a.Technique)
			}
			if a.Payload["event_count"] != int64(3) || a.Payload["count"] != 12 {
				t.Errorf("Payload = %v", a.Payload)
			}
			if _, ok := a.Payload["baseline_window_avg"]; ok != tt.wantBaseline {
				t.Errorf("baseline present = %v, want %v", ok, tt.wantBaseline)
			}
			if a.Payload["last_seen"] != "2026-06-01T09:00:00Z" {
				t.Errorf("last_seen = %v", a.Payload["last_seen"])
			}
		})
	}
}

func TestFromRareEntity(t *testing.T) {
	c := &schema.Candidate{
		Detector:       schema.DetectorUEBA,
		Category:       scoring.RareEntity,
		Confidence:     schema.ConfidenceMedium,
		SourceIP:       "192.0.2.44",
		Description:    "New IP observed: 192.0.2.44",
		RiskScore:      5,
		Severity:       schema.SeverityMedium,
		KillChainStage: scoring.KillChainStage(scoring.RareEntity),
	}
	a := FromRareEntity(c)

	if a.Type != schema.AlertRareEntity || a.RiskScore != 5 || a.Severity != schema.SeverityMedium {
		t.Errorf("alert = %+v", a)
	}
	if a.IncidentKey != "" {
		t.Error("rare entity alert references an incident")
	}
	if a.Description != "New IP observed: 192.0.2.44" {
		t.Errorf("Description = %q", a.Description)
	}
}

func TestFromAnomaly(t *testing.T) {
	e := &schema.Event{EventID: uuid.New(), SourceIP: "198.51.100.23", Username: "svc"}
	a := FromAnomaly(e, -0.1234, "20260601T090000Z-abcdef012345")

	if a.Type != schema.AlertAnomaly || a.Severity != schema.SeverityHigh {
		t.Errorf("alert = %+v", a)
	}
	if a.Description != "Abnormal activity detected from IP" {
		t.Errorf("Description = %q", a.Description)
	}
	if a.AnomalyScore == nil || *a.AnomalyScore != -0.1234 {
		t.Errorf("AnomalyScore = %v", a.AnomalyScore)
	}
	if a.Payload["ml_model"] != "isolation_forest" || a.Payload["ml_version"] != "20260601T090000Z-abcdef012345" {
		t.Errorf("Payload = %v", a.Payload)
	}
	if a.Payload["anomaly_score"] != -0.1234 {
		t.Errorf("anomaly_score = %v", a.Payload["anomaly_score"])
	}
}
