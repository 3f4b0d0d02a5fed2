// Package api provides the HTTP client the TUI uses to poll the detection
// backend.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client handles API communication with the SIEM backend
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Stats represents system statistics
type Stats struct {
	LinesAccepted  int64   `json:"lines_accepted"`
	LinesRejected  int64   `json:"lines_rejected"`
	LinesPerSecond float64 `json:"lines_per_second"`
	QueueSize      int     `json:"queue_size"`
	QueueCapacity  int     `json:"queue_capacity"`
	QueueDropped   int64   `json:"queue_dropped"`
	QueueUsage     float64 `json:"queue_usage_percent"`
	AlertsEmitted  int64   `json:"alerts_emitted"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  int     `json:"uptime_seconds"`
	Healthy        bool    `json:"healthy"`
	HealthStatus   string  `json:"health_status"`
	StatusReason   string  `json:"status_reason"`
	Activity       string  `json:"activity"`
	ActivityDesc   string  `json:"activity_description"`
	ModelTrained   bool    `json:"model_trained"`

	// Open incidents by severity and the riskiest one, from the first
	// page of GET /v1/incidents.
	IncidentsBySeverity map[string]int `json:"incidents_by_severity"`
	TopIncident         *Incident      `json:"top_incident,omitempty"`
}

// IngestStatus is the response of GET /v1/ingest/status.
type IngestStatus struct {
	Status      string        `json:"status"`
	Activity    string        `json:"activity"`
	Description string        `json:"description"`
	Metrics     IngestMetrics `json:"metrics"`
}

// IngestMetrics contains the intake counters.
type IngestMetrics struct {
	LinesAccepted int64   `json:"lines_accepted"`
	LinesRejected int64   `json:"lines_rejected"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	QueueDropped  int64   `json:"queue_dropped"`
	QueueUsage    float64 `json:"queue_usage_percent"`
	UptimeSeconds int     `json:"uptime_seconds"`
	LinesPerSec   float64 `json:"lines_per_second"`
}

// Mitre is an ATT&CK technique reference.
type Mitre struct {
	TechniqueID string `json:"technique_id"`
	Technique   string `json:"technique"`
	Tactic      string `json:"tactic"`
}

// Incident is one correlated incident as listed by the backend.
type Incident struct {
	Key           string    `json:"key"`
	Category      string    `json:"category"`
	Detector      string    `json:"detector"`
	Confidence    string    `json:"confidence"`
	RiskScore     float64   `json:"risk_score"`
	DecayedRisk   float64   `json:"risk_score_decayed"`
	Severity      string    `json:"severity"`
	Mitre         Mitre     `json:"mitre"`
	SourceIP      string    `json:"source_ip"`
	Username      string    `json:"username"`
	Description   string    `json:"description"`
	WindowMinutes int       `json:"window_minutes"`
	EventCount    int       `json:"event_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// IncidentList is the response of GET /v1/incidents.
type IncidentList struct {
	Incidents []Incident `json:"incidents"`
	Total     int        `json:"total"`
}

// Alert is one emitted alert.
type Alert struct {
	ID             string    `json:"id"`
	AlertType      string    `json:"alert_type"`
	Category       string    `json:"category"`
	SourceIP       string    `json:"source_ip"`
	Username       string    `json:"username"`
	Severity       string    `json:"severity"`
	RiskScore      float64   `json:"risk_score"`
	AnomalyScore   *float64  `json:"anomaly_score"`
	Mitre          Mitre     `json:"mitre"`
	KillChainStage string    `json:"kill_chain_stage"`
	IncidentKey    string    `json:"incident_key"`
	Description    string    `json:"description"`
	Timestamp      time.Time `json:"timestamp"`
}

// AlertList is the response of GET /v1/alerts.
type AlertList struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

// ModelStatus is the response of GET /v1/ml/status.
type ModelStatus struct {
	Trained          bool       `json:"trained"`
	ModelVersion     string     `json:"model_version"`
	LastTrainedAt    *time.Time `json:"last_trained_at"`
	LastTrainSamples int        `json:"last_train_samples"`
	FeatureNames     []string   `json:"feature_names"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// getJSON fetches path and decodes the body into out. Non-2xx responses
// are reported with the backend's error message when it sent one.
func (c *Client) getJSON(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON("/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetIngestStatus fetches intake activity.
func (c *Client) GetIngestStatus() (*IngestStatus, error) {
	var status IngestStatus
	if err := c.getJSON("/v1/ingest/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListIncidents fetches up to limit incidents, highest decayed risk first.
func (c *Client) ListIncidents(limit int) (*IncidentList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list IncidentList
	if err := c.getJSON("/v1/incidents?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ListAlerts fetches up to limit recent alerts.
func (c *Client) ListAlerts(limit int) (*AlertList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list AlertList
	if err := c.getJSON("/v1/alerts?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetModelStatus fetches the anomaly model status.
func (c *Client) GetModelStatus() (*ModelStatus, error) {
	var status ModelStatus
	if err := c.getJSON("/v1/ml/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// parsePrometheusMetrics sums Prometheus text samples by metric name,
// so labelled series collapse into one total.
func (c *Client) parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		val, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		name, _, _ := strings.Cut(parts[0], "{")
		metrics[name] += val
	}
	return metrics
}

const statsIncidentPage = 100

// GetStats fetches combined stats for dashboard
func (c *Client) GetStats() (*Stats, error) {
	health, healthErr := c.GetHealth()

	stats := &Stats{
		Healthy:      false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
		Activity:     "unknown",
		ActivityDesc: "Cannot connect to backend service",
	}

	if healthErr != nil {
		stats.StatusReason = healthErr.Error()
		return stats, nil
	}

	// Health endpoint returns status as "healthy" or "degraded"
	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueSize = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))

	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	if health.Status == "degraded" {
		stats.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", stats.QueueUsage)
	} else if stats.Healthy {
		stats.StatusReason = "All systems operational"
	}

	if status, err := c.GetIngestStatus(); err == nil {
		stats.Activity = status.Activity
		stats.ActivityDesc = status.Description
		stats.LinesAccepted = status.Metrics.LinesAccepted
		stats.LinesRejected = status.Metrics.LinesRejected
		stats.LinesPerSecond = status.Metrics.LinesPerSec
		stats.QueueDropped = status.Metrics.QueueDropped
		stats.QueueUsage = status.Metrics.QueueUsage
	}

	if model, err := c.GetModelStatus(); err == nil {
		stats.ModelTrained = model.Trained
	}

	if list, err := c.ListIncidents(statsIncidentPage); err == nil {
		stats.IncidentsBySeverity = make(map[string]int)
		for i := range list.Incidents {
			inc := &list.Incidents[i]
			stats.IncidentsBySeverity[inc.Severity]++
			if stats.TopIncident == nil || inc.DecayedRisk > stats.TopIncident.DecayedRisk {
				stats.TopIncident = inc
			}
		}
	}

	resp, err := c.httpClient.Get(c.baseURL + "/metrics")
	if err == nil {
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err == nil {
			metrics := c.parsePrometheusMetrics(string(body))
			if emitted, ok := metrics["siem_alerts_emitted_total"]; ok {
				stats.AlertsEmitted = int64(emitted)
			}
			if stats.LinesAccepted == 0 {
				if total, ok := metrics["siem_events_ingested_total"]; ok {
					stats.LinesAccepted = int64(total)
				}
			}
		}
	}

	return stats, nil
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
