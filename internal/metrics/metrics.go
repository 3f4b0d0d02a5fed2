// Package metrics holds the Prometheus collectors of the detection service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_events_ingested_total",
			Help: "Total number of normalized events accepted, by event type",
		},
		[]string{"event_type"},
	)

	LinesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_lines_rejected_total",
			Help: "Total number of input lines rejected before detection",
		},
		[]string{"transport", "reason"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siem_queue_depth",
			Help: "Current number of events waiting for detection",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siem_queue_dropped_total",
			Help: "Total number of events dropped because the queue was full",
		},
	)

	// Detection
	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siem_detector_duration_seconds",
			Help:    "Duration of one detector path for one event",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"detector"},
	)

	DetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_detector_failures_total",
			Help: "Total number of detector paths that failed open",
		},
		[]string{"detector"},
	)

	Candidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_candidates_total",
			Help: "Total number of detection candidates produced",
		},
		[]string{"detector", "category"},
	)

	// Alerts
	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_alerts_emitted_total",
			Help: "Total number of alerts persisted and published",
		},
		[]string{"alert_type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_alerts_suppressed_total",
			Help: "Total number of incident updates absorbed by the cooldown",
		},
		[]string{"category"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_publish_failures_total",
			Help: "Total number of failed alert publishes, by publisher",
		},
		[]string{"publisher"},
	)

	PublishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_publish_dropped_total",
			Help: "Total number of alerts not published because the publisher queue was full",
		},
		[]string{"publisher"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siem_websocket_clients",
			Help: "Current number of connected alert stream clients",
		},
	)

	// Anomaly model
	ModelTrained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siem_anomaly_model_trained",
			Help: "1 when an anomaly model is loaded, 0 otherwise",
		},
	)

	ModelSamples = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siem_anomaly_model_samples",
			Help: "Number of samples the current anomaly model was trained on",
		},
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "siem_anomaly_training_duration_seconds",
			Help:    "Duration of anomaly model training runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	TrainingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siem_anomaly_training_failures_total",
			Help: "Total number of failed anomaly training runs",
		},
	)

	// Threat intel
	ThreatIntelLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_threat_intel_lookups_total",
			Help: "Total number of threat intel lookups, by result status",
		},
		[]string{"status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siem_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveDetector records the duration of a detector path and whether it
// failed.
func ObserveDetector(detector string, start time.Time, err error) {
	DetectorDuration.WithLabelValues(detector).Observe(time.Since(start).Seconds())
	if err != nil {
		DetectorFailures.WithLabelValues(detector).Inc()
	}
}
