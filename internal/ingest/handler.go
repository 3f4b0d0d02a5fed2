package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/ingest/authlog"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
)

// Processor runs detection inline for ?wait=true requests.
type Processor interface {
	Process(ctx context.Context, e *schema.Event) ([]*schema.Alert, error)
}

// Handler handles HTTP line ingestion.
type Handler struct {
	intake     *Intake
	processor  Processor
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates a new ingest Handler.
func NewHandler(intake *Intake) *Handler {
	return &Handler{
		intake:     intake,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithMaxBatch sets the maximum number of lines per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// WithProcessor enables synchronous detection for ?wait=true.
func (h *Handler) WithProcessor(p Processor) *Handler {
	h.processor = p
	return h
}

// RegisterRoutes registers ingest routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ingest", h.HandleIngest)
	mux.HandleFunc("GET /v1/ingest/status", h.Status)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// IngestRequest is the request body. Either Lines or Line must be set;
// RawLog is accepted as an alias of Line.
type IngestRequest struct {
	Lines  []string `json:"lines,omitempty"`
	Line   string   `json:"line,omitempty"`
	RawLog string   `json:"raw_log,omitempty"`
}

func (r *IngestRequest) all() []string {
	lines := r.Lines
	if r.Line != "" {
		lines = append(lines, r.Line)
	}
	if r.RawLog != "" {
		lines = append(lines, r.RawLog)
	}
	return lines
}

// IngestResponse is the response for line ingestion.
type IngestResponse struct {
	Success   bool            `json:"success"`
	Accepted  int             `json:"accepted"`
	Rejected  int             `json:"rejected"`
	Errors    []string        `json:"errors,omitempty"`
	EventIDs  []string        `json:"event_ids,omitempty"`
	Alerts    []*schema.Alert `json:"alerts,omitempty"`
	RequestID string          `json:"request_id"`
}

// HandleIngest handles POST /v1/ingest.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", requestID)
		return
	}

	lines := req.all()
	if len(lines) == 0 {
		respondError(w, http.StatusBadRequest, "no lines provided", requestID)
		return
	}
	if len(lines) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait && h.processor == nil {
		respondError(w, http.StatusBadRequest, "synchronous detection is not enabled", requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	for i, line := range lines {
		var event *schema.Event
		if wait {
			event, err = h.intake.Normalize(line, TransportHTTP)
		} else {
			event, err = h.intake.Submit(line, TransportHTTP)
		}
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("line[%d]: %s", i, lineError(err)))
			continue
		}

		if wait {
			alerts, err := h.processor.Process(r.Context(), event)
			if err != nil {
				slog.Error("inline detection failed", "event_id", event.EventID, "request_id", requestID, "error", err)
				resp.Rejected++
				resp.Errors = append(resp.Errors, fmt.Sprintf("line[%d]: detection failed", i))
				continue
			}
			h.intake.markAccepted()
			resp.Alerts = append(resp.Alerts, alerts...)
		}

		resp.Accepted++
		resp.EventIDs = append(resp.EventIDs, event.EventID.String())
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}
	respondJSON(w, status, resp)
}

// lineError maps a rejection to a client-safe reason.
func lineError(err error) string {
	switch {
	case errors.Is(err, authlog.ErrUnrecognized):
		return "unrecognized log format"
	case errors.Is(err, authlog.ErrEmptyLine):
		return "empty line"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid event"
	case errors.Is(err, queue.ErrQueueFull):
		return "queue full"
	case errors.Is(err, queue.ErrQueueClosed):
		return "shutting down"
	}
	return "rejected"
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	m := h.intake.QueueMetrics()

	status := "healthy"
	if m.Depth > int(float64(m.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    m.Depth,
		"queue_capacity": m.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// StatusResponse describes current intake activity.
type StatusResponse struct {
	Status      string        `json:"status"`
	Activity    string        `json:"activity"`
	Description string        `json:"description"`
	Metrics     StatusMetrics `json:"metrics"`
	Timestamp   time.Time     `json:"timestamp"`
}

// StatusMetrics holds the intake counters behind StatusResponse.
type StatusMetrics struct {
	LinesAccepted uint64  `json:"lines_accepted"`
	LinesRejected uint64  `json:"lines_rejected"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	QueueDropped  uint64  `json:"queue_dropped"`
	QueueUsage    float64 `json:"queue_usage_percent"`
	UptimeSeconds int     `json:"uptime_seconds"`
	LinesPerSec   float64 `json:"lines_per_second"`
}

// Status handles GET /v1/ingest/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	qm := h.intake.QueueMetrics()
	uptime := time.Since(h.startTime)
	accepted, rejected := h.intake.Stats()

	var perSec float64
	if uptime.Seconds() > 0 {
		perSec = float64(accepted) / uptime.Seconds()
	}
	var usage float64
	if qm.Capacity > 0 {
		usage = float64(qm.Depth) / float64(qm.Capacity) * 100
	}

	status, activity, description := determineActivity(usage, qm.Depth, perSec)
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:      status,
		Activity:    activity,
		Description: description,
		Metrics: StatusMetrics{
			LinesAccepted: accepted,
			LinesRejected: rejected,
			QueueDepth:    qm.Depth,
			QueueCapacity: qm.Capacity,
			QueueDropped:  qm.Dropped,
			QueueUsage:    usage,
			UptimeSeconds: int(uptime.Seconds()),
			LinesPerSec:   perSec,
		},
		Timestamp: time.Now().UTC(),
	})
}

// determineActivity summarizes queue pressure and throughput.
func determineActivity(usage float64, depth int, perSec float64) (status, activity, description string) {
	switch {
	case usage > 90:
		return "busy", "processing_backlog",
			fmt.Sprintf("Detection backlog: queue at %.1f%% capacity with %d events pending", usage, depth)
	case usage > 50:
		return "active", "processing_events",
			fmt.Sprintf("Detecting at %.1f lines/sec, %d in queue", perSec, depth)
	case perSec > 10:
		return "active", "high_throughput",
			fmt.Sprintf("High throughput ingestion at %.1f lines/sec", perSec)
	case perSec > 0:
		return "idle", "low_activity",
			fmt.Sprintf("Low activity at %.2f lines/sec", perSec)
	default:
		return "idle", "waiting", "Waiting for auth log lines"
	}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
