package alerting

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// Handler provides HTTP handlers for alert listing and streaming.
type Handler struct {
	emitter *Emitter
	hub     *Hub
}

// NewHandler creates a new alert handler. hub may be nil when streaming is
// disabled.
func NewHandler(emitter *Emitter, hub *Hub) *Handler {
	return &Handler{emitter: emitter, hub: hub}
}

// RegisterRoutes registers alert routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	if h.hub != nil {
		mux.HandleFunc("GET /ws/alerts", h.hub.ServeWS)
	}
}

// HandleListAlerts handles GET /v1/alerts requests.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.AlertFilter{
		Type:     schema.AlertType(q.Get("type")),
		Severity: schema.Severity(q.Get("severity")),
		SourceIP: q.Get("ip"),
		Limit:    100,
	}

	switch filter.Type {
	case "", schema.AlertCorrelated, schema.AlertUEBA, schema.AlertRareEntity, schema.AlertAnomaly:
	default:
		h.writeError(w, apierrors.Invalid("unknown alert type"))
		return
	}
	switch filter.Severity {
	case "", schema.SeverityInfo, schema.SeverityLow, schema.SeverityMedium, schema.SeverityHigh:
	default:
		h.writeError(w, apierrors.Invalid("unknown severity"))
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, apierrors.Invalid("since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 1 || l > 1000 {
			h.writeError(w, apierrors.Invalid("limit must be between 1 and 1000"))
			return
		}
		filter.Limit = l
	}

	alerts, err := h.emitter.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, apierrors.Unavailable("failed to list alerts", err))
		return
	}
	if alerts == nil {
		alerts = []schema.Alert{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, apierrors.HTTPStatus(err), map[string]string{
		"error": apierrors.SafeMessage(err),
	})
}
