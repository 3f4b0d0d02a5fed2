package incident

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/state"
)

// Handler serves incident routes.
type Handler struct {
	service *Service
}

// NewHandler creates an incident handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers incident routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/incidents", h.HandleList)
	mux.HandleFunc("GET /v1/incidents/{key}", h.HandleDetails)
	mux.HandleFunc("GET /v1/incidents/{key}/report", h.HandleReport)
}

// HandleList handles GET /v1/incidents requests.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLen
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLen {
			h.writeError(w, apierrors.Invalid("limit must be between 1 and %d", maxListLen))
			return
		}
		limit = n
	}

	views, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, apierrors.Unavailable("failed to list incidents", err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"incidents": views,
		"total":     len(views),
	})
}

// HandleDetails handles GET /v1/incidents/{key} requests.
func (h *Handler) HandleDetails(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Details(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// HandleReport handles GET /v1/incidents/{key}/report requests.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatHTML:
	default:
		h.writeError(w, apierrors.Invalid("format must be txt or html"))
		return
	}

	body, contentType, name, err := h.service.Report(r.Context(), r.PathValue("key"), format)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write report", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		err = apierrors.NotFound("incident not found")
	}
	h.writeJSON(w, apierrors.HTTPStatus(err), map[string]string{
		"error": apierrors.SafeMessage(err),
	})
}
