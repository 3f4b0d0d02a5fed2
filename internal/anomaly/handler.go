package anomaly

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "sentinel-siem/internal/errors"
)

// Handler serves the model training and status routes.
type Handler struct {
	trainer *Trainer
}

// NewHandler creates a model handler.
func NewHandler(trainer *Trainer) *Handler {
	return &Handler{trainer: trainer}
}

// RegisterRoutes registers model routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ml/train", h.HandleTrain)
	mux.HandleFunc("GET /v1/ml/status", h.HandleStatus)
}

// HandleTrain handles POST /v1/ml/train requests.
func (h *Handler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", h.trainer.config.LookbackDays)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", h.trainer.config.SampleLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.trainer.Train(r.Context(), days, limit)
	if err != nil {
		if apierrors.HTTPStatus(err) == http.StatusInternalServerError {
			err = apierrors.Unavailable("model training failed", err)
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleStatus handles GET /v1/ml/status requests.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.trainer.scorer.Status())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apierrors.Invalid("%s must be an integer", name)
	}
	return n, nil
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
