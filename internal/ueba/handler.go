package ueba

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	apierrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/state"
)

// Handler serves profile lookups.
type Handler struct {
	engine *Engine
}

// NewHandler creates a profile handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers profile routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ueba/ips/{ip}", h.HandleIPProfile)
	mux.HandleFunc("GET /v1/ueba/users/{username}", h.HandleUserProfile)
}

// HandleIPProfile handles GET /v1/ueba/ips/{ip} requests.
func (h *Handler) HandleIPProfile(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if _, err := netip.ParseAddr(ip); err != nil {
		h.writeError(w, apierrors.Invalid("invalid ip address"))
		return
	}

	limit := 20
	if s := r.URL.Query().Get("sessions"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 200 {
			h.writeError(w, apierrors.Invalid("sessions must be between 1 and 200"))
			return
		}
		limit = n
	}

	profile, sessions, err := h.engine.Profile(r.Context(), ip, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"profile":  profile,
		"sessions": sessions,
	})
}

// HandleUserProfile handles GET /v1/ueba/users/{username} requests.
func (h *Handler) HandleUserProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.engine.profiles.GetUserProfile(r.Context(), r.PathValue("username"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
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
		err = apierrors.NotFound("profile not found")
	}
	h.writeJSON(w, apierrors.HTTPStatus(err), map[string]string{
		"error": apierrors.SafeMessage(err),
	})
}
