package correlation

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"sentinel-siem/internal/schema"
)

// RuleSource lists the rules of one detector.
type RuleSource interface {
	Rules() []schema.RuleInfo
}

// RuleHandler serves the read-only rule catalog of every detector.
type RuleHandler struct {
	sources []RuleSource
}

// NewRuleHandler creates a catalog handler over sources, listed in order.
func NewRuleHandler(sources ...RuleSource) *RuleHandler {
	return &RuleHandler{sources: sources}
}

// RegisterRoutes registers rule catalog routes on the given mux.
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", h.HandleGetRule)
}

// Catalog returns every rule of every source.
func (h *RuleHandler) Catalog() []schema.RuleInfo {
	var rules []schema.RuleInfo
	for _, src := range h.sources {
		rules = append(rules, src.Rules()...)
	}
	return rules
}

// HandleListRules handles GET /v1/rules requests.
func (h *RuleHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	detector := q.Get("detector")
	category := q.Get("category")

	filtered := make([]schema.RuleInfo, 0)
	for _, rule := range h.Catalog() {
		if detector != "" && string(rule.Detector) != detector {
			continue
		}
		if category != "" && rule.Category != category {
			continue
		}
		filtered = append(filtered, rule)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": filtered,
		"total": len(filtered),
	})
}

// HandleGetRule handles GET /v1/rules/{id} requests.
func (h *RuleHandler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, rule := range h.Catalog() {
		if rule.ID == id {
			h.writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
}

func (h *RuleHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *RuleHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
