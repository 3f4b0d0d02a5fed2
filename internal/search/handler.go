package search

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "sentinel-siem/internal/errors"
)

// DefaultWindow is the lookback used when a request names no start time.
const DefaultWindow = 24 * time.Hour

const maxLimit = 1000

// Handler provides HTTP handlers for search operations.
type Handler struct {
	executor *Executor
	now      func() time.Time
}

// NewHandler creates a new search handler.
func NewHandler(executor *Executor) *Handler {
	return &Handler{executor: executor, now: time.Now}
}

// SearchRequest represents a search API request.
type SearchRequest struct {
	Query     string `json:"query"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// AggregationRequest represents an aggregation API request.
type AggregationRequest struct {
	Query     string `json:"query,omitempty"`
	Field     string `json:"field,omitempty"`
	Type      string `json:"type"` // terms or histogram
	Interval  string `json:"interval,omitempty"`
	TopN      int    `json:"top_n,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

// RegisterRoutes registers search routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/search", h.HandleSearch)
	mux.HandleFunc("GET /v1/search", h.HandleSearchGet)
	mux.HandleFunc("POST /v1/aggregations", h.HandleAggregation)
	mux.HandleFunc("GET /v1/fields/{field}/values", h.HandleFieldValues)
}

// HandleSearch handles POST /v1/search requests.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apierrors.Invalid("failed to parse request body"))
		return
	}
	if req.Limit < 0 || req.Limit > maxLimit || req.Offset < 0 {
		h.writeError(w, apierrors.Invalid("limit must be between 0 and %d and offset non-negative", maxLimit))
		return
	}
	h.search(w, r, req)
}

// HandleSearchGet handles GET /v1/search requests with query parameters.
func (h *Handler) HandleSearchGet(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := SearchRequest{
		Query:     params.Get("q"),
		StartTime: params.Get("start"),
		EndTime:   params.Get("end"),
	}
	if req.Query == "" {
		req.Query = params.Get("query")
	}

	var err error
	if req.Limit, err = intParam(params.Get("limit"), 0, maxLimit); err != nil {
		h.writeError(w, apierrors.Invalid("limit must be between 0 and %d", maxLimit))
		return
	}
	if req.Offset, err = intParam(params.Get("offset"), 0, -1); err != nil {
		h.writeError(w, apierrors.Invalid("offset must be a non-negative integer"))
		return
	}
	h.search(w, r, req)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request, sr SearchRequest) {
	req, err := h.buildRequest(sr.Query, sr.StartTime, sr.EndTime)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req.Limit = sr.Limit
	if req.Limit == 0 {
		req.Limit = 100
	}
	req.Offset = sr.Offset

	result, err := h.executor.Search(r.Context(), req)
	if err != nil {
		slog.Error("search failed", "error", err, "query", truncateForLog(sr.Query, 200))
		h.writeError(w, apierrors.Unavailable("search execution failed", err))
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleAggregation handles POST /v1/aggregations requests.
func (h *Handler) HandleAggregation(w http.ResponseWriter, r *http.Request) {
	var agg AggregationRequest
	if err := json.NewDecoder(r.Body).Decode(&agg); err != nil {
		h.writeError(w, apierrors.Invalid("failed to parse request body"))
		return
	}

	req, err := h.buildRequest(agg.Query, agg.StartTime, agg.EndTime)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var result *AggregationResult
	switch agg.Type {
	case "histogram", "time_histogram":
		interval, ierr := ParseInterval(agg.Interval)
		if ierr != nil {
			h.writeError(w, apierrors.Invalid("%v", ierr))
			return
		}
		result, err = h.executor.TimeHistogram(r.Context(), req, interval)

	case "terms", "top", "":
		if agg.Field == "" {
			h.writeError(w, apierrors.Invalid("field is required"))
			return
		}
		if _, ok := MapField(agg.Field); !ok {
			h.writeError(w, apierrors.Invalid("unknown field %q", agg.Field))
			return
		}
		result, err = h.executor.TopN(r.Context(), req, agg.Field, agg.TopN)

	default:
		h.writeError(w, apierrors.Invalid("unsupported aggregation type %q", agg.Type))
		return
	}

	if err != nil {
		slog.Error("aggregation failed", "error", err, "type", agg.Type, "field", agg.Field)
		h.writeError(w, apierrors.Unavailable("aggregation execution failed", err))
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleFieldValues handles GET /v1/fields/{field}/values requests.
func (h *Handler) HandleFieldValues(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	if _, ok := MapField(field); !ok {
		h.writeError(w, apierrors.Invalid("unknown field %q", field))
		return
	}

	params := r.URL.Query()
	req, err := h.buildRequest(params.Get("q"), params.Get("start"), params.Get("end"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	n, err := intParam(params.Get("limit"), 20, 100)
	if err != nil {
		h.writeError(w, apierrors.Invalid("limit must be at most 100"))
		return
	}

	result, err := h.executor.TopN(r.Context(), req, field, n)
	if err != nil {
		slog.Error("field values query failed", "error", err, "field", field)
		h.writeError(w, apierrors.Invalid("%v", err))
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// buildRequest parses the query and time window shared by every route.
func (h *Handler) buildRequest(query, start, end string) (Request, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return Request{}, apierrors.Invalid("invalid query: %v", err)
	}

	now := h.now()
	req := Request{Query: q, Since: now.Add(-DefaultWindow), Until: now}
	if start != "" {
		if req.Since, err = ParseTime(start, now); err != nil {
			return Request{}, apierrors.Invalid("invalid start time")
		}
	}
	if end != "" {
		if req.Until, err = ParseTime(end, now); err != nil {
			return Request{}, apierrors.Invalid("invalid end time")
		}
	}
	if req.Since.After(req.Until) {
		return Request{}, apierrors.Invalid("start time is after end time")
	}
	return req, nil
}

// intParam parses an optional integer parameter. upper < 0 means unbounded.
func intParam(s string, def, upper int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || (upper >= 0 && n > upper) {
		return 0, strconv.ErrRange
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
