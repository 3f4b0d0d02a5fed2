package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// DefaultMaxScan bounds the number of events a single request reads from
// the store.
const DefaultMaxScan = 10000

// MaxTopN is the upper bound for TopN queries.
var MaxTopN = 1000

// Request scopes a search to a time window and page.
type Request struct {
	Query  *Query
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// SearchResponse represents the response from a search query. TotalCount
// counts matches among scanned events; Truncated is set when the scan limit
// was reached and later events in the window were not examined.
type SearchResponse struct {
	Query      string         `json:"query"`
	TotalCount int            `json:"total_count"`
	Results    []schema.Event `json:"results"`
	Scanned    int            `json:"scanned"`
	Truncated  bool           `json:"truncated"`
	Took       int64          `json:"took_ms"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// AggregationResult represents aggregation query results.
type AggregationResult struct {
	Field     string              `json:"field,omitempty"`
	Buckets   []AggregationBucket `json:"buckets"`
	Total     int                 `json:"total"`
	Truncated bool                `json:"truncated"`
}

// AggregationBucket represents a single aggregation bucket.
type AggregationBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// truncateForLog truncates a string for safe inclusion in log messages.
func truncateForLog(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "...[truncated]"
	}
	return s
}

// Executor executes search queries against the event store. Equality on
// source_ip, username and event_type is pushed down to the store; every
// other condition is evaluated in memory.
type Executor struct {
	store   storage.EventStore
	maxScan int
	now     func() time.Time
}

// NewExecutor creates a new search executor.
func NewExecutor(store storage.EventStore) *Executor {
	return &Executor{store: store, maxScan: DefaultMaxScan, now: time.Now}
}

// WithMaxScan sets the per-request scan limit.
func (e *Executor) WithMaxScan(n int) *Executor {
	if n > 0 {
		e.maxScan = n
	}
	return e
}

// scan returns the events of the window matching req.Query, newest first,
// and whether the scan limit was reached.
func (e *Executor) scan(ctx context.Context, req Request) ([]schema.Event, int, bool, error) {
	until := req.Until
	if until.IsZero() {
		until = e.now()
	}
	if req.Since.After(until) {
		return nil, 0, false, fmt.Errorf("since %s is after until %s",
			req.Since.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	q := req.Query.Pushdown()
	q.Since = req.Since
	q.Until = until

	events, err := e.store.Timeline(ctx, q, e.maxScan)
	if err != nil {
		return nil, 0, false, fmt.Errorf("scan events: %w", err)
	}

	matched := make([]schema.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if req.Query.Match(&events[i]) {
			matched = append(matched, events[i])
		}
	}
	return matched, len(events), len(events) >= e.maxScan, nil
}

// Search executes a search query and returns a page of results, newest
// first.
func (e *Executor) Search(ctx context.Context, req Request) (*SearchResponse, error) {
	start := time.Now()

	matched, scanned, truncated, err := e.scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", truncateForLog(req.Query.String(), 200), err)
	}

	page := matched
	if req.Offset > 0 {
		if req.Offset >= len(page) {
			page = nil
		} else {
			page = page[req.Offset:]
		}
	}
	if req.Limit > 0 && len(page) > req.Limit {
		page = page[:req.Limit]
	}
	if page == nil {
		page = []schema.Event{}
	}

	return &SearchResponse{
		Query:      req.Query.String(),
		TotalCount: len(matched),
		Results:    page,
		Scanned:    scanned,
		Truncated:  truncated,
		Took:       time.Since(start).Milliseconds(),
		Limit:      req.Limit,
		Offset:     req.Offset,
	}, nil
}

// TopN returns the n most frequent non-empty values of field among
// matching events. Ties are ordered by key.
func (e *Executor) TopN(ctx context.Context, req Request, field string, n int) (*AggregationResult, error) {
	column, ok := MapField(field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	if column == FieldRaw {
		return nil, fmt.Errorf("field %q cannot be aggregated", field)
	}
	if n <= 0 || n > MaxTopN {
		n = 10
	}

	matched, _, truncated, err := e.scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("top-n %s: %w", column, err)
	}

	counts := make(map[string]int)
	for i := range matched {
		if v := fieldValue(&matched[i], column); v != "" {
			counts[v]++
		}
	}

	result := &AggregationResult{Field: column, Truncated: truncated}
	for k, c := range counts {
		result.Buckets = append(result.Buckets, AggregationBucket{Key: k, Count: c})
		result.Total += c
	}
	sort.Slice(result.Buckets, func(i, j int) bool {
		if result.Buckets[i].Count != result.Buckets[j].Count {
			return result.Buckets[i].Count > result.Buckets[j].Count
		}
		return result.Buckets[i].Key < result.Buckets[j].Key
	})
	if len(result.Buckets) > n {
		result.Buckets = result.Buckets[:n]
	}
	if result.Buckets == nil {
		result.Buckets = []AggregationBucket{}
	}
	return result, nil
}

// ParseInterval maps a histogram interval name to a duration.
func ParseInterval(interval string) (time.Duration, error) {
	switch strings.ToLower(interval) {
	case "", "hour", "1h":
		return time.Hour, nil
	case "minute", "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "day", "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported interval %q", interval)
}

// TimeHistogram counts matching events per interval bucket, oldest bucket
// first. Buckets are aligned to UTC multiples of interval and empty
// buckets are omitted.
func (e *Executor) TimeHistogram(ctx context.Context, req Request, interval time.Duration) (*AggregationResult, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	matched, _, truncated, err := e.scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}

	counts := make(map[time.Time]int)
	for i := range matched {
		counts[matched[i].Timestamp.UTC().Truncate(interval)]++
	}

	keys := make([]time.Time, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	result := &AggregationResult{Field: "timestamp", Buckets: []AggregationBucket{}, Truncated: truncated}
	for _, k := range keys {
		result.Buckets = append(result.Buckets, AggregationBucket{Key: k.Format(time.RFC3339), Count: counts[k]})
		result.Total += counts[k]
	}
	return result, nil
}
