package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"

	"github.com/google/uuid"
)

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// newTestStore loads the sample events a minute apart, plus twelve failed
// logins from 45.155.205.7 spread over the preceding hour.
func newTestStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore(0)

	for i, e := range sampleEvents() {
		e.EventID = uuid.New()
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.InsertEvent(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 12; i++ {
		e := sampleEvents()[0]
		e.EventID = uuid.New()
		e.Timestamp = base.Add(-time.Hour + time.Duration(i)*5*time.Minute)
		if err := store.InsertEvent(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func mustParse(t *testing.T, q string) *Query {
	t.Helper()
	query, err := ParseQuery(q)
	if err != nil {
		t.Fatalf("ParseQuery(%q): %v", q, err)
	}
	return query
}

func window() (time.Time, time.Time) {
	return base.Add(-2 * time.Hour), base.Add(time.Hour)
}

func TestExecutor_Search(t *testing.T) {
	exec := NewExecutor(newTestStore(t))
	since, until := window()

	resp, err := exec.Search(context.Background(), Request{
		Query: mustParse(t, "type:ssh_failed_login OR user:alice"),
		Since: since, Until: until, Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.TotalCount != 14 {
		t.Errorf("TotalCount = %d, want 14", resp.TotalCount)
	}
	if resp.Scanned != 15 {
		t.Errorf("Scanned = %d, want 15", resp.Scanned)
	}
	if len(resp.Results) != 5 {
		t.Fatalf("got %d results, want 5", len(resp.Results))
	}
	if resp.Results[0].Username != "alice" {
		t.Errorf("first result = %s, want the newest event (alice)", resp.Results[0].Username)
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Timestamp.After(resp.Results[i-1].Timestamp) {
			t.Errorf("results not newest first at %d", i)
		}
	}
	if resp.Truncated {
		t.Error("Truncated should be false")
	}
}

func TestExecutor_SearchPaging(t *testing.T) {
	exec := NewExecutor(newTestStore(t))
	since, until := window()
	q := mustParse(t, "ip:45.155.205.7")

	first, err := exec.Search(context.Background(), Request{Query: q, Since: since, Until: until, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	second, err := exec.Search(context.Background(), Request{Query: q, Since: since, Until: until, Limit: 10, Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if first.TotalCount != 13 || second.TotalCount != 13 {
		t.Errorf("TotalCount = %d/%d, want 13", first.TotalCount, second.TotalCount)
	}
	if len(first.Results) != 10 || len(second.Results) != 3 {
		t.Errorf("page sizes = %d/%d, want 10/3", len(first.Results), len(second.Results))
	}

	past, err := exec.Search(context.Background(), Request{Query: q, Since: since, Until: until, Offset: 50})
	if err != nil {
		t.Fatal(err)
	}
	if past.Results == nil || len(past.Results) != 0 {
		t.Errorf("offset past the end should return an empty, non-nil page: %v", past.Results)
	}
}

func TestExecutor_SearchWindow(t *testing.T) {
	exec := NewExecutor(newTestStore(t))

	resp, err := exec.Search(context.Background(), Request{
		Query: mustParse(t, ""),
		Since: base, Until: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2 (inclusive bounds)", resp.TotalCount)
	}

	if _, err := exec.Search(context.Background(), Request{
		Query: mustParse(t, ""), Since: base, Until: base.Add(-time.Minute),
	}); err == nil {
		t.Error("inverted window should fail")
	}
}

func TestExecutor_SearchTruncated(t *testing.T) {
	exec := NewExecutor(newTestStore(t)).WithMaxScan(4)
	since, until := window()

	resp, err := exec.Search(context.Background(), Request{Query: mustParse(t, ""), Since: since, Until: until})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Truncated {
		t.Error("Truncated should be set when the scan limit is hit")
	}
	if resp.Scanned != 4 {
		t.Errorf("Scanned = %d, want 4", resp.Scanned)
	}
}

type failingStore struct {
	storage.EventStore
}

func (failingStore) Timeline(context.Context, storage.EventQuery, int) ([]schema.Event, error) {
	return nil, errors.New("clickhouse: connection refused")
}

func TestExecutor_StoreError(t *testing.T) {
	exec := NewExecutor(failingStore{})
	since, until := window()
	_, err := exec.Search(context.Background(), Request{Query: mustParse(t, ""), Since: since, Until: until})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want the store error wrapped", err)
	}
}

func TestExecutor_TopN(t *testing.T) {
	exec := NewExecutor(newTestStore(t))
	since, until := window()

	result, err := exec.TopN(context.Background(), Request{Query: mustParse(t, ""), Since: since, Until: until}, "user", 2)
	if err != nil {
		t.Fatal(err)
	}
	if result.Field != FieldUsername {
		t.Errorf("Field = %q", result.Field)
	}
	want := []AggregationBucket{{Key: "root", Count: 13}, {Key: "admin", Count: 1}}
	if len(result.Buckets) != len(want) {
		t.Fatalf("Buckets = %+v, want %+v", result.Buckets, want)
	}
	for i := range want {
		if result.Buckets[i] != want[i] {
			t.Errorf("bucket %d = %+v, want %+v", i, result.Buckets[i], want[i])
		}
	}
	if result.Total != 15 {
		t.Errorf("Total = %d, want 15", result.Total)
	}

	if _, err := exec.TopN(context.Background(), Request{Query: mustParse(t, ""), Since: since, Until: until}, "raw", 5); err == nil {
		t.Error("raw message should not be aggregatable")
	}
}

func TestExecutor_TimeHistogram(t *testing.T) {
	exec := NewExecutor(newTestStore(t))
	since, until := window()

	result, err := exec.TimeHistogram(context.Background(),
		Request{Query: mustParse(t, "user:root"), Since: since, Until: until}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Buckets) != 2 {
		t.Fatalf("Buckets = %+v, want 2", result.Buckets)
	}
	if result.Buckets[0].Key != "2024-03-10T11:00:00Z" || result.Buckets[0].Count != 12 {
		t.Errorf("first bucket = %+v", result.Buckets[0])
	}
	if result.Buckets[1].Key != "2024-03-10T12:00:00Z" || result.Buckets[1].Count != 1 {
		t.Errorf("second bucket = %+v", result.Buckets[1])
	}
}

func TestParseInterval(t *testing.T) {
	if d, err := ParseInterval(""); err != nil || d != time.Hour {
		t.Errorf("default interval = %v, %v", d, err)
	}
	if d, err := ParseInterval("15m"); err != nil || d != 15*time.Minute {
		t.Errorf("15m = %v, %v", d, err)
	}
	if _, err := ParseInterval("fortnight"); err == nil {
		t.Error("unknown interval should fail")
	}
}

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	h := NewHandler(NewExecutor(newTestStore(t)))
	h.now = func() time.Time { return base.Add(time.Hour) }
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func TestHandleSearchGet(t *testing.T) {
	_, mux := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/search?q=user:admin+OR+user:alice&limit=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp SearchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalCount != 2 || len(resp.Results) != 1 || resp.Limit != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleSearch_DefaultWindow(t *testing.T) {
	h, mux := newTestHandler(t)
	// Only the last 24 hours are searched by default.
	h.now = func() time.Time { return base.Add(48 * time.Hour) }

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query":""}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp SearchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalCount != 0 {
		t.Errorf("TotalCount = %d, want 0", resp.TotalCount)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search",
		strings.NewReader(`{"query":"","start_time":"now-3d"}`)))
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalCount != 15 {
		t.Errorf("TotalCount = %d, want 15", resp.TotalCount)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	_, mux := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   string
	}{
		{"invalid json", http.MethodPost, "/v1/search", "{", "failed to parse request body"},
		{"bad query", http.MethodGet, "/v1/search?q=bogus:1", "", "unknown field"},
		{"bad limit", http.MethodGet, "/v1/search?limit=5000", "", "limit must be"},
		{"bad offset", http.MethodGet, "/v1/search?offset=-1", "", "offset must be"},
		{"bad start", http.MethodGet, "/v1/search?start=yesterday", "", "invalid start time"},
		{"inverted window", http.MethodGet, "/v1/search?start=now&end=now-1h", "", "start time is after end time"},
		{"aggregation without field", http.MethodPost, "/v1/aggregations", `{"type":"terms"}`, "field is required"},
		{"aggregation type", http.MethodPost, "/v1/aggregations", `{"type":"avg","field":"ip"}`, "unsupported aggregation type"},
		{"aggregation interval", http.MethodPost, "/v1/aggregations", `{"type":"histogram","interval":"2w"}`, "unsupported interval"},
		{"unknown field values", http.MethodGet, "/v1/fields/tenant/values", "", "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(resp["error"], tt.want) {
				t.Errorf("error = %q, want it to mention %q", resp["error"], tt.want)
			}
		})
	}
}

func TestHandleAggregation(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/aggregations",
		strings.NewReader(`{"type":"terms","field":"type","top_n":1}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result AggregationResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Buckets) != 1 || result.Buckets[0].Key != string(schema.EventFailedLogin) || result.Buckets[0].Count != 13 {
		t.Errorf("Buckets = %+v", result.Buckets)
	}
}

func TestHandleFieldValues(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/fields/ip/values?q=type:ssh_invalid_user", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result AggregationResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Buckets) != 1 || result.Buckets[0].Key != "45.155.205.8" {
		t.Errorf("Buckets = %+v", result.Buckets)
	}
}

func TestHandleSearch_StoreUnavailable(t *testing.T) {
	h := NewHandler(NewExecutor(failingStore{}))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search?q=user:root", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
