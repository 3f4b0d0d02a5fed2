package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

func seededHandler(t *testing.T) *http.ServeMux {
	t.Helper()

	store := storage.NewMemoryStore(0)
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	alerts := []schema.Alert{
		{Type: schema.AlertCorrelated, Severity: schema.SeverityHigh, SourceIP: "203.0.113.5", Timestamp: base},
		{Type: schema.AlertUEBA, Severity: schema.SeverityMedium, SourceIP: "203.0.113.6", Timestamp: base.Add(time.Hour)},
		{Type: schema.AlertAnomaly, Severity: schema.SeverityHigh, SourceIP: "203.0.113.5", Timestamp: base.Add(2 * time.Hour)},
	}
	for i := range alerts {
		alerts[i].ID = uuid.New()
		if err := store.InsertAlert(context.Background(), &alerts[i]); err != nil {
			t.Fatal(err)
		}
	}

	mux := http.NewServeMux()
	NewHandler(NewEmitter(DefaultEmitterConfig(), store, testLogger()), nil).RegisterRoutes(mux)
	return mux
}

func TestHandleListAlerts(t *testing.T) {
	mux := seededHandler(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"all", "", http.StatusOK, 3},
		{"by type", "?type=anomaly_detected", http.StatusOK, 1},
		{"by severity", "?severity=high", http.StatusOK, 2},
		{"by ip", "?ip=203.0.113.6", http.StatusOK, 1},
		{"since", "?since=2026-06-01T10:00:00Z", http.StatusOK, 2},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"no match", "?ip=198.51.100.1", http.StatusOK, 0},
		{"unknown type", "?type=phishing", http.StatusBadRequest, 0},
		{"unknown severity", "?severity=extreme", http.StatusBadRequest, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0},
		{"limit too large", "?limit=1001", http.StatusBadRequest, 0},
		{"limit zero", "?limit=0", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/alerts"+tt.query, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body struct {
				Alerts []schema.Alert `json:"alerts"`
				Total  int            `json:"total"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Alerts == nil {
				t.Error("alerts is null, want array")
			}
			if body.Total != tt.wantTotal || len(body.Alerts) != tt.wantTotal {
				t.Errorf("total = %d (%d alerts), want %d", body.Total, len(body.Alerts), tt.wantTotal)
			}
		})
	}
}

func TestHandler_StreamRouteRequiresHub(t *testing.T) {
	mux := seededHandler(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/alerts", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a hub", rec.Code)
	}
}
