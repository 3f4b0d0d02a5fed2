package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

func TestWebhookPublisher(t *testing.T) {
	var (
		gotAlert  schema.Alert
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotHeader = r.Header.Get("X-Siem-Token")
		if err := json.NewDecoder(r.Body).Decode(&gotAlert); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPublisher("soc", srv.URL, map[string]string{"X-Siem-Token": "t0k"})
	alert := &schema.Alert{ID: uuid.New(), Type: schema.AlertCorrelated, Description: "Brute Force Attack from 203.0.113.5"}

	if err := p.Publish(context.Background(), alert); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if gotAlert.ID != alert.ID || gotAlert.Description != alert.Description {
		t.Errorf("received %+v", gotAlert)
	}
	if gotHeader != "t0k" {
		t.Errorf("header = %q", gotHeader)
	}
	if p.Name() != "soc" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestWebhookPublisher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewWebhookPublisher("soc", srv.URL, nil)
	if err := p.Publish(context.Background(), &schema.Alert{ID: uuid.New()}); err == nil {
		t.Error("Publish() error = nil for a 503 response")
	}
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(testLogger())
	if err := p.Publish(context.Background(), &schema.Alert{Type: schema.AlertAnomaly}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
