package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// flakyPublisher fails the first failures calls.
type flakyPublisher struct {
	failures int
	calls    int
}

func (f *flakyPublisher) Name() string { return "flaky" }

func (f *flakyPublisher) Publish(context.Context, *schema.Alert) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("temporarily unavailable")
	}
	return nil
}

func fastDelivery() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
		DeadLetterSize: 2,
	}
}

func TestRetryPublisher(t *testing.T) {
	tests := []struct {
		name          string
		failures      int
		wantErr       bool
		wantCalls     int
		wantDeadCount int
	}{
		{"first attempt", 0, false, 1, 0},
		{"recovers on retry", 2, false, 3, 0},
		{"exhausts attempts", 5, true, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &flakyPublisher{failures: tt.failures}
			p := NewRetryPublisher(next, fastDelivery(), testLogger())

			err := p.Publish(context.Background(), &schema.Alert{ID: uuid.New()})
			if (err != nil) != tt.wantErr {
				t.Errorf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if next.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", next.calls, tt.wantCalls)
			}
			dead := p.DeadLetters()
			if len(dead) != tt.wantDeadCount {
				t.Fatalf("dead letters = %d, want %d", len(dead), tt.wantDeadCount)
			}
			if tt.wantDeadCount > 0 {
				if dead[0].Status != DeliveryDeadLetter || dead[0].Attempts != 3 || dead[0].Publisher != "flaky" {
					t.Errorf("record = %+v", dead[0])
				}
			}
		})
	}
}

func TestRetryPublisher_ContextCancelled(t *testing.T) {
	cfg := fastDelivery()
	cfg.InitialBackoff = time.Hour
	next := &flakyPublisher{failures: 10}
	p := NewRetryPublisher(next, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Publish(ctx, &schema.Alert{ID: uuid.New()}); err == nil {
		t.Fatal("Publish() error = nil")
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}
	if len(p.DeadLetters()) != 1 {
		t.Error("cancelled delivery not dead-lettered")
	}
}

func TestRetryPublisher_DeadLetterBounded(t *testing.T) {
	p := NewRetryPublisher(&flakyPublisher{failures: 100}, fastDelivery(), testLogger())

	var last uuid.UUID
	for i := 0; i < 4; i++ {
		last = uuid.New()
		_ = p.Publish(context.Background(), &schema.Alert{ID: last})
	}

	dead := p.DeadLetters()
	if len(dead) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(dead))
	}
	if dead[1].AlertID != last {
		t.Error("newest record not kept")
	}
	if got := p.Stats()["dead_letter_count"]; got != 2 {
		t.Errorf("dead_letter_count = %v", got)
	}
}
