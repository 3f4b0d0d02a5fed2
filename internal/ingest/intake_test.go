package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"sentinel-siem/internal/ingest/authlog"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/storage"
)

func TestIntake_Submit(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{"failed login", "Failed password for root from 45.155.205.10 port 22 ssh2", nil},
		{"unrecognized", "session opened for user root", authlog.ErrUnrecognized},
		{"empty", "", authlog.ErrEmptyLine},
		{"bad address", "Invalid user x from 300.300.300.300", ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intake, q := newTestIntake(10)
			e, err := intake.Submit(tt.line, TransportHTTP)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if e != nil {
					t.Error("rejected line should return nil event")
				}
				if q.Len() != 0 {
					t.Errorf("queue Len() = %d, want 0", q.Len())
				}
				return
			}
			got, err := q.Pop()
			if err != nil {
				t.Fatalf("Pop() error: %v", err)
			}
			if got.EventID != e.EventID {
				t.Error("queued event differs from returned event")
			}
		})
	}
}

func TestIntake_Stats(t *testing.T) {
	intake, _ := newTestIntake(10)
	intake.Submit("Invalid user a from 45.155.205.11", TransportTCP)
	intake.Submit("Invalid user b from 45.155.205.11", TransportTCP)
	intake.Submit("nothing useful", TransportTCP)

	accepted, rejected := intake.Stats()
	if accepted != 2 || rejected != 1 {
		t.Errorf("Stats() = %d, %d, want 2, 1", accepted, rejected)
	}
}

func TestIntake_UsesClock(t *testing.T) {
	intake, _ := newTestIntake(10)
	fixed := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	intake.now = func() time.Time { return fixed }

	e, err := intake.Normalize("Invalid user a from 45.155.205.11", TransportHTTP)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, fixed)
	}
}

func TestIntake_ClosedQueue(t *testing.T) {
	intake, q := newTestIntake(10)
	q.Close()

	if _, err := intake.Submit("Invalid user a from 45.155.205.11", TransportKafka); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Submit() error = %v, want ErrQueueClosed", err)
	}
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{authlog.ErrUnrecognized, "unrecognized"},
		{authlog.ErrEmptyLine, "empty"},
		{queue.ErrQueueFull, "queue_full"},
		{queue.ErrQueueClosed, "queue_closed"},
		{errors.New("x"), "other"},
	}
	for _, tt := range tests {
		if got := rejectReason(tt.err); got != tt.want {
			t.Errorf("rejectReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIntake_Quarantine(t *testing.T) {
	intake, _ := newTestIntake(10)
	mq := storage.NewMemoryQuarantine(10)
	intake.WithQuarantine(mq)

	intake.Submit("Failed password for root from 45.155.205.10 port 22 ssh2", TransportTCP)
	intake.Submit("session opened for user root", TransportTCP)
	intake.Submit("   ", TransportTCP)
	intake.Submit("Invalid user x from 300.300.300.300", TransportKafka)

	entries := mq.Entries()
	if len(entries) != 2 {
		t.Fatalf("quarantined %d lines, want 2 (blank lines are dropped)", len(entries))
	}
	if entries[0].Reason != "unrecognized" || entries[0].Transport != TransportTCP {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if !strings.HasPrefix(entries[1].Reason, "invalid") || entries[1].Transport != TransportKafka {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if entries[1].Line != "Invalid user x from 300.300.300.300" {
		t.Errorf("entries[1].Line = %q", entries[1].Line)
	}
}
