package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTTLDays(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int
	}{
		{time.Hour, 1},
		{24 * time.Hour, 1},
		{90 * 24 * time.Hour, 90},
		{36 * time.Hour, 1},
	}
	for _, tt := range tests {
		if got := ttlDays(tt.ttl); got != tt.want {
			t.Errorf("ttlDays(%v) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestApplyTTLs(t *testing.T) {
	conn := &mockConn{
		execFunc: func(query string, _ ...any) error {
			if strings.Contains(query, "ueba_sessions") {
				return errors.New("table missing")
			}
			return nil
		},
	}
	r := &RetentionManager{
		client: conn,
		config: RetentionConfig{EventsTTL: 30 * 24 * time.Hour, SessionsTTL: time.Hour},
		logger: testLogger(),
	}

	if err := r.ApplyTTLs(context.Background()); err != nil {
		t.Fatalf("ApplyTTLs() error = %v", err)
	}

	if len(conn.execQueries) != 2 {
		t.Fatalf("Exec calls = %d, want 2 (zero TTLs skipped)", len(conn.execQueries))
	}
	want := "ALTER TABLE events MODIFY TTL toDateTime(timestamp) + INTERVAL 30 DAY DELETE"
	if conn.execQueries[0] != want {
		t.Errorf("query = %q, want %q", conn.execQueries[0], want)
	}
}
