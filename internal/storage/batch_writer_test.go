package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sentinel-siem/internal/schema"
)

// ---------------------------------------------------------------------------
// Mock connection and batch for unit testing without a ClickHouse server.
// ---------------------------------------------------------------------------

type mockConn struct {
	mu sync.Mutex

	prepareBatchFunc func(ctx context.Context, query string) (driver.Batch, error)
	execFunc         func(query string, args ...any) error
	asyncInsertFunc  func(query string, wait bool, args ...any) error

	preparedQueries []string
	execQueries     []string
	execArgs        [][]any
	asyncQueries    []string
	asyncArgs       [][]any
	asyncWaits      []bool
}

func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row { return nil }

func (m *mockConn) Exec(_ context.Context, query string, args ...any) error {
	m.mu.Lock()
	m.execQueries = append(m.execQueries, query)
	m.execArgs = append(m.execArgs, args)
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(query, args...)
	}
	return nil
}

func (m *mockConn) AsyncInsert(_ context.Context, query string, wait bool, args ...any) error {
	m.mu.Lock()
	m.asyncQueries = append(m.asyncQueries, query)
	m.asyncArgs = append(m.asyncArgs, args)
	m.asyncWaits = append(m.asyncWaits, wait)
	m.mu.Unlock()
	if m.asyncInsertFunc != nil {
		return m.asyncInsertFunc(query, wait, args...)
	}
	return nil
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	m.mu.Lock()
	m.preparedQueries = append(m.preparedQueries, query)
	m.mu.Unlock()
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu       sync.Mutex
	rows       [][]any
	aborted    bool
	sendFunc   func() error
	appendFunc func(v ...any) error
}

func (m *mockBatch) Abort() error {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
	return nil
}

func (m *mockBatch) Append(v ...any) error {
	if m.appendFunc != nil {
		if err := m.appendFunc(v...); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}

func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return len(m.rows) }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionWriter(conn *mockConn, cfg BatchWriterConfig) *BatchWriter[schema.Session] {
	return NewBatchWriter(conn, cfg, "ueba_sessions", sessionColumns,
		func(s schema.Session) []any {
			return []any{s.IP, s.Start, s.End, uint64(s.EventCount)}
		}, testLogger())
}

func testSession(i int) schema.Session {
	start := time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)
	return schema.Session{IP: "203.0.113.5", Start: start, End: start.Add(30 * time.Second), EventCount: int64(i + 1)}
}

func noFlushConfig(batchSize int) BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != time.Second {
		t.Errorf("FlushInterval = %v, want 1s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestBatchWriterWriteBuffers(t *testing.T) {
	bw := newSessionWriter(&mockConn{}, noFlushConfig(100))
	defer bw.Close()

	for i := 0; i < 5; i++ {
		if err := bw.Write(testSession(i)); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 5 {
		t.Errorf("Pending = %d, want 5", metrics.Pending)
	}
	if metrics.Written != 0 || metrics.Batches != 0 {
		t.Errorf("unexpected flush: %+v", metrics)
	}
}

func TestBatchWriterWriteWhenClosed(t *testing.T) {
	bw := newSessionWriter(&mockConn{}, DefaultBatchWriterConfig())

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bw.Write(testSession(0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close() error = %v, want ErrClosed", err)
	}
	if err := bw.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBatchWriterFlushOnBatchSize(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string) (driver.Batch, error) { return batch, nil },
	}
	bw := newSessionWriter(conn, noFlushConfig(3))
	defer bw.Close()

	for i := 0; i < 3; i++ {
		if err := bw.Write(testSession(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 0 || metrics.Written != 3 || metrics.Batches != 1 {
		t.Errorf("metrics = %+v, want 3 written in 1 batch", metrics)
	}
	if len(batch.rows) != 3 {
		t.Fatalf("appended rows = %d, want 3", len(batch.rows))
	}

	row := batch.rows[2]
	if row[0] != "203.0.113.5" {
		t.Errorf("row[0] = %v, want source ip", row[0])
	}
	if row[3] != uint64(3) {
		t.Errorf("row[3] = %v, want event count 3", row[3])
	}

	want := "INSERT INTO ueba_sessions (source_ip, session_start, session_end, event_count)"
	if len(conn.preparedQueries) != 1 || conn.preparedQueries[0] != want {
		t.Errorf("prepared = %q, want %q", conn.preparedQueries, want)
	}
}

func TestBatchWriterMultipleBatches(t *testing.T) {
	bw := newSessionWriter(&mockConn{}, noFlushConfig(3))
	defer bw.Close()

	for i := 0; i < 12; i++ {
		if err := bw.Write(testSession(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Written != 12 || metrics.Batches != 4 || metrics.Pending != 0 {
		t.Errorf("metrics = %+v, want 12 written in 4 batches", metrics)
	}
}

func TestBatchWriterCloseFlushesBuffer(t *testing.T) {
	var sendCalled atomic.Bool
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				sendCalled.Store(true)
				return nil
			}}, nil
		},
	}
	bw := newSessionWriter(conn, noFlushConfig(100))

	for i := 0; i < 3; i++ {
		if err := bw.Write(testSession(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !sendCalled.Load() {
		t.Error("Close() did not send buffered rows")
	}
	if metrics := bw.Metrics(); metrics.Written != 3 || metrics.Pending != 0 {
		t.Errorf("metrics after close = %+v", metrics)
	}
}

func TestBatchWriterTimerFlush(t *testing.T) {
	conn := &mockConn{}
	bw := newSessionWriter(conn, BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	})
	defer bw.Close()

	if err := bw.Write(testSession(0)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bw.Metrics().Written == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("timer flush did not write the row, metrics = %+v", bw.Metrics())
}

func TestBatchWriterFlushFailure(t *testing.T) {
	var attempts atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string) (driver.Batch, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		},
	}
	cfg := noFlushConfig(3)
	cfg.MaxRetries = 2
	bw := newSessionWriter(conn, cfg)
	defer bw.Close()

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = bw.Write(testSession(i))
	}

	if !errors.Is(lastErr, ErrBatchInsertFailed) {
		t.Errorf("flush error = %v, want ErrBatchInsertFailed", lastErr)
	}
	var se *StorageError
	if !errors.As(lastErr, &se) || se.Retries != 2 || se.Table != "ueba_sessions" {
		t.Errorf("flush error = %#v, want StorageError with 2 retries", lastErr)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("PrepareBatch attempts = %d, want 3", got)
	}

	metrics := bw.Metrics()
	if metrics.Failed != 3 || metrics.Written != 0 || metrics.Batches != 0 {
		t.Errorf("metrics = %+v, want 3 failed", metrics)
	}
}

func TestBatchWriterSendFailureRetries(t *testing.T) {
	var calls atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				if calls.Add(1) == 1 {
					return errors.New("broken pipe")
				}
				return nil
			}}, nil
		},
	}
	cfg := noFlushConfig(2)
	cfg.MaxRetries = 1
	bw := newSessionWriter(conn, cfg)
	defer bw.Close()

	for i := 0; i < 2; i++ {
		if err := bw.Write(testSession(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if metrics := bw.Metrics(); metrics.Written != 2 || metrics.Failed != 0 {
		t.Errorf("metrics = %+v, want retry to succeed", metrics)
	}
}

func TestBatchWriterRetriesOnlyTransientFailures(t *testing.T) {
	tests := []struct {
		name         string
		batch        func() *mockBatch
		wantAttempts int32
		wantErr      error
	}{
		{
			name: "connection reset",
			batch: func() *mockBatch {
				return &mockBatch{sendFunc: func() error { return errors.New("connection reset by peer") }}
			},
			wantAttempts: 3,
			wantErr:      ErrConnectionFailed,
		},
		{
			name: "deadline",
			batch: func() *mockBatch {
				return &mockBatch{sendFunc: func() error { return context.DeadlineExceeded }}
			},
			wantAttempts: 3,
			wantErr:      ErrTimeout,
		},
		{
			name: "server exception",
			batch: func() *mockBatch {
				return &mockBatch{sendFunc: func() error {
					return &clickhouse.Exception{Code: 60, Message: "Table default.ueba_sessions does not exist"}
				}}
			},
			wantAttempts: 1,
			wantErr:      ErrQueryFailed,
		},
		{
			name: "bad row",
			batch: func() *mockBatch {
				return &mockBatch{appendFunc: func(...any) error { return errors.New("converting string to UInt64") }}
			},
			wantAttempts: 1,
			wantErr:      ErrInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			conn := &mockConn{
				prepareBatchFunc: func(context.Context, string) (driver.Batch, error) {
					attempts.Add(1)
					return tt.batch(), nil
				},
			}
			cfg := noFlushConfig(1)
			cfg.MaxRetries = 2
			cfg.RetryDelay = time.Millisecond
			bw := newSessionWriter(conn, cfg)
			defer bw.Close()

			err := bw.Write(testSession(0))
			if !errors.Is(err, ErrBatchInsertFailed) || !errors.Is(err, tt.wantErr) {
				t.Errorf("Write() error = %v, want %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if m := bw.Metrics(); m.Failed != 1 {
				t.Errorf("metrics = %+v, want 1 failed", m)
			}
		})
	}
}

func TestBatchWriterConcurrentWrite(t *testing.T) {
	bw := newSessionWriter(&mockConn{}, noFlushConfig(10))
	defer bw.Close()

	const goroutines, perGoroutine = 10, 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = bw.Write(testSession(i))
			}
		}()
	}
	wg.Wait()

	metrics := bw.Metrics()
	accounted := int(metrics.Written) + metrics.Pending + int(metrics.Failed)
	if accounted != goroutines*perGoroutine {
		t.Errorf("Written(%d) + Pending(%d) + Failed(%d) = %d, want %d",
			metrics.Written, metrics.Pending, metrics.Failed, accounted, goroutines*perGoroutine)
	}
}

func TestEventQueryWhereClause(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(2 * time.Minute)

	tests := []struct {
		name     string
		q        EventQuery
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "time bounds only",
			q:        EventQuery{Since: since, Until: until},
			wantSQL:  "timestamp >= ? AND timestamp <= ?",
			wantArgs: 2,
		},
		{
			name:     "ip and types",
			q:        EventQuery{Since: since, Until: until, SourceIP: "10.0.0.1", Types: []schema.EventType{schema.EventFailedLogin}},
			wantSQL:  "timestamp >= ? AND timestamp <= ? AND source_ip = ? AND event_type IN (?)",
			wantArgs: 4,
		},
		{
			name:     "username",
			q:        EventQuery{Since: since, Until: until, Username: "root"},
			wantSQL:  "timestamp >= ? AND timestamp <= ? AND username = ?",
			wantArgs: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := tt.q.whereClause()
			if sql != tt.wantSQL {
				t.Errorf("whereClause() = %q, want %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func TestClickHouseStoreInsertEventWaits(t *testing.T) {
	conn := &mockConn{}
	store := NewClickHouseStore(conn, noFlushConfig(10), testLogger())
	defer store.Close()

	e := &schema.Event{Timestamp: time.Now(), Type: schema.EventFailedLogin, SourceIP: "10.0.0.1"}
	if err := store.InsertEvent(context.Background(), e); err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}

	if len(conn.asyncWaits) != 1 || !conn.asyncWaits[0] {
		t.Fatalf("AsyncInsert waits = %v, want a single waiting insert", conn.asyncWaits)
	}
	if !strings.HasPrefix(conn.asyncQueries[0], "INSERT INTO events") {
		t.Errorf("query = %q", conn.asyncQueries[0])
	}
	if conn.asyncArgs[0][3] != "ssh_failed_login" {
		t.Errorf("event_type arg = %v", conn.asyncArgs[0][3])
	}
}

func TestClickHouseStoreInsertEventError(t *testing.T) {
	conn := &mockConn{
		asyncInsertFunc: func(string, bool, ...any) error { return context.DeadlineExceeded },
	}
	store := NewClickHouseStore(conn, noFlushConfig(10), testLogger())
	defer store.Close()

	err := store.InsertEvent(context.Background(), &schema.Event{Timestamp: time.Now()})
	if !IsTimeout(err) {
		t.Errorf("InsertEvent() error = %v, want timeout", err)
	}
}

func TestClickHouseStoreInsertAlert(t *testing.T) {
	conn := &mockConn{}
	store := NewClickHouseStore(conn, noFlushConfig(10), testLogger())
	defer store.Close()

	score := 0.71
	a := &schema.Alert{
		Type:         schema.AlertAnomaly,
		SourceIP:     "10.0.0.1",
		Severity:     schema.SeverityHigh,
		AnomalyScore: &score,
		Technique:    &schema.Technique{ID: "T1110", Name: "Brute Force", Tactic: "Credential Access"},
		Payload:      map[string]any{"ml_model": "isolation_forest"},
	}
	if err := store.InsertAlert(context.Background(), a); err != nil {
		t.Fatalf("InsertAlert() error = %v", err)
	}

	if len(conn.execArgs) != 1 {
		t.Fatalf("Exec calls = %d, want 1", len(conn.execArgs))
	}
	args := conn.execArgs[0]
	if args[9] != "T1110" {
		t.Errorf("technique_id arg = %v", args[9])
	}
	if payload, _ := args[15].(string); !strings.Contains(payload, "isolation_forest") {
		t.Errorf("payload arg = %v", args[15])
	}
}

func TestClickHouseStoreAppendSession(t *testing.T) {
	conn := &mockConn{}
	store := NewClickHouseStore(conn, noFlushConfig(10), testLogger())

	if err := store.AppendSession(context.Background(), testSession(0)); err != nil {
		t.Fatalf("AppendSession() error = %v", err)
	}
	if store.SessionWriter().Metrics().Pending != 1 {
		t.Error("session not buffered")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if store.SessionWriter().Metrics().Written != 1 {
		t.Error("session not flushed on close")
	}
}

func TestDistinctRejectsUnknownField(t *testing.T) {
	store := NewClickHouseStore(&mockConn{}, noFlushConfig(10), testLogger())
	defer store.Close()

	_, err := store.Distinct(context.Background(), "raw_message; DROP TABLE events", EventQuery{})
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("Distinct() error = %v, want ErrInvalidData", err)
	}
}
