package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// batchPreparer is the subset of the ClickHouse client used for batches.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// BatchWriter buffers rows of one table and inserts them in batches, on
// size or on a timer. It is used for append-only logs whose rows are not
// read back by detectors on the hot path.
type BatchWriter[T any] struct {
	client  batchPreparer
	config  BatchWriterConfig
	table   string
	columns []string
	row     func(T) []any
	logger  *slog.Logger

	buffer []T
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a writer for table. row maps an item to values in
// the order of columns.
func NewBatchWriter[T any](client batchPreparer, cfg BatchWriterConfig, table string, columns []string, row func(T) []any, logger *slog.Logger) *BatchWriter[T] {
	bw := &BatchWriter[T]{
		client:  client,
		config:  cfg,
		table:   table,
		columns: columns,
		row:     row,
		logger:  logger.With("component", "batch-writer", "table", table),
		buffer:  make([]T, 0, cfg.BatchSize),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds an item to the batch.
func (bw *BatchWriter[T]) Write(item T) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrClosed
	}

	bw.buffer = append(bw.buffer, item)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

func (bw *BatchWriter[T]) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if err := bw.flushLocked(); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter[T]) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	items := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		err := bw.insertBatch(items)
		if err == nil {
			bw.totalWritten.Add(uint64(len(items)))
			bw.batchCount.Add(1)
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			bw.logger.Error("batch insert failed, not retrying", "error", err)
			bw.totalFailed.Add(uint64(len(items)))
			return WrapBatchError(bw.table, err, attempt)
		}
		bw.logger.Warn("batch insert failed, retrying",
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}

	bw.totalFailed.Add(uint64(len(items)))
	return WrapBatchError(bw.table, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter[T]) insertBatch(items []T) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (%s)", bw.table, strings.Join(bw.columns, ", "))
	batch, err := bw.client.PrepareBatch(ctx, query)
	if err != nil {
		return classifyBatchError("PrepareBatch", bw.table, err)
	}

	for _, item := range items {
		if err := batch.Append(bw.row(item)...); err != nil {
			batch.Abort()
			return &StorageError{
				Op:    "Append",
				Table: bw.table,
				Err:   fmt.Errorf("%w: %v", ErrInvalidData, err),
			}
		}
	}

	if err := batch.Send(); err != nil {
		return classifyBatchError("Send", bw.table, err)
	}

	bw.logger.Debug("batch inserted", "count", len(items))
	return nil
}

// classifyBatchError maps a driver error to the storage sentinels. Server
// exceptions are rejected queries and are not retried; anything else is
// treated as a transport failure.
func classifyBatchError(op, table string, err error) error {
	var ex *clickhouse.Exception
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapQueryError(op, table, err)
	case errors.As(err, &ex):
		return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
	default:
		return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter[T]) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter[T]) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()

	return bw.flushLocked()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
