// Package storage provides the event, alert and session stores backed by
// ClickHouse, plus an in-memory implementation for tests and single-node runs.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Storage error types for categorizing storage failures.
var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrNotFound          = errors.New("storage: not found")
	ErrTimeout           = errors.New("storage: operation timeout")
	ErrInvalidData       = errors.New("storage: invalid data")
	ErrClosed            = errors.New("storage: writer closed")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op      string // e.g. "Count", "InsertEvent"
	Table   string
	Err     error
	Retries int
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err is a storage or context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable checks if the error is retryable (connection or timeout).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || IsTimeout(err)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error. Context deadlines are
// reported as ErrTimeout so callers can fail open on slow stores.
func WrapQueryError(op, table string, err error) error {
	sentinel := ErrQueryFailed
	if errors.Is(err, context.DeadlineExceeded) {
		sentinel = ErrTimeout
	}
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", sentinel, err),
	}
}

// WrapBatchError wraps a failed batch insert with its retry count.
func WrapBatchError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "BatchInsert",
		Table:   table,
		Err:     fmt.Errorf("%w: %w", ErrBatchInsertFailed, err),
		Retries: retries,
	}
}
