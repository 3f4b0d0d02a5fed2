package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QuarantineEntry is a raw line that could not be parsed or validated.
type QuarantineEntry struct {
	ID         uuid.UUID `json:"id"`
	At         time.Time `json:"quarantined_at"`
	Line       string    `json:"raw_line"`
	Transport  string    `json:"transport"` // "http", "tcp", "dtls", "kafka", "file"
	RemoteAddr string    `json:"remote_addr"`
	Reason     string    `json:"reason"`
}

// Quarantiner accepts rejected lines.
type Quarantiner interface {
	Quarantine(ctx context.Context, entry QuarantineEntry) error
}

var quarantineColumns = []string{"quarantine_id", "quarantined_at", "raw_line", "transport", "remote_addr", "reason"}

// QuarantineWriter batches rejected lines into lines_quarantine.
type QuarantineWriter struct {
	writer *BatchWriter[QuarantineEntry]
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *QuarantineWriter {
	return &QuarantineWriter{
		client: client,
		writer: NewBatchWriter(client, cfg, "lines_quarantine", quarantineColumns,
			func(e QuarantineEntry) []any {
				return []any{e.ID, e.At, e.Line, e.Transport, e.RemoteAddr, e.Reason}
			}, logger),
	}
}

// Quarantine buffers one entry.
func (qw *QuarantineWriter) Quarantine(_ context.Context, entry QuarantineEntry) error {
	return qw.writer.Write(stamp(entry))
}

// Count returns the number of quarantined lines.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	var count uint64
	if err := qw.client.QueryRow(ctx, "SELECT count() FROM lines_quarantine").Scan(&count); err != nil {
		return 0, WrapQueryError("Count", "lines_quarantine", err)
	}
	return count, nil
}

// Metrics returns the underlying writer statistics.
func (qw *QuarantineWriter) Metrics() BatchWriterMetrics {
	return qw.writer.Metrics()
}

// Close flushes pending entries.
func (qw *QuarantineWriter) Close() error {
	return qw.writer.Close()
}

// MemoryQuarantine keeps the most recent rejected lines in memory.
type MemoryQuarantine struct {
	mu      sync.Mutex
	entries []QuarantineEntry
	limit   int
}

// NewMemoryQuarantine creates a quarantine holding at most limit entries.
func NewMemoryQuarantine(limit int) *MemoryQuarantine {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryQuarantine{limit: limit}
}

// Quarantine stores one entry, evicting the oldest when full.
func (mq *MemoryQuarantine) Quarantine(_ context.Context, entry QuarantineEntry) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	mq.entries = append(mq.entries, stamp(entry))
	if over := len(mq.entries) - mq.limit; over > 0 {
		mq.entries = append(mq.entries[:0:0], mq.entries[over:]...)
	}
	return nil
}

// Entries returns a copy of the stored entries, oldest first.
func (mq *MemoryQuarantine) Entries() []QuarantineEntry {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return append([]QuarantineEntry(nil), mq.entries...)
}

func stamp(e QuarantineEntry) QuarantineEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}
