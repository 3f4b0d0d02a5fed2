package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings per table. Zero disables a policy.
type RetentionConfig struct {
	EventsTTL     time.Duration
	AlertsTTL     time.Duration
	SessionsTTL   time.Duration
	QuarantineTTL time.Duration
}

// RetentionManager applies TTL policies to the ClickHouse tables.
type RetentionManager struct {
	client interface {
		Exec(ctx context.Context, query string, args ...any) error
	}
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
		logger: logger.With("component", "retention"),
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (r *RetentionManager) policies() []tablePolicy {
	return []tablePolicy{
		{"events", "timestamp", r.config.EventsTTL},
		{"alerts", "timestamp", r.config.AlertsTTL},
		{"ueba_sessions", "session_start", r.config.SessionsTTL},
		{"lines_quarantine", "quarantined_at", r.config.QuarantineTTL},
	}
}

// ApplyTTLs updates table TTLs to match the configured retention. Run it
// after migrations. Failures are logged and do not stop startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		if p.ttl <= 0 {
			continue
		}

		days := ttlDays(p.ttl)
		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			p.table, p.column, days,
		)

		if err := r.client.Exec(ctx, query); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "ttl_days", days, "error", err)
			continue
		}

		r.logger.Info("applied retention policy", "table", p.table, "ttl_days", days)
	}

	return nil
}

func ttlDays(ttl time.Duration) int {
	days := int(ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}
