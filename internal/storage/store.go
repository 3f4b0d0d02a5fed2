package storage

import (
	"context"
	"fmt"
	"time"

	"sentinel-siem/internal/schema"
)

// EventQuery scopes an event-store query. Since and Until are inclusive
// bounds and are always supplied by the caller. Empty SourceIP, Username
// or Types mean "any".
type EventQuery struct {
	Since    time.Time
	Until    time.Time
	SourceIP string
	Username string
	Types    []schema.EventType
}

// Field names accepted by Distinct.
const (
	FieldSourceIP = "source_ip"
	FieldUsername = "username"
)

// EventStore is the durable event log every detector queries.
type EventStore interface {
	InsertEvent(ctx context.Context, event *schema.Event) error
	Count(ctx context.Context, q EventQuery) (int, error)
	// Distinct returns the non-empty values of field among matching events.
	Distinct(ctx context.Context, field string, q EventQuery) ([]string, error)
	CountByType(ctx context.Context, q EventQuery) (map[schema.EventType]int, error)
	// Sample returns up to limit events newer than since, newest first.
	Sample(ctx context.Context, since time.Time, limit int) ([]schema.Event, error)
	// Timeline returns up to limit matching events, oldest first.
	Timeline(ctx context.Context, q EventQuery, limit int) ([]schema.Event, error)
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	Type     schema.AlertType
	Severity schema.Severity
	SourceIP string
	Since    time.Time
	Limit    int
}

// AlertStore persists emitted alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *schema.Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]schema.Alert, error)
}

// SessionLog is the append-only record of closed sessions.
type SessionLog interface {
	AppendSession(ctx context.Context, s schema.Session) error
	ListSessions(ctx context.Context, ip string, limit int) ([]schema.Session, error)
}

// Store groups the three adapters a deployment provides.
type Store interface {
	EventStore
	AlertStore
	SessionLog
}

func validateField(field string) error {
	switch field {
	case FieldSourceIP, FieldUsername:
		return nil
	}
	return fmt.Errorf("%w: unsupported distinct field %q", ErrInvalidData, field)
}

func (q EventQuery) matches(e *schema.Event) bool {
	if e.Timestamp.Before(q.Since) || e.Timestamp.After(q.Until) {
		return false
	}
	if q.SourceIP != "" && e.SourceIP != q.SourceIP {
		return false
	}
	if q.Username != "" && e.Username != q.Username {
		return false
	}
	if len(q.Types) > 0 {
		for _, t := range q.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

func (f AlertFilter) matches(a *schema.Alert) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.SourceIP != "" && a.SourceIP != f.SourceIP {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
