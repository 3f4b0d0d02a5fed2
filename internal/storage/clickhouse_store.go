package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/goccy/go-json"

	"sentinel-siem/internal/schema"
)

// chConn is the subset of ClickHouseClient used by the store.
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

const eventColumns = "event_id, timestamp, received_at, event_type, source, severity, source_ip, username, raw_message"

const alertColumns = "alert_id, timestamp, alert_type, category, source_ip, username, severity, risk_score, " +
	"anomaly_score, technique_id, technique_name, tactic, kill_chain_stage, incident_key, description, payload"

var sessionColumns = []string{"source_ip", "session_start", "session_end", "event_count"}

// ClickHouseStore implements Store on ClickHouse. Events are inserted with
// a waiting async insert so the next window query already sees them;
// sessions go through a BatchWriter.
type ClickHouseStore struct {
	conn     chConn
	sessions *BatchWriter[schema.Session]
	logger   *slog.Logger
}

// NewClickHouseStore creates a store on an open connection.
func NewClickHouseStore(conn chConn, batchCfg BatchWriterConfig, logger *slog.Logger) *ClickHouseStore {
	return &ClickHouseStore{
		conn: conn,
		sessions: NewBatchWriter(conn, batchCfg, "ueba_sessions", sessionColumns,
			func(s schema.Session) []any {
				return []any{s.IP, s.Start, s.End, uint64(s.EventCount)}
			}, logger),
		logger: logger.With("component", "clickhouse-store"),
	}
}

// Close flushes pending session rows.
func (s *ClickHouseStore) Close() error {
	return s.sessions.Close()
}

// SessionWriter exposes the session batch writer for metrics.
func (s *ClickHouseStore) SessionWriter() *BatchWriter[schema.Session] {
	return s.sessions
}

// InsertEvent stores one event.
func (s *ClickHouseStore) InsertEvent(ctx context.Context, e *schema.Event) error {
	query := "INSERT INTO events (" + eventColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	err := s.conn.AsyncInsert(ctx, query, true,
		e.EventID, e.Timestamp, e.ReceivedAt, string(e.Type), e.Source,
		string(e.Severity), e.SourceIP, e.Username, e.Raw,
	)
	if err != nil {
		return WrapQueryError("InsertEvent", "events", err)
	}
	return nil
}

// whereClause renders q as a WHERE body with positional args.
func (q EventQuery) whereClause() (string, []any) {
	clauses := []string{"timestamp >= ?", "timestamp <= ?"}
	args := []any{q.Since, q.Until}

	if q.SourceIP != "" {
		clauses = append(clauses, "source_ip = ?")
		args = append(args, q.SourceIP)
	}
	if q.Username != "" {
		clauses = append(clauses, "username = ?")
		args = append(args, q.Username)
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		clauses = append(clauses, "event_type IN (?)")
		args = append(args, types)
	}

	return strings.Join(clauses, " AND "), args
}

// Count returns the number of matching events.
func (s *ClickHouseStore) Count(ctx context.Context, q EventQuery) (int, error) {
	where, args := q.whereClause()

	var n uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM events WHERE "+where, args...).Scan(&n); err != nil {
		return 0, WrapQueryError("Count", "events", err)
	}
	return int(n), nil
}

// Distinct returns non-empty distinct values of field.
func (s *ClickHouseStore) Distinct(ctx context.Context, field string, q EventQuery) ([]string, error) {
	if err := validateField(field); err != nil {
		return nil, err
	}
	where, args := q.whereClause()

	query := fmt.Sprintf("SELECT DISTINCT %s FROM events WHERE %s AND %s != ''", field, where, field)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Distinct", "events", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, WrapQueryError("Distinct", "events", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Distinct", "events", err)
	}
	return values, nil
}

// CountByType returns matching event counts grouped by type.
func (s *ClickHouseStore) CountByType(ctx context.Context, q EventQuery) (map[schema.EventType]int, error) {
	where, args := q.whereClause()

	rows, err := s.conn.Query(ctx, "SELECT event_type, count() FROM events WHERE "+where+" GROUP BY event_type", args...)
	if err != nil {
		return nil, WrapQueryError("CountByType", "events", err)
	}
	defer rows.Close()

	counts := make(map[schema.EventType]int)
	for rows.Next() {
		var t string
		var n uint64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, WrapQueryError("CountByType", "events", err)
		}
		counts[schema.EventType(t)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("CountByType", "events", err)
	}
	return counts, nil
}

// Sample returns recent events, newest first.
func (s *ClickHouseStore) Sample(ctx context.Context, since time.Time, limit int) ([]schema.Event, error) {
	return s.selectEvents(ctx, "Sample",
		"SELECT "+eventColumns+" FROM events WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?",
		since, limit)
}

// Timeline returns matching events, oldest first.
func (s *ClickHouseStore) Timeline(ctx context.Context, q EventQuery, limit int) ([]schema.Event, error) {
	where, args := q.whereClause()
	args = append(args, limit)
	return s.selectEvents(ctx, "Timeline",
		"SELECT "+eventColumns+" FROM events WHERE "+where+" ORDER BY timestamp ASC LIMIT ?",
		args...)
}

func (s *ClickHouseStore) selectEvents(ctx context.Context, op, query string, args ...any) ([]schema.Event, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError(op, "events", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var e schema.Event
		var typ, severity string
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.ReceivedAt, &typ, &e.Source,
			&severity, &e.SourceIP, &e.Username, &e.Raw); err != nil {
			return nil, WrapQueryError(op, "events", err)
		}
		e.Type = schema.EventType(typ)
		e.Severity = schema.Severity(severity)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError(op, "events", err)
	}
	return events, nil
}

// InsertAlert stores one alert synchronously.
func (s *ClickHouseStore) InsertAlert(ctx context.Context, a *schema.Alert) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("%w: alert payload: %v", ErrInvalidData, err)
	}

	var techID, techName, tactic string
	if a.Technique != nil {
		techID, techName, tactic = a.Technique.ID, a.Technique.Name, a.Technique.Tactic
	}

	query := "INSERT INTO alerts (" + alertColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if err := s.conn.Exec(ctx, query,
		a.ID, a.Timestamp, string(a.Type), a.Category, a.SourceIP, a.Username,
		string(a.Severity), a.RiskScore, a.AnomalyScore, techID, techName, tactic,
		a.KillChainStage, a.IncidentKey, a.Description, string(payload),
	); err != nil {
		return WrapQueryError("InsertAlert", "alerts", err)
	}
	return nil
}

// ListAlerts returns alerts newest first.
func (s *ClickHouseStore) ListAlerts(ctx context.Context, f AlertFilter) ([]schema.Alert, error) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "alert_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.SourceIP != "" {
		clauses = append(clauses, "source_ip = ?")
		args = append(args, f.SourceIP)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, alertLimit(f.Limit))

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("ListAlerts", "alerts", err)
	}
	defer rows.Close()

	var alerts []schema.Alert
	for rows.Next() {
		var a schema.Alert
		var typ, severity, techID, techName, tactic, payload string
		if err := rows.Scan(&a.ID, &a.Timestamp, &typ, &a.Category, &a.SourceIP, &a.Username,
			&severity, &a.RiskScore, &a.AnomalyScore, &techID, &techName, &tactic,
			&a.KillChainStage, &a.IncidentKey, &a.Description, &payload); err != nil {
			return nil, WrapQueryError("ListAlerts", "alerts", err)
		}
		a.Type = schema.AlertType(typ)
		a.Severity = schema.Severity(severity)
		if techID != "" {
			a.Technique = &schema.Technique{ID: techID, Name: techName, Tactic: tactic}
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
				s.logger.Warn("discarding malformed alert payload", "alert_id", a.ID, "error", err)
			}
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ListAlerts", "alerts", err)
	}
	return alerts, nil
}

// AppendSession buffers a closed session.
func (s *ClickHouseStore) AppendSession(_ context.Context, sess schema.Session) error {
	return s.sessions.Write(sess)
}

// ListSessions returns the most recent closed sessions for ip.
func (s *ClickHouseStore) ListSessions(ctx context.Context, ip string, limit int) ([]schema.Session, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT source_ip, session_start, session_end, event_count FROM ueba_sessions WHERE source_ip = ? ORDER BY session_start DESC LIMIT ?",
		ip, alertLimit(limit))
	if err != nil {
		return nil, WrapQueryError("ListSessions", "ueba_sessions", err)
	}
	defer rows.Close()

	var sessions []schema.Session
	for rows.Next() {
		var sess schema.Session
		var count uint64
		if err := rows.Scan(&sess.IP, &sess.Start, &sess.End, &count); err != nil {
			return nil, WrapQueryError("ListSessions", "ueba_sessions", err)
		}
		sess.EventCount = int64(count)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func alertLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
