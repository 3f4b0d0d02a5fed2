package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel-siem/internal/schema"
)

// MemoryStore implements Store in process memory. Events are indexed by
// source IP and username; queries without either scan the full log.
type MemoryStore struct {
	mu sync.RWMutex

	events  []*schema.Event
	byIP    map[string][]*schema.Event
	byUser  map[string][]*schema.Event
	alerts  []schema.Alert
	session map[string][]schema.Session

	retention time.Duration
	newest    time.Time
}

// NewMemoryStore creates an empty store. A positive retention prunes events
// older than the newest event minus retention as inserts arrive.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		byIP:      make(map[string][]*schema.Event),
		byUser:    make(map[string][]*schema.Event),
		session:   make(map[string][]schema.Session),
		retention: retention,
	}
}

// InsertEvent stores a copy of e.
func (m *MemoryStore) InsertEvent(_ context.Context, e *schema.Event) error {
	if e == nil {
		return ErrInvalidData
	}
	ev := *e

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, &ev)
	if ev.SourceIP != "" {
		m.byIP[ev.SourceIP] = append(m.byIP[ev.SourceIP], &ev)
	}
	if ev.Username != "" {
		m.byUser[ev.Username] = append(m.byUser[ev.Username], &ev)
	}

	if ev.Timestamp.After(m.newest) {
		m.newest = ev.Timestamp
	}
	if m.retention > 0 && len(m.events)%1024 == 0 {
		m.pruneLocked(m.newest.Add(-m.retention))
	}
	return nil
}

func (m *MemoryStore) pruneLocked(cutoff time.Time) {
	keep := func(list []*schema.Event) []*schema.Event {
		out := list[:0]
		for _, e := range list {
			if !e.Timestamp.Before(cutoff) {
				out = append(out, e)
			}
		}
		return out
	}

	m.events = keep(m.events)
	for ip, list := range m.byIP {
		if list = keep(list); len(list) == 0 {
			delete(m.byIP, ip)
		} else {
			m.byIP[ip] = list
		}
	}
	for user, list := range m.byUser {
		if list = keep(list); len(list) == 0 {
			delete(m.byUser, user)
		} else {
			m.byUser[user] = list
		}
	}
}

// candidates returns the smallest indexed list covering q. Caller holds
// the read lock.
func (m *MemoryStore) candidates(q EventQuery) []*schema.Event {
	switch {
	case q.SourceIP != "" && q.Username != "":
		ips, users := m.byIP[q.SourceIP], m.byUser[q.Username]
		if len(users) < len(ips) {
			return users
		}
		return ips
	case q.SourceIP != "":
		return m.byIP[q.SourceIP]
	case q.Username != "":
		return m.byUser[q.Username]
	}
	return m.events
}

// Count returns the number of matching events.
func (m *MemoryStore) Count(_ context.Context, q EventQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.candidates(q) {
		if q.matches(e) {
			n++
		}
	}
	return n, nil
}

// Distinct returns non-empty distinct values of field, sorted.
func (m *MemoryStore) Distinct(_ context.Context, field string, q EventQuery) ([]string, error) {
	if err := validateField(field); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range m.candidates(q) {
		if !q.matches(e) {
			continue
		}
		v := e.SourceIP
		if field == FieldUsername {
			v = e.Username
		}
		if v != "" {
			seen[v] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, nil
}

// CountByType returns matching event counts grouped by type.
func (m *MemoryStore) CountByType(_ context.Context, q EventQuery) (map[schema.EventType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[schema.EventType]int)
	for _, e := range m.candidates(q) {
		if q.matches(e) {
			counts[e.Type]++
		}
	}
	return counts, nil
}

// Sample returns up to limit events at or after since, newest first.
func (m *MemoryStore) Sample(_ context.Context, since time.Time, limit int) ([]schema.Event, error) {
	m.mu.RLock()
	var out []schema.Event
	for _, e := range m.events {
		if !e.Timestamp.Before(since) {
			out = append(out, *e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Timeline returns up to limit matching events, oldest first.
func (m *MemoryStore) Timeline(_ context.Context, q EventQuery, limit int) ([]schema.Event, error) {
	m.mu.RLock()
	var out []schema.Event
	for _, e := range m.candidates(q) {
		if q.matches(e) {
			out = append(out, *e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertAlert stores a copy of a.
func (m *MemoryStore) InsertAlert(_ context.Context, a *schema.Alert) error {
	if a == nil {
		return ErrInvalidData
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, *a)
	m.mu.Unlock()
	return nil
}

// ListAlerts returns matching alerts, newest first.
func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]schema.Alert, error) {
	limit := alertLimit(f.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schema.Alert
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if f.matches(&m.alerts[i]) {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}

// AppendSession records a closed session.
func (m *MemoryStore) AppendSession(_ context.Context, s schema.Session) error {
	m.mu.Lock()
	m.session[s.IP] = append(m.session[s.IP], s)
	m.mu.Unlock()
	return nil
}

// ListSessions returns the most recent sessions for ip, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, ip string, limit int) ([]schema.Session, error) {
	limit = alertLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.session[ip]
	out := make([]schema.Session, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// EventCount returns the number of retained events.
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
