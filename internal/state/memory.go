package state

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"sentinel-siem/internal/schema"
)

const stripes = 64

// MemoryStore keeps records in maps guarded by striped mutexes so updates
// to different keys rarely contend.
type MemoryStore struct {
	locks [stripes]sync.Mutex

	mu        sync.RWMutex
	ips       map[string]schema.IPProfile
	users     map[string]schema.UserProfile
	incidents map[string]schema.Incident
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ips:       make(map[string]schema.IPProfile),
		users:     make(map[string]schema.UserProfile),
		incidents: make(map[string]schema.Incident),
	}
}

func (m *MemoryStore) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.locks[h.Sum32()%stripes]
}

// update runs the read-modify-write for one key under its stripe lock.
func update[T any](m *MemoryStore, table map[string]T, key string, fn func(*T, bool) error) (T, error) {
	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	cur, exists := table[key]
	m.mu.RUnlock()

	next := cur
	if err := fn(&next, exists); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return cur, nil
		}
		return cur, err
	}

	m.mu.Lock()
	table[key] = next
	m.mu.Unlock()
	return next, nil
}

func get[T any](m *MemoryStore, table map[string]T, key string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := table[key]
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

// UpdateIPProfile atomically updates the profile for ip.
func (m *MemoryStore) UpdateIPProfile(_ context.Context, ip string, fn IPUpdateFunc) (schema.IPProfile, error) {
	return update(m, m.ips, "ip:"+ip, func(p *schema.IPProfile, exists bool) error {
		if !exists {
			p.IP = ip
		}
		return fn(p, exists)
	})
}

// UpdateUserProfile atomically updates the profile for username.
func (m *MemoryStore) UpdateUserProfile(_ context.Context, username string, fn UserUpdateFunc) (schema.UserProfile, error) {
	return update(m, m.users, "user:"+username, func(p *schema.UserProfile, exists bool) error {
		if !exists {
			p.Username = username
		}
		return fn(p, exists)
	})
}

// UpdateIncident atomically updates the incident for key.
func (m *MemoryStore) UpdateIncident(_ context.Context, key string, fn IncidentUpdateFunc) (schema.Incident, error) {
	return update(m, m.incidents, "incident:"+key, func(inc *schema.Incident, exists bool) error {
		if !exists {
			inc.Key = key
		}
		return fn(inc, exists)
	})
}

// GetIPProfile returns the profile for ip.
func (m *MemoryStore) GetIPProfile(_ context.Context, ip string) (schema.IPProfile, error) {
	return get(m, m.ips, "ip:"+ip)
}

// GetUserProfile returns the profile for username.
func (m *MemoryStore) GetUserProfile(_ context.Context, username string) (schema.UserProfile, error) {
	return get(m, m.users, "user:"+username)
}

// GetIncident returns the incident for key.
func (m *MemoryStore) GetIncident(_ context.Context, key string) (schema.Incident, error) {
	return get(m, m.incidents, "incident:"+key)
}

// ListIncidents returns incidents by stored risk, highest first.
func (m *MemoryStore) ListIncidents(_ context.Context, limit int) ([]schema.Incident, error) {
	m.mu.RLock()
	out := make([]schema.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].Key < out[j].Key
	})
	if limit = listLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
