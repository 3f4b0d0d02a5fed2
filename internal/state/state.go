// Package state holds the durable per-entity records the detectors mutate:
// IP profiles, user profiles and incidents. Every update is a
// read-modify-write serialized per key.
package state

import (
	"context"
	"errors"

	"sentinel-siem/internal/schema"
)

// ErrSkipWrite returned from an update function aborts the update without
// writing. The update call then returns the unmodified record and nil.
var ErrSkipWrite = errors.New("state: skip write")

// ErrNotFound is returned by lookups of absent keys.
var ErrNotFound = errors.New("state: not found")

// ErrConflict is returned when an optimistic update keeps losing races.
var ErrConflict = errors.New("state: too many concurrent updates")

// IPUpdateFunc mutates p in place. exists is false for a new record.
type IPUpdateFunc func(p *schema.IPProfile, exists bool) error

// UserUpdateFunc mutates p in place. exists is false for a new record.
type UserUpdateFunc func(p *schema.UserProfile, exists bool) error

// IncidentUpdateFunc mutates inc in place. exists is false for a new record.
type IncidentUpdateFunc func(inc *schema.Incident, exists bool) error

// Store is the profile and incident store. Update functions may run more
// than once under optimistic implementations and must not have side
// effects beyond the record they are given.
type Store interface {
	UpdateIPProfile(ctx context.Context, ip string, fn IPUpdateFunc) (schema.IPProfile, error)
	UpdateUserProfile(ctx context.Context, username string, fn UserUpdateFunc) (schema.UserProfile, error)
	UpdateIncident(ctx context.Context, key string, fn IncidentUpdateFunc) (schema.Incident, error)

	GetIPProfile(ctx context.Context, ip string) (schema.IPProfile, error)
	GetUserProfile(ctx context.Context, username string) (schema.UserProfile, error)
	GetIncident(ctx context.Context, key string) (schema.Incident, error)
	// ListIncidents returns up to limit incidents by stored risk, highest first.
	ListIncidents(ctx context.Context, limit int) ([]schema.Incident, error)

	Close() error
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
