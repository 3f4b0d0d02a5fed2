// Package schema defines the normalized authentication event and the
// detection records derived from it (profiles, sessions, incidents, alerts).
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the normalized kind of an authentication event.
type EventType string

const (
	EventFailedLogin  EventType = "ssh_failed_login"
	EventInvalidUser  EventType = "ssh_invalid_user"
	EventSuccessLogin EventType = "ssh_success_login"
)

// EventTypes lists every recognized event type.
var EventTypes = []EventType{EventFailedLogin, EventInvalidUser, EventSuccessLogin}

// IsValid checks if the event type is a recognized value.
func (t EventType) IsValid() bool {
	switch t {
	case EventFailedLogin, EventInvalidUser, EventSuccessLogin:
		return true
	}
	return false
}

// Severity is the severity bucket shared by events, incidents and alerts.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityForEvent returns the static severity of a raw event type.
func SeverityForEvent(t EventType) Severity {
	switch t {
	case EventFailedLogin, EventInvalidUser:
		return SeverityMedium
	case EventSuccessLogin:
		return SeverityLow
	}
	return SeverityInfo
}

// SourceLinuxAuth is the source tag of events parsed from sshd auth logs.
const SourceLinuxAuth = "linux_auth"

// Event is a normalized authentication event. It is produced once per
// accepted log line and never mutated afterwards.
type Event struct {
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Type      EventType `json:"event_type" validate:"required,event_type"`
	Source    string    `json:"source" validate:"required,max=64"`
	Severity  Severity  `json:"severity" validate:"omitempty,oneof=info low medium high"`

	// Optional identifiers. Detectors that key on them are skipped when empty.
	SourceIP string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	Username string `json:"username,omitempty" validate:"max=256,login_name"`

	Raw        string    `json:"raw_message,omitempty" validate:"max=65536"`
	ReceivedAt time.Time `json:"received_at"`
}

// HasIP reports whether the event carries a source address.
func (e *Event) HasIP() bool {
	return e.SourceIP != ""
}

// HasUser reports whether the event carries a username.
func (e *Event) HasUser() bool {
	return e.Username != ""
}
