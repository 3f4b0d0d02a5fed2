// Package authlog turns sshd auth-log lines into normalized events.
package authlog

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// ErrUnrecognized is returned for lines that match no known sshd message.
var ErrUnrecognized = errors.New("unrecognized auth log line")

// ErrEmptyLine is returned for blank input.
var ErrEmptyLine = errors.New("empty auth log line")

// pattern maps one sshd message shape to an event type. Each expression
// has a user and an ip group.
type pattern struct {
	eventType schema.EventType
	re        *regexp.Regexp
}

// Invalid-user comes first so "Failed password for invalid user x" is
// classified by the unknown account rather than dropped.
var patterns = []pattern{
	{schema.EventInvalidUser, regexp.MustCompile(`[Ii]nvalid user (?P<user>\w+) from (?P<ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)},
	{schema.EventFailedLogin, regexp.MustCompile(`Failed password for (?P<user>\w+) from (?P<ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)},
	{schema.EventSuccessLogin, regexp.MustCompile(`Accepted password for (?P<user>\w+) from (?P<ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)},
}

// Parse recognizes a single auth-log line. The event is stamped with now;
// syslog timestamps carry no year or zone and are not trusted.
func Parse(line string, now time.Time) (*schema.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyLine
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		now = now.UTC()
		return &schema.Event{
			EventID:    uuid.New(),
			Timestamp:  now,
			Type:       p.eventType,
			Source:     schema.SourceLinuxAuth,
			Severity:   schema.SeverityForEvent(p.eventType),
			Username:   m[p.re.SubexpIndex("user")],
			SourceIP:   m[p.re.SubexpIndex("ip")],
			Raw:        line,
			ReceivedAt: now,
		}, nil
	}
	return nil, ErrUnrecognized
}
