package ueba

import (
	"time"

	"sentinel-siem/internal/schema"
)

const dayLayout = "2006-01-02"

// recordIP applies one event to an IP profile. It returns the session the
// event closed, if any.
func recordIP(p *schema.IPProfile, e *schema.Event, cfg Config) *schema.Session {
	now := e.Timestamp
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}

	var closed *schema.Session
	switch {
	case p.SessionStart.IsZero():
		p.SessionStart, p.SessionEvents = now, 0
	case !p.LastSeen.IsZero() && now.Sub(p.LastSeen) > cfg.SessionGap:
		closed = &schema.Session{
			IP:         p.IP,
			Start:      p.SessionStart,
			End:        p.LastSeen,
			EventCount: p.SessionEvents,
		}
		p.SessionStart, p.SessionEvents = now, 0
	}
	p.SessionEvents++

	if now.After(p.LastSeen) {
		p.LastSeen = now
	}

	p.TotalEvents++
	switch e.Type {
	case schema.EventFailedLogin:
		p.FailedEvents++
	case schema.EventInvalidUser:
		p.InvalidEvents++
	case schema.EventSuccessLogin:
		p.SuccessEvents++
	}

	rollDaily(&p.AvgDailyEvents, &p.LastDay, &p.TodayCount, now, cfg.EMAAlpha)
	return closed
}

func recordUser(p *schema.UserProfile, e *schema.Event, cfg Config) {
	now := e.Timestamp
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	p.TotalEvents++
	rollDaily(&p.AvgDailyEvents, &p.LastDay, &p.TodayCount, now, cfg.EMAAlpha)
}

// rollDaily folds the finished day's count into the daily EMA when the UTC
// calendar day advances, then counts the event toward the current day.
// Late events from an earlier day count toward the current one.
func rollDaily(avg *float64, lastDay *string, today *int64, now time.Time, alpha float64) {
	day := now.UTC().Format(dayLayout)
	if *lastDay != "" && day > *lastDay {
		*avg = ema(*avg, float64(*today), alpha)
		*today = 0
	}
	if day > *lastDay {
		*lastDay = day
	}
	*today++
}

func ema(prev, sample, alpha float64) float64 {
	return (1-alpha)*prev + alpha*sample
}
