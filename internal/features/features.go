// Package features turns one auth event into a fixed-width numeric vector
// from windowed counts around the event's own timestamp.
package features

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// Window lengths, trailing the event timestamp.
const (
	Window2m  = 2 * time.Minute
	Window5m  = 5 * time.Minute
	Window1h  = time.Hour
	Window24h = 24 * time.Hour
)

// Size is the number of features in a Vector.
const Size = 17

// Feature indexes.
const (
	Hour = iota
	HourSin
	HourCos
	FailedAttempts2m
	SuccessAttempts2m
	EventRate2m
	UniqueUsers5m
	UniqueIPs5m
	UserEventRate1h
	UserFailed1h
	UserSuccess1h
	UserUniqueIPs1h
	UserEventRate24h
	UserFailedRatio24h
	IPIsPrivate
	IPIsReserved
	IPIsGlobal
)

var names = [Size]string{
	"hour",
	"hour_sin",
	"hour_cos",
	"failed_attempts_2m",
	"success_attempts_2m",
	"event_rate_2m",
	"unique_users_5m",
	"unique_ips_5m",
	"user_event_rate_1h",
	"user_failed_1h",
	"user_success_1h",
	"user_unique_ips_1h",
	"user_event_rate_24h",
	"user_failed_ratio_24h",
	"ip_is_private",
	"ip_is_reserved",
	"ip_is_global",
}

// Vector is one ordered feature vector.
type Vector [Size]float64

// Names returns the feature names in vector order.
func Names() []string {
	return append([]string(nil), names[:]...)
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Size)
	for i, n := range names {
		m[n] = v[i]
	}
	return m
}

// Extractor computes vectors from an event store. It is read-only and safe
// for concurrent use.
type Extractor struct {
	store storage.EventStore
}

// NewExtractor creates an extractor over store.
func NewExtractor(store storage.EventStore) *Extractor {
	return &Extractor{store: store}
}

// Extract computes the vector for e. Identifier-dependent features stay
// zero when the identifier is absent.
func (x *Extractor) Extract(ctx context.Context, e *schema.Event) (Vector, error) {
	var v Vector

	at := e.Timestamp.UTC()
	hour := at.Hour()
	angle := 2 * math.Pi * float64(hour) / 24
	v[Hour] = float64(hour)
	v[HourSin] = math.Sin(angle)
	v[HourCos] = math.Cos(angle)

	g, ctx := errgroup.WithContext(ctx)

	if e.HasIP() {
		g.Go(func() error { return x.ipFeatures(ctx, e.SourceIP, at, &v) })

		class := ClassifyIP(e.SourceIP)
		v[IPIsPrivate] = flag(class.Private)
		v[IPIsReserved] = flag(class.Reserved)
		v[IPIsGlobal] = flag(class.Global)
	}
	if e.HasUser() {
		g.Go(func() error { return x.userFeatures(ctx, e.Username, at, &v) })
	}

	if err := g.Wait(); err != nil {
		return Vector{}, err
	}
	return v, nil
}

// ipFeatures fills the source-IP keyed fields.
func (x *Extractor) ipFeatures(ctx context.Context, ip string, at time.Time, v *Vector) error {
	q2m := storage.EventQuery{Since: at.Add(-Window2m), Until: at, SourceIP: ip}

	byType, err := x.store.CountByType(ctx, q2m)
	if err != nil {
		return err
	}

	users, err := x.store.Distinct(ctx, storage.FieldUsername,
		storage.EventQuery{Since: at.Add(-Window5m), Until: at, SourceIP: ip})
	if err != nil {
		return err
	}

	v[FailedAttempts2m] = float64(byType[schema.EventFailedLogin])
	v[SuccessAttempts2m] = float64(byType[schema.EventSuccessLogin])
	v[EventRate2m] = float64(sum(byType))
	v[UniqueUsers5m] = float64(len(users))
	return nil
}

// userFeatures fills the username keyed fields.
func (x *Extractor) userFeatures(ctx context.Context, user string, at time.Time, v *Vector) error {
	q5m := storage.EventQuery{Since: at.Add(-Window5m), Until: at, Username: user}
	q1h := storage.EventQuery{Since: at.Add(-Window1h), Until: at, Username: user}
	q24h := storage.EventQuery{Since: at.Add(-Window24h), Until: at, Username: user}

	ips5m, err := x.store.Distinct(ctx, storage.FieldSourceIP, q5m)
	if err != nil {
		return err
	}
	ips1h, err := x.store.Distinct(ctx, storage.FieldSourceIP, q1h)
	if err != nil {
		return err
	}
	byType1h, err := x.store.CountByType(ctx, q1h)
	if err != nil {
		return err
	}
	byType24h, err := x.store.CountByType(ctx, q24h)
	if err != nil {
		return err
	}

	v[UniqueIPs5m] = float64(len(ips5m))
	v[UserEventRate1h] = float64(sum(byType1h))
	v[UserFailed1h] = float64(byType1h[schema.EventFailedLogin])
	v[UserSuccess1h] = float64(byType1h[schema.EventSuccessLogin])
	v[UserUniqueIPs1h] = float64(len(ips1h))

	total24h := sum(byType24h)
	v[UserEventRate24h] = float64(total24h)
	v[UserFailedRatio24h] = float64(byType24h[schema.EventFailedLogin]) / float64(max(1, total24h))
	return nil
}

func sum(counts map[schema.EventType]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
