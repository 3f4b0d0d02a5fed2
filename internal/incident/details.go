package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sentinel-siem/internal/features"
	"sentinel-siem/internal/geoip"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
	"sentinel-siem/internal/state"
	"sentinel-siem/internal/storage"
	"sentinel-siem/internal/threatintel"
)

const (
	detailWindow   = 30 * time.Minute
	timelineLimit  = 200
	defaultListLen = 50
	maxListLen     = 200
)

// IntelLookup resolves IP reputation.
type IntelLookup interface {
	Lookup(ctx context.Context, ip string) threatintel.Result
}

// GeoLookup resolves an address to a location.
type GeoLookup interface {
	Enabled() bool
	Lookup(ip string) (*geoip.Location, error)
}

// View is an incident with its risk decayed to the time of the listing.
type View struct {
	schema.Incident
	DecayedRisk float64 `json:"risk_score_decayed"`
}

// Counts are the per-type event totals of a detail window.
type Counts struct {
	Failed  int `json:"failed"`
	Invalid int `json:"invalid"`
	Success int `json:"success"`
	Total   int `json:"total"`
}

// TimelineEntry is one event in an incident timeline.
type TimelineEntry struct {
	Time      time.Time        `json:"time"`
	EventType schema.EventType `json:"event_type"`
	Username  string           `json:"username,omitempty"`
	SourceIP  string           `json:"ip_address,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Node and Edge form the user to IP graph.
type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Enrichment describes the incident's source address.
type Enrichment struct {
	IP         string          `json:"ip"`
	IsPrivate  bool            `json:"is_private"`
	IsReserved bool            `json:"is_reserved"`
	IsGlobal   bool            `json:"is_global"`
	Location   *geoip.Location `json:"location,omitempty"`
}

// Details is the full investigation view of one incident.
type Details struct {
	Incident        View                `json:"incident"`
	Summary         string              `json:"summary"`
	Counts          Counts              `json:"counts"`
	Timeline        []TimelineEntry     `json:"timeline"`
	Graph           Graph               `json:"graph"`
	Enrichment      *Enrichment         `json:"enrichment,omitempty"`
	ThreatIntel     *threatintel.Result `json:"threat_intel,omitempty"`
	Recommendations []string            `json:"recommendations"`
	KillChainStage  string              `json:"kill_chain_stage,omitempty"`
	KillChainAll    []string            `json:"kill_chain_all"`
}

// Service answers incident listings and detail views.
type Service struct {
	agg    *Aggregator
	store  state.Store
	events storage.EventStore
	intel  IntelLookup
	geo    GeoLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an incident query service. intel and geo may be nil.
func NewService(agg *Aggregator, store state.Store, events storage.EventStore, intel IntelLookup, geo GeoLookup, logger *slog.Logger) *Service {
	return &Service{
		agg:    agg,
		store:  store,
		events: events,
		intel:  intel,
		geo:    geo,
		logger: logger.With("component", "incident-service"),
		now:    time.Now,
	}
}

// List returns up to limit incidents ordered by decayed risk.
func (s *Service) List(ctx context.Context, limit int) ([]View, error) {
	if limit <= 0 {
		limit = defaultListLen
	}
	limit = min(limit, maxListLen)

	incidents, err := s.store.ListIncidents(ctx, 0)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]View, len(incidents))
	for i, inc := range incidents {
		views[i] = View{Incident: inc, DecayedRisk: s.agg.DecayedRisk(inc, now)}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].DecayedRisk > views[j].DecayedRisk
	})

	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// Get returns one incident with its decayed risk.
func (s *Service) Get(ctx context.Context, key string) (View, error) {
	inc, err := s.store.GetIncident(ctx, key)
	if err != nil {
		return View{}, err
	}
	return View{Incident: inc, DecayedRisk: s.agg.DecayedRisk(inc, s.now())}, nil
}

// Details assembles the investigation view of the incident at key: the
// events of the 30 minutes before it was last seen, a user to IP graph,
// address enrichment and remediation hints.
func (s *Service) Details(ctx context.Context, key string) (*Details, error) {
	view, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	inc := view.Incident

	d := &Details{
		Incident:       view,
		Timeline:       []TimelineEntry{},
		Graph:          Graph{Nodes: []Node{}, Edges: []Edge{}},
		KillChainStage: inc.KillChainStage,
		KillChainAll:   scoring.KillChain(),
	}

	q := storage.EventQuery{
		Since:    inc.LastSeen.Add(-detailWindow),
		Until:    latest(inc.LastSeen, s.now()),
		SourceIP: inc.SourceIP,
	}
	if inc.SourceIP == "" {
		q.Username = inc.Username
	}
	events, err := s.events.Timeline(ctx, q, timelineLimit)
	if err != nil {
		return nil, fmt.Errorf("incident timeline: %w", err)
	}

	users := make(map[string]struct{})
	for _, e := range events {
		d.Counts.Total++
		switch e.Type {
		case schema.EventFailedLogin:
			d.Counts.Failed++
		case schema.EventInvalidUser:
			d.Counts.Invalid++
		case schema.EventSuccessLogin:
			d.Counts.Success++
		}
		if e.Username != "" {
			users[e.Username] = struct{}{}
		}
		d.Timeline = append(d.Timeline, TimelineEntry{
			Time:      e.Timestamp,
			EventType: e.Type,
			Username:  e.Username,
			SourceIP:  e.SourceIP,
			Message:   e.Raw,
		})
	}

	d.Summary = fmt.Sprintf("Window 30m: total=%d, failed=%d, invalid=%d, success=%d.",
		d.Counts.Total, d.Counts.Failed, d.Counts.Invalid, d.Counts.Success)
	d.Graph = buildGraph(inc.SourceIP, users)

	public := false
	if inc.SourceIP != "" {
		d.Enrichment = s.enrich(inc.SourceIP)
		public = !d.Enrichment.IsPrivate
		if public && s.intel != nil {
			res := s.intel.Lookup(ctx, inc.SourceIP)
			d.ThreatIntel = &res
		}
	}

	d.Recommendations = scoring.Recommend(inc.Category, d.Counts.Invalid, public)
	return d, nil
}

func (s *Service) enrich(ip string) *Enrichment {
	class := features.ClassifyIP(ip)
	e := &Enrichment{
		IP:         ip,
		IsPrivate:  class.Private,
		IsReserved: class.Reserved,
		IsGlobal:   class.Global,
	}
	if class.Global && s.geo != nil && s.geo.Enabled() {
		loc, err := s.geo.Lookup(ip)
		if err != nil {
			s.logger.Debug("geoip lookup failed", "ip", ip, "error", err)
		} else {
			e.Location = loc
		}
	}
	return e
}

func buildGraph(ip string, users map[string]struct{}) Graph {
	g := Graph{Nodes: []Node{}, Edges: []Edge{}}
	if ip == "" {
		return g
	}
	g.Nodes = append(g.Nodes, Node{ID: ip, Type: "ip"})

	names := make([]string, 0, len(users))
	for u := range users {
		names = append(names, u)
	}
	sort.Strings(names)
	for _, u := range names {
		g.Nodes = append(g.Nodes, Node{ID: u, Type: "user"})
		g.Edges = append(g.Edges, Edge{From: u, To: ip, Type: "auth"})
	}
	return g
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
