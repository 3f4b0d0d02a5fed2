// Package scenes provides the TUI scenes: dashboard, incidents, alerts and
// model status.
package scenes

import (
	"fmt"
	"strings"
	"time"

	"sentinel-siem/internal/tui/api"
	"sentinel-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// dashboardRefresh is faster than the list scenes; it only polls counters.
const dashboardRefresh = 2 * time.Second

// TickMsg asks the named scene to refresh. The parent model only schedules
// ticks for the active scene, and scenes ignore ticks addressed elsewhere.
type TickMsg struct {
	Scene string
	Time  time.Time
}

type statsLoaded struct {
	stats *api.Stats
	err   error
	at    time.Time
}

// DashboardScene summarizes intake, detection and open incidents.
type DashboardScene struct {
	client  *api.Client
	stats   *api.Stats
	err     error
	updated time.Time
	loading bool
}

// NewDashboardScene creates a dashboard that polls client.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{client: client, stats: &api.Stats{}, loading: true}
}

// Init fetches the first snapshot.
func (d *DashboardScene) Init() tea.Cmd {
	return d.load
}

func (d *DashboardScene) load() tea.Msg {
	stats, err := d.client.GetStats()
	return statsLoaded{stats: stats, err: err, at: time.Now()}
}

// TickCmd schedules the next refresh.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update applies fetched stats and turns dashboard ticks into fetches.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case statsLoaded:
		d.loading = false
		d.err = msg.err
		if msg.stats != nil {
			d.stats = msg.stats
		}
		d.updated = msg.at
	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.load
		}
	}
	return d, nil
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	sections := []string{styles.Title.Render("  Sentinel SIEM Dashboard")}
	if d.loading {
		return strings.Join(append(sections, styles.Muted.Render("  Loading...")), "\n")
	}
	if d.err != nil {
		sections = append(sections, styles.StatusError.Render(fmt.Sprintf("  Error: %v", d.err)))
	}

	sections = append(sections,
		"  Status: "+d.health()+"\n",
		d.counters()+"\n",
		styles.Subtitle.Render("  Detection"),
		d.detection()+"\n",
		styles.Subtitle.Render("  Open incidents"),
		d.incidents(),
	)
	if desc := d.stats.ActivityDesc; desc != "" && d.stats.Activity != "unknown" {
		sections = append(sections, "\n  "+styles.Muted.Render(desc))
	}
	if !d.updated.IsZero() {
		sections = append(sections, styles.Muted.Render("  Last updated: "+d.updated.Format("15:04:05")))
	}
	return strings.Join(sections, "\n")
}

func (d *DashboardScene) health() string {
	if d.stats.Healthy {
		return styles.StatusOK.Render("● HEALTHY")
	}
	label := styles.StatusError.Render("● UNHEALTHY")
	if d.stats.StatusReason != "" {
		label += " " + styles.Muted.Render(d.stats.StatusReason)
	}
	return label
}

func (d *DashboardScene) counters() string {
	s := d.stats
	cards := []string{
		metricCard("Lines Ingested", formatNumber(s.LinesAccepted)),
		metricCard("Lines/sec", fmt.Sprintf("%.1f", s.LinesPerSecond)),
		metricCard("Queue", fmt.Sprintf("%d/%d", s.QueueSize, s.QueueCapacity)),
		metricCard("Alerts", formatNumber(s.AlertsEmitted)),
		metricCard("Uptime", s.Uptime),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func metricCard(label, value string) string {
	return styles.MetricCard.Render(styles.MetricValue.Render(value) + "\n" + styles.MetricLabel.Render(label))
}

// dot picks a status marker: ok when bad is false, otherwise style.
func dot(bad bool, style lipgloss.Style) string {
	if bad {
		return style.Render("●")
	}
	return styles.StatusOK.Render("●")
}

func (d *DashboardScene) detection() string {
	s := d.stats
	model := "untrained (rules only)"
	if s.ModelTrained {
		model = "trained"
	}
	return strings.Join([]string{
		fmt.Sprintf("  %s Anomaly model    %s", dot(!s.ModelTrained, styles.StatusWarning), model),
		fmt.Sprintf("  %s Rejected lines   %s", dot(s.LinesRejected > 0, styles.StatusWarning), formatNumber(s.LinesRejected)),
		fmt.Sprintf("  %s Dropped (queue)  %s", dot(s.QueueDropped > 0, styles.StatusError), formatNumber(s.QueueDropped)),
	}, "\n")
}

func (d *DashboardScene) incidents() string {
	if len(d.stats.IncidentsBySeverity) == 0 {
		return styles.Muted.Render("  none")
	}

	parts := make([]string, 0, 3)
	for _, sev := range []string{"high", "medium", "low"} {
		parts = append(parts, styles.Severity(sev).Render(fmt.Sprintf("%s %d", strings.ToUpper(sev), d.stats.IncidentsBySeverity[sev])))
	}
	out := "  " + strings.Join(parts, "   ")

	if top := d.stats.TopIncident; top != nil {
		out += fmt.Sprintf("\n  Highest risk     %s %s from %s",
			styles.Risk(top.DecayedRisk).Render(fmt.Sprintf("%.1f", top.DecayedRisk)),
			top.Category, top.SourceIP)
	}
	return out
}

func formatNumber(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
