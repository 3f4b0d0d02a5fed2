package scenes

import (
	"fmt"
	"strings"
	"time"

	"sentinel-siem/internal/tui/api"
	"sentinel-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// AlertsScene shows the most recent alerts.
type AlertsScene struct {
	client     *api.Client
	alerts     []api.Alert
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type alertsMsg struct {
	alerts []api.Alert
	err    string
}

// NewAlertsScene creates a new alerts scene
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{
		client:  client,
		loading: true,
		maxRows: 12,
	}
}

// Init initializes the alerts scene
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.client.ListAlerts(200)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{alerts: resp.Alerts}
	}
}

// TickCmd returns a command that ticks every interval
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Update handles messages for the alerts scene
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-12)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.alerts)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.err = msg.err
		a.lastUpdate = time.Now()
		if msg.err != "" {
			return a, nil
		}
		a.alerts = msg.alerts
		if a.cursor >= len(a.alerts) {
			a.cursor = max(0, len(a.alerts)-1)
		}
		if a.offset > a.cursor {
			a.offset = a.cursor
		}
		return a, nil

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}

	return a, nil
}

// View renders the alert stream
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Recent Alerts"))
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts yet."))
		return b.String()
	}

	header := fmt.Sprintf("  %-9s %-10s %-16s %-24s %-16s %s",
		"Time", "Severity", "Type", "Category", "Source IP", "Technique")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(a.offset+a.maxRows, len(a.alerts))
	for i, alert := range a.alerts[a.offset:endIdx] {
		b.WriteString(a.renderRow(alert, a.offset+i == a.cursor))
		b.WriteString("\n")
	}

	if a.cursor < len(a.alerts) {
		sel := a.alerts[a.cursor]
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %s %s\n", styles.Muted.Render("└"), sel.Description))
		if sel.AnomalyScore != nil {
			b.WriteString(fmt.Sprintf("    anomaly score %.4f\n", *sel.AnomalyScore))
		}
	}

	b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d alerts  [r] Refresh", len(a.alerts))))
	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (a *AlertsScene) renderRow(alert api.Alert, selected bool) string {
	row := fmt.Sprintf("  %-9s %s %-16s %-24s %-16s %s",
		alert.Timestamp.Local().Format("15:04:05"),
		formatSeverity(alert.Severity),
		truncate(alert.AlertType, 16),
		truncate(alert.Category, 24),
		truncate(alert.SourceIP, 16),
		alert.Mitre.TechniqueID,
	)
	if selected {
		return styles.Selected.Render(row)
	}
	return row
}
