package scenes

import (
	"fmt"
	"strings"
	"time"

	"sentinel-siem/internal/tui/api"
	"sentinel-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// IncidentsScene lists open incidents, highest decayed risk first.
type IncidentsScene struct {
	client     *api.Client
	incidents  []api.Incident
	totalCount int
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// incidentsMsg carries updated incidents
type incidentsMsg struct {
	incidents  []api.Incident
	totalCount int
	err        string
}

// NewIncidentsScene creates a new incidents scene
func NewIncidentsScene(client *api.Client) *IncidentsScene {
	return &IncidentsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the incidents scene
func (s *IncidentsScene) Init() tea.Cmd {
	return s.fetchIncidents()
}

func (s *IncidentsScene) fetchIncidents() tea.Cmd {
	return func() tea.Msg {
		resp, err := s.client.ListIncidents(100)
		if err != nil {
			return incidentsMsg{err: err.Error()}
		}
		return incidentsMsg{
			incidents:  resp.Incidents,
			totalCount: resp.Total,
		}
	}
}

// TickCmd returns a command that ticks every interval
func (s *IncidentsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "incidents", Time: t}
	})
}

// Selected returns the incident under the cursor, if any.
func (s *IncidentsScene) Selected() (api.Incident, bool) {
	if s.cursor < 0 || s.cursor >= len(s.incidents) {
		return api.Incident{}, false
	}
	return s.incidents[s.cursor], true
}

// Update handles messages for the incidents scene
func (s *IncidentsScene) Update(msg tea.Msg) (*IncidentsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-16)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.incidents)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "pgup":
			s.cursor = max(0, s.cursor-s.maxRows)
			s.offset = max(0, s.offset-s.maxRows)
		case "pgdown":
			s.cursor = max(0, min(len(s.incidents)-1, s.cursor+s.maxRows))
			s.offset = min(max(0, len(s.incidents)-s.maxRows), s.offset+s.maxRows)
		case "r":
			s.loading = true
			return s, s.fetchIncidents()
		}
		return s, nil

	case incidentsMsg:
		s.loading = false
		s.err = msg.err
		s.lastUpdate = time.Now()
		if msg.err != "" {
			return s, nil
		}
		s.incidents = msg.incidents
		s.totalCount = msg.totalCount
		if s.cursor >= len(s.incidents) {
			s.cursor = max(0, len(s.incidents)-1)
		}
		if s.offset > s.cursor {
			s.offset = s.cursor
		}
		return s, nil

	case TickMsg:
		if msg.Scene == "incidents" {
			return s, s.fetchIncidents()
		}
		return s, nil
	}

	return s, nil
}

// View renders the incident table and the selected incident.
func (s *IncidentsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Incidents"))
	b.WriteString("\n\n")

	if s.loading && len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  Loading incidents..."))
		return b.String()
	}

	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  No incidents."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Incidents appear once correlated detections fire on ingested auth logs."))
		return b.String()
	}

	countText := fmt.Sprintf("  Showing %d of %d incidents", len(s.incidents), s.totalCount)
	b.WriteString(styles.Subtitle.Render(countText))
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-6s %-10s %-24s %-16s %-6s %s",
		"Risk", "Severity", "Category", "Source IP", "Events", "Last Seen")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(s.offset+s.maxRows, len(s.incidents))
	for i, inc := range s.incidents[s.offset:endIdx] {
		b.WriteString(s.renderRow(inc, s.offset+i == s.cursor))
		b.WriteString("\n")
	}

	if inc, ok := s.Selected(); ok {
		b.WriteString("\n")
		b.WriteString(renderIncidentDetail(inc))
	}

	if len(s.incidents) > s.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, endIdx, len(s.incidents))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *IncidentsScene) renderRow(inc api.Incident, selected bool) string {
	row := fmt.Sprintf("  %s %s %-24s %-16s %-6d %s",
		styles.Risk(inc.DecayedRisk).Render(fmt.Sprintf("%-6.1f", inc.DecayedRisk)),
		formatSeverity(inc.Severity),
		truncate(inc.Category, 24),
		truncate(inc.SourceIP, 16),
		inc.EventCount,
		inc.LastSeen.Local().Format("01-02 15:04:05"),
	)

	if selected {
		return styles.Selected.Render(row)
	}
	return row
}

func renderIncidentDetail(inc api.Incident) string {
	var b strings.Builder
	b.WriteString(styles.Subtitle.Render("  " + inc.Key))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", styles.Muted.Render("├"), inc.Description))
	if inc.Mitre.TechniqueID != "" {
		b.WriteString(fmt.Sprintf("  %s %s %s (%s)\n", styles.Muted.Render("├"),
			inc.Mitre.TechniqueID, inc.Mitre.Technique, inc.Mitre.Tactic))
	}
	b.WriteString(fmt.Sprintf("  %s detector %s, confidence %s, risk %.1f (raw %.1f)\n",
		styles.Muted.Render("└"), inc.Detector, inc.Confidence, inc.DecayedRisk, inc.RiskScore))
	return b.String()
}

// formatSeverity pads and colors a severity label.
func formatSeverity(sev string) string {
	return styles.Severity(sev).Render(fmt.Sprintf("%-10s", strings.ToUpper(sev)))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
