// Package tui provides a terminal console for the detection backend.
package tui

import (
	"fmt"
	"strings"

	"sentinel-siem/internal/tui/api"
	"sentinel-siem/internal/tui/scenes"
	"sentinel-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneDashboard Scene = iota
	SceneIncidents
	SceneAlerts
	SceneModel

	sceneCount
)

// Model is the main TUI model
type Model struct {
	client *api.Client

	scene Scene

	// Scene models - only the active one receives updates
	dashboard *scenes.DashboardScene
	incidents *scenes.IncidentsScene
	alerts    *scenes.AlertsScene
	model     *scenes.ModelScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model
func New(baseURL string) *Model {
	client := api.NewClient(baseURL)

	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		incidents: scenes.NewIncidentsScene(client),
		alerts:    scenes.NewAlertsScene(client),
		model:     scenes.NewModelScene(client),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	// Only the active scene fetches and ticks at startup.
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTickCmd(),
	)
}

// activeTickCmd returns the tick command for the active scene only, so
// inactive scenes never poll the backend.
func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneIncidents:
		return m.incidents.TickCmd()
	case SceneAlerts:
		return m.alerts.TickCmd()
	case SceneModel:
		return m.model.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.Init()
	case SceneIncidents:
		return m.incidents.Init()
	case SceneAlerts:
		return m.alerts.Init()
	case SceneModel:
		return m.model.Init()
	default:
		return nil
	}
}

// switchTo activates scene, refetching its data and starting its ticker.
func (m *Model) switchTo(scene Scene) tea.Cmd {
	if m.scene == scene {
		return nil
	}
	m.scene = scene
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneIncidents)
		case "3":
			return m, m.switchTo(SceneAlerts)
		case "4":
			return m, m.switchTo(SceneModel)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.incidents, _ = m.incidents.Update(msg)
		m.alerts, _ = m.alerts.Update(msg)
		m.model, _ = m.model.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Ticks for a scene that is no longer active are dropped so its
		// ticker stops.
		if msg.Scene != sceneName(m.scene) {
			return m, nil
		}
		cmd := m.updateActive(msg)
		return m, tea.Batch(cmd, m.activeTickCmd())
	}

	return m, m.updateActive(msg)
}

func (m *Model) updateActive(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneIncidents:
		m.incidents, cmd = m.incidents.Update(msg)
	case SceneAlerts:
		m.alerts, cmd = m.alerts.Update(msg)
	case SceneModel:
		m.model, cmd = m.model.Update(msg)
	}
	return cmd
}

func sceneName(s Scene) string {
	switch s {
	case SceneDashboard:
		return "dashboard"
	case SceneIncidents:
		return "incidents"
	case SceneAlerts:
		return "alerts"
	case SceneModel:
		return "model"
	}
	return ""
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneIncidents:
		b.WriteString(m.incidents.View())
	case SceneAlerts:
		b.WriteString(m.alerts.View())
	case SceneModel:
		b.WriteString(m.model.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Incidents", "2", SceneIncidents},
		{"Alerts", "3", SceneAlerts},
		{"Model", "4", SceneModel},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	help := " [1-4] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the TUI application
func Run(baseURL string) error {
	m := New(baseURL)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
