package scenes

import (
	"fmt"
	"strings"
	"time"

	"sentinel-siem/internal/tui/api"
	"sentinel-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// ModelScene displays anomaly model status and backend connectivity.
type ModelScene struct {
	client     *api.Client
	model      *api.ModelStatus
	stats      *api.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type modelMsg struct {
	model *api.ModelStatus
	stats *api.Stats
	err   error
}

// NewModelScene creates a new model status scene
func NewModelScene(client *api.Client) *ModelScene {
	return &ModelScene{
		client:  client,
		loading: true,
		stats:   &api.Stats{},
	}
}

// Init initializes the model scene
func (s *ModelScene) Init() tea.Cmd {
	return s.fetchStatus()
}

func (s *ModelScene) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		stats, _ := s.client.GetStats()
		model, err := s.client.GetModelStatus()
		return modelMsg{model: model, stats: stats, err: err}
	}
}

// TickCmd returns a command that ticks every interval
func (s *ModelScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "model", Time: t}
	})
}

// Update handles messages for the model scene
func (s *ModelScene) Update(msg tea.Msg) (*ModelScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case modelMsg:
		s.loading = false
		s.model = msg.model
		if msg.stats != nil {
			s.stats = msg.stats
		}
		s.err = msg.err
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "model" {
			return s, s.fetchStatus()
		}
		return s, nil
	}

	return s, nil
}

// View renders the model scene
func (s *ModelScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Anomaly Model"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("Loading model status..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", s.err)))
		b.WriteString("\n\n")
	}

	b.WriteString(styles.Subtitle.Render("  Backend Connection"))
	b.WriteString("\n")
	if s.stats.Healthy {
		b.WriteString(fmt.Sprintf("  %s Connected to backend\n", styles.StatusOK.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Status: %s\n", styles.Muted.Render("├"), s.stats.HealthStatus))
		b.WriteString(fmt.Sprintf("  %s Uptime: %s\n", styles.Muted.Render("└"), s.stats.Uptime))
	} else {
		b.WriteString(fmt.Sprintf("  %s Not connected\n", styles.StatusError.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Reason: %s\n", styles.Muted.Render("└"), s.stats.StatusReason))
	}
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Isolation Forest"))
	b.WriteString("\n")
	if s.model == nil || !s.model.Trained {
		b.WriteString(fmt.Sprintf("  %s Not trained. Alerts come from rules only.\n", styles.StatusWarning.Render("●")))
		b.WriteString(styles.Muted.Render("  Trigger training with POST /v1/ml/train?days=7&limit=1000\n"))
	} else {
		b.WriteString(fmt.Sprintf("  %s Trained\n", styles.StatusOK.Render("●")))
		b.WriteString(fmt.Sprintf("  Version:        %s\n", styles.MetricValue.Render(s.model.ModelVersion)))
		if s.model.LastTrainedAt != nil {
			b.WriteString(fmt.Sprintf("  Trained At:     %s (%s ago)\n",
				s.model.LastTrainedAt.Local().Format("2006-01-02 15:04:05"),
				time.Since(*s.model.LastTrainedAt).Truncate(time.Minute)))
		}
		b.WriteString(fmt.Sprintf("  Samples:        %s\n", formatNumber(int64(s.model.LastTrainSamples))))
	}
	b.WriteString("\n")

	if s.model != nil && len(s.model.FeatureNames) > 0 {
		b.WriteString(styles.Subtitle.Render("  Features"))
		b.WriteString("\n")
		for i, name := range s.model.FeatureNames {
			b.WriteString(fmt.Sprintf("  %2d  %s\n", i, name))
		}
		b.WriteString("\n")
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}
