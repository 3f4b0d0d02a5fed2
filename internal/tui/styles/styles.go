// Package styles holds the console palette and shared lipgloss styles.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette. Severity colors follow the alert severities.
var (
	Accent     = lipgloss.Color("#2563EB")
	Healthy    = lipgloss.Color("#16A34A")
	High       = lipgloss.Color("#DC2626")
	Medium     = lipgloss.Color("#D97706")
	Low        = lipgloss.Color("#0891B2")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#F9FAFB")
)

var (
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Accent).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK      = lipgloss.NewStyle().Foreground(Healthy).Bold(true)
	StatusWarning = lipgloss.NewStyle().Foreground(Medium).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(High).Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Accent).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent)

	// Selected highlights the cursor row in the incident and alert lists.
	Selected = lipgloss.NewStyle().
			Foreground(White).
			Background(Accent)

	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)

	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	MetricLabel = lipgloss.NewStyle().Foreground(MutedColor)
)

var severityStyles = map[string]lipgloss.Style{
	"high":   lipgloss.NewStyle().Foreground(High).Bold(true),
	"medium": lipgloss.NewStyle().Foreground(Medium).Bold(true),
	"low":    lipgloss.NewStyle().Foreground(Low),
}

// Severity returns the style for an alert or incident severity. Unknown
// severities, including "info", render muted.
func Severity(sev string) lipgloss.Style {
	if s, ok := severityStyles[sev]; ok {
		return s
	}
	return Muted
}

// Risk colors a 1-10 risk score by the severity band it falls in.
func Risk(score float64) lipgloss.Style {
	switch {
	case score >= 8:
		return severityStyles["high"]
	case score >= 5:
		return severityStyles["medium"]
	default:
		return severityStyles["low"]
	}
}
