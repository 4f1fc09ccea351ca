package debug

import "github.com/charmbracelet/lipgloss"

// Color palette for the inspector.
var (
	primaryColor = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#B794F6"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	accentColor  = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#67E8F9"}
	warnColor    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FCD34D"}
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true).
			Underline(true).
			Padding(0, 2)

	statStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1, 1)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)
