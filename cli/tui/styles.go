// Package tui provides the Bubble Tea live job view for sheetjobs run --tui.
//
// The view renders the same job record the non-TUI output renders; it adds
// no data of its own.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/sheetjobs/types"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	ActiveStyle  = lipgloss.NewStyle().Foreground(highlightColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// StatusStyle returns the style for a job status.
func StatusStyle(s types.Status) lipgloss.Style {
	switch s {
	case types.StatusCompleted, types.StatusValidated:
		return SuccessStyle
	case types.StatusValidating, types.StatusStarting, types.StatusRunning:
		return ActiveStyle
	case types.StatusCancelled:
		return WarningStyle
	case types.StatusError:
		return ErrorStyle
	default:
		return ValueStyle
	}
}
