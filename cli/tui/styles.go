// Package tui is the interactive chat panel for codechat, built on Bubble Tea.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlightColor)

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(successColor)

	noticeStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	statusStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	transcriptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)
