package tui

import "github.com/charmbracelet/lipgloss"

// Color palette - Dracula theme inspired.
var (
	colorPurple = lipgloss.Color("#bd93f9")
	colorGreen  = lipgloss.Color("#50fa7b")
	colorYellow = lipgloss.Color("#f1fa8c")
	colorCyan   = lipgloss.Color("#8be9fd")
	colorRed    = lipgloss.Color("#ff5555")
	colorGray   = lipgloss.Color("#6272a4")
)

// Styles holds all the lipgloss styles for the login flow.
type Styles struct {
	Header lipgloss.Style

	Status  lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
	Warning lipgloss.Style

	QR     lipgloss.Style
	Prompt lipgloss.Style
	Help   lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple).
			MarginBottom(1),

		Status: lipgloss.NewStyle().
			Foreground(colorCyan),

		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorGreen),

		Failure: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorRed),

		Warning: lipgloss.NewStyle().
			Foreground(colorYellow),

		QR: lipgloss.NewStyle().
			Padding(1, 2),

		Prompt: lipgloss.NewStyle().
			Foreground(colorPurple).
			MarginTop(1),

		Help: lipgloss.NewStyle().
			Foreground(colorGray).
			MarginTop(1),
	}
}
