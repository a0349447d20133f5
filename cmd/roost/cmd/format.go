package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/driftwoodlabs/roost/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#bd93f9"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
)

// renderTable lays out rows under a styled header with column alignment.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")

	for _, row := range rows {
		for i, cell := range row {
			b.WriteString(pad(cell, widths[i]))
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func styleStatus(status string) string {
	switch status {
	case store.StatusActive:
		return activeStyle.Render(status)
	case store.StatusBanned, store.StatusSuspended:
		return badStyle.Render(status)
	default:
		return status
	}
}

// formatAgo renders a timestamp as a compact relative age for CLI output.
func formatAgo(t *time.Time) string {
	if t == nil {
		return dimStyle.Render("never")
	}
	d := time.Since(*t).Round(time.Minute)
	if d < time.Minute {
		return "just now"
	}

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	switch {
	case hours >= 48:
		return fmt.Sprintf("%dd ago", hours/24)
	case hours > 0:
		return fmt.Sprintf("%dh%dm ago", hours, mins)
	default:
		return fmt.Sprintf("%dm ago", mins)
	}
}
