// Package tui provides a terminal health view for cronwatch.
package tui

import (
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/store"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorPrimary   = lipgloss.Color("#0EA5E9") // Sky
	colorHighlight = lipgloss.Color("#38BDF8") // Light sky
	colorOK        = lipgloss.Color("#10B981") // Green
	colorLate      = lipgloss.Color("#F59E0B") // Amber
	colorBad       = lipgloss.Color("#EF4444") // Red
	colorActive    = lipgloss.Color("#3B82F6") // Blue
	colorMuted     = lipgloss.Color("#6B7280") // Gray
	colorBorder    = lipgloss.Color("#374151") // Dark gray
	colorBar       = lipgloss.Color("#1F2937")
)

// panel is a rounded bordered box; the job list, stats and run history
// sections all share it.
func panel(vertical, horizontal int) lipgloss.Style {
	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(vertical, horizontal)
}

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorBorder).
			Padding(0, 1).
			MarginBottom(1)

	statusBarStyle = fg(colorMuted).Background(colorBar).Padding(0, 1).MarginTop(1)

	jobListStyle       = panel(1, 2).MarginBottom(1)
	statsStyle         = panel(0, 2).MarginBottom(1)
	recentRunsStyle    = panel(1, 2).Height(12)
	detailHistoryStyle = panel(1, 2)

	jobItemStyle         = lipgloss.NewStyle().Padding(0, 1)
	jobItemSelectedStyle = fg(colorHighlight).Bold(true).Padding(0, 1)
	runItemStyle         = lipgloss.NewStyle().Padding(0, 1)

	titleStyle    = fg(colorPrimary).Bold(true).Padding(0, 1)
	subtitleStyle = fg(colorMuted).Padding(0, 1)
	keyStyle      = fg(colorMuted)
	valueStyle    = lipgloss.NewStyle().Bold(true)
	durationStyle = fg(colorActive)

	statusOKStyle      = fg(colorOK).Bold(true)
	statusMissedStyle  = fg(colorLate).Bold(true)
	statusStuckStyle   = fg(colorBad).Bold(true)
	statusRunningStyle = fg(colorActive).Bold(true)
	statusErrorStyle   = fg(colorBad).Bold(true)
	statusIdleStyle    = fg(colorMuted)
)

const (
	iconOK       = "✓"
	iconMissed   = "⚠"
	iconStuck    = "⟳"
	iconInactive = "⏸"
	iconError    = "✗"
	iconArrow    = ">"
	iconBullet   = "•"
)

type badge struct {
	icon  string
	style lipgloss.Style
}

// stateBadges maps a job's health to its icon and color. Anything not
// listed renders as inactive.
var stateBadges = map[health.State]badge{
	health.StateOK:     {iconOK, statusOKStyle},
	health.StateMissed: {iconMissed, statusMissedStyle},
	health.StateStuck:  {iconStuck, statusStuckStyle},
}

var statusStyles = map[store.Status]lipgloss.Style{
	store.StatusSuccess: statusOKStyle,
	store.StatusFailed:  statusErrorStyle,
	store.StatusStarted: statusRunningStyle,
	store.StatusMissed:  statusMissedStyle,
}
