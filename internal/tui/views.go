package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	if m.viewMode == ViewModeDetail {
		return m.renderDetailView()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(""),
		m.renderStats(),
		m.renderJobList(),
		m.renderRecentRuns(),
		m.renderHelpBar("q: quit  │  ↑/↓: navigate  │  enter: details  │  r: refresh"),
	)
}

func (m Model) renderHeader(jobName string) string {
	text := "⏱ cronwatch"
	if jobName != "" {
		text += " - " + jobName
	}
	title := titleStyle.Render(text)
	subtitle := subtitleStyle.Render(fmt.Sprintf("Last updated: %s", m.lastUpdate.Format("15:04:05")))

	header := lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", subtitle)
	return headerStyle.Render(header)
}

func (m Model) renderStats() string {
	stats := []string{
		fmt.Sprintf("%s %d", keyStyle.Render("Jobs:"), m.totalJobs),
		fmt.Sprintf("%s %s", keyStyle.Render("OK:"), statusOKStyle.Render(fmt.Sprint(m.okJobs))),
		fmt.Sprintf("%s %s", keyStyle.Render("Missed:"), statusMissedStyle.Render(fmt.Sprint(m.missedJobs))),
		fmt.Sprintf("%s %s", keyStyle.Render("Stuck:"), statusStuckStyle.Render(fmt.Sprint(m.stuckJobs))),
	}
	return statsStyle.Render(strings.Join(stats, "  │  "))
}

func (m Model) renderJobList() string {
	if len(m.jobs) == 0 {
		return jobListStyle.Render(subtitleStyle.Render("No jobs registered"))
	}

	rows := []string{titleStyle.Render("Jobs"), ""}
	header := fmt.Sprintf("   %-22s  %-10s  %-8s  %-16s  %s",
		"Job", "Health", "Severity", "Last Run", "Due")
	rows = append(rows, keyStyle.Render(header))
	rows = append(rows, keyStyle.Render(strings.Repeat("─", 78)))

	for i, job := range m.jobs {
		rows = append(rows, m.renderJobRow(job, i == m.selectedJob))
	}
	return jobListStyle.Render(strings.Join(rows, "\n"))
}

func (m Model) renderJobRow(job JobState, selected bool) string {
	cursor := " "
	if selected {
		cursor = iconArrow
	}

	lastRun := "never"
	if job.LastRun != nil {
		lastRun = string(job.LastRun.Status) + " " + m.relative(job.LastRun.CreatedAt)
	}

	due := "-"
	if !job.DueBy.IsZero() && job.State != health.StateInactive {
		due = m.relative(job.DueBy)
	}

	row := fmt.Sprintf("%s  %-22s  %s  %-8s  %s  %s",
		cursor,
		padRight(truncate(job.Name, 22), 22),
		renderState(job.State, 10),
		job.Severity,
		padRight(truncate(lastRun, 16), 16),
		keyStyle.Render(due),
	)

	if selected {
		return jobItemSelectedStyle.Render(row)
	}
	return jobItemStyle.Render(row)
}

func (m Model) renderRecentRuns() string {
	rows := []string{titleStyle.Render(fmt.Sprintf("Recent Runs (%d)", len(m.recentRuns))), ""}

	if len(m.recentRuns) == 0 {
		rows = append(rows, subtitleStyle.Render("No runs yet"))
	} else {
		header := fmt.Sprintf("   %-10s  %-22s  %-8s  %-10s  %s", "Time", "Job", "Status", "Duration", "By")
		rows = append(rows, keyStyle.Render(header))
		rows = append(rows, keyStyle.Render("   "+strings.Repeat("─", 66)))
		for _, run := range m.recentRuns {
			rows = append(rows, m.renderRunItem(run))
		}
	}

	return recentRunsStyle.Render(strings.Join(rows, "\n"))
}

func (m Model) renderRunItem(run *store.Run) string {
	row := fmt.Sprintf("%s  %-10s  %-22s  %s  %s  %s",
		iconBullet,
		run.CreatedAt.Local().Format("15:04:05"),
		padRight(truncate(run.JobName, 22), 22),
		renderStatus(run.Status),
		durationStyle.Render(padRight(formatRunDuration(run), 10)),
		run.TriggeredBy,
	)
	return runItemStyle.Render(row)
}

func (m Model) renderHelpBar(help string) string {
	if m.errorMessage != "" {
		return statusBarStyle.Render(statusErrorStyle.Render("Error: " + m.errorMessage))
	}
	return statusBarStyle.Render(help)
}

// renderDetailView renders the selected job's configuration, anomalies and history.
func (m Model) renderDetailView() string {
	if m.selectedJob >= len(m.jobs) {
		return "Invalid job selection"
	}
	job := m.jobs[m.selectedJob]
	sections := []string{m.renderHeader(job.Name)}

	info := []string{titleStyle.Render("Configuration"), ""}
	kv := func(k, v string) {
		info = append(info, fmt.Sprintf("%s %s", keyStyle.Render(k), valueStyle.Render(v)))
	}
	if job.Job.Description != "" {
		kv("Description:", truncate(job.Job.Description, 60))
	}
	if job.Schedule != "" {
		kv("Schedule:", job.Schedule)
	}
	kv("Expected every:", job.Job.ExpectedEvery().String())
	if maxRuntime, ok := job.Job.MaxRuntime(); ok {
		kv("Max runtime:", maxRuntime.String())
	}
	kv("Severity:", string(job.Severity))
	if job.Job.AlertTarget != "" {
		kv("Alert target:", job.Job.AlertTarget)
	}
	if job.Job.ManualTriggerURL != "" {
		kv("Trigger URL:", truncate(job.Job.ManualTriggerURL, 60))
	}
	info = append(info, fmt.Sprintf("%s %s", keyStyle.Render("Health:"), renderState(job.State, 0)))
	for _, a := range job.Anomalies {
		info = append(info, "    "+statusErrorStyle.Render(iconError+" ")+a.Detail)
	}

	maintainers := make([]string, 0, len(m.detailMaintainers))
	for _, mt := range m.detailMaintainers {
		maintainers = append(maintainers, mt.UserID)
	}
	if len(maintainers) == 0 {
		kv("Maintainers:", "none")
	} else {
		kv("Maintainers:", strings.Join(maintainers, ", "))
	}
	sections = append(sections, jobListStyle.Render(strings.Join(info, "\n")))

	history := []string{titleStyle.Render(fmt.Sprintf("Run History (%d runs)", len(m.detailRuns))), ""}
	if len(m.detailRuns) == 0 {
		history = append(history, subtitleStyle.Render("No runs yet"))
	} else {
		header := fmt.Sprintf("  %-20s  %-8s  %-10s  %s", "Reported", "Status", "Duration", "By")
		history = append(history, keyStyle.Render(header))
		history = append(history, keyStyle.Render("  "+strings.Repeat("─", 60)))
		for _, run := range m.detailRuns {
			row := fmt.Sprintf("  %-20s  %s  %s  %s",
				run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				renderStatus(run.Status),
				durationStyle.Render(padRight(formatRunDuration(run), 10)),
				run.TriggeredBy,
			)
			history = append(history, row)
			if run.Status == store.StatusFailed && run.Message != "" {
				preview := truncate(strings.TrimSpace(run.Message), 75)
				history = append(history, "    "+keyStyle.Render("Error: ")+statusErrorStyle.Render(preview))
			}
		}
	}
	sections = append(sections, detailHistoryStyle.Render(strings.Join(history, "\n")))
	sections = append(sections, m.renderHelpBar("esc: back  │  q: quit  │  r: refresh"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// relative formats t against the model clock, e.g. "3 minutes ago" or "2 hours from now".
func (m Model) relative(t time.Time) string {
	return humanize.RelTime(t, m.now(), "ago", "from now")
}

func renderState(s health.State, width int) string {
	b, ok := stateBadges[s]
	if !ok {
		b = badge{iconInactive, statusIdleStyle}
	}
	text := fmt.Sprintf("%s %s", b.icon, s)
	if width > 0 {
		text = padRight(text, width)
	}
	return b.style.Render(text)
}

func renderStatus(s store.Status) string {
	text := padRight(string(s), 8)
	if style, ok := statusStyles[s]; ok {
		return style.Render(text)
	}
	return text
}

func formatRunDuration(run *store.Run) string {
	if run.DurationSeconds == nil {
		return "-"
	}
	return formatDuration(time.Duration(*run.DurationSeconds * float64(time.Second)))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// truncate truncates a string to a maximum length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// padRight pads a string with spaces to reach the desired length.
func padRight(s string, length int) string {
	n := lipgloss.Width(s)
	if n >= length {
		return s
	}
	return s + strings.Repeat(" ", length-n)
}
