package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles incoming messages and updates the model state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		// Refresh from the store, then schedule the next tick
		m.refreshData()
		return m, tickCmd()

	case error:
		m.errorMessage = msg.Error()
		return m, nil
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		// Back to the job list
		if m.viewMode == ViewModeDetail {
			m.viewMode = ViewModeList
			m.detailRuns = nil
			m.detailMaintainers = nil
		}
		return m, nil

	case "enter":
		// Show detail view for selected job
		if m.viewMode == ViewModeList && len(m.jobs) > 0 {
			m.viewMode = ViewModeDetail
			// Load runs and maintainers for the selected job
			m.loadDetail()
		}
		return m, nil

	case "up", "k":
		if m.viewMode == ViewModeList && m.selectedJob > 0 {
			m.selectedJob--
		}
		return m, nil

	case "down", "j":
		if m.viewMode == ViewModeList && m.selectedJob < len(m.jobs)-1 {
			m.selectedJob++
		}
		return m, nil

	case "g":
		// Go to top
		if m.viewMode == ViewModeList {
			m.selectedJob = 0
		}
		return m, nil

	case "G":
		// Go to bottom
		if m.viewMode == ViewModeList && len(m.jobs) > 0 {
			m.selectedJob = len(m.jobs) - 1
		}
		return m, nil

	case "r":
		// Manual refresh, detail view included
		m.refreshData()
		return m, nil
	}

	return m, nil
}
