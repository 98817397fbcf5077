package main

import (
	"errors"
	"fmt"

	"github.com/caevv/cronwatch/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Show job health in a terminal dashboard",
	Long: `Open an interactive terminal dashboard over the store.

The dashboard shows every job with its health (ok, missed, stuck or
inactive), its last run and the most recent runs, refreshed every second.
It only reads; run "cronwatch serve" to evaluate and alert.

Navigation:
  ↑/↓ or k/j  - Navigate job list
  enter       - View job details (configuration, maintainers, history)
  esc         - Go back to job list
  g/G         - Jump to top/bottom
  r           - Refresh data
  q           - Quit

Example:
  cronwatch tui --config ./cronwatch.yaml`,
	RunE: runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	// Logs would draw over the interface unless the config sends them elsewhere
	a, err := openAppLogging(cmd, "discard")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := setupSignalHandler()
	model := tui.New(ctx, a.store, logger)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		logger.Error("TUI error", "error", err)
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
