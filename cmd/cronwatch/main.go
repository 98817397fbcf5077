package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caevv/cronwatch/internal/server"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global logger
	logger *slog.Logger
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cronwatch",
	Short: "Health monitor for scheduled jobs",
	Long: `Cronwatch keeps a registry of scheduled jobs and a ledger of the runs they
report, and alerts maintainers when a job misses its window or gets stuck.

Features:
  - Missed and stuck detection with alert-once semantics
  - Slack, email and hook agent notifications
  - Daily digest of run counts per job
  - HTTP API, Slack slash commands and a web dashboard
  - bbolt, SQLite or PostgreSQL storage`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	server.Version = version

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "cronwatch.yaml", "Path to configuration file")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
			slog.SetDefault(logger)
			logger.Debug("debug logging enabled")
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(maintainerCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(tokenCmd)
}

// setupSignalHandler creates a context that cancels on SIGINT or SIGTERM
func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()

		// Force exit if second signal received
		sig = <-sigChan
		logger.Warn("received second signal, forcing exit", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx
}
