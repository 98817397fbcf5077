package main

import (
	"fmt"
	"os"

	"github.com/caevv/cronwatch/internal/config"
	"github.com/caevv/cronwatch/internal/plugins"
	"github.com/caevv/cronwatch/internal/scheduler"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the cronwatch configuration file",
	Long: `Validate the syntax and semantics of a cronwatch configuration file.

This command loads and validates the configuration file without opening
the store. It checks for:
  - Valid YAML syntax
  - Store driver and connection settings
  - Evaluator and digest schedules
  - Evaluator time zone
  - Declared jobs (names, intervals, severities)
  - Hook agents that can be found on disk

Example:
  cronwatch validate --config ./cronwatch.yaml`,
	RunE: validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	logger.Info("validating configuration", "path", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		logger.Error("configuration file not found", "path", configPath)
		return fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("configuration validation failed", "error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	loc, err := cfg.Evaluator.Location()
	if err != nil {
		return fmt.Errorf("validation failed: invalid evaluator timezone: %w", err)
	}
	for name, expr := range map[string]string{"evaluator": cfg.Evaluator.Schedule, "digest": cfg.Digest.Schedule} {
		if _, err := scheduler.ParseSchedule(expr); err != nil {
			return fmt.Errorf("validation failed: %s schedule: %w", name, err)
		}
	}

	if len(cfg.Notify.Hooks) > 0 {
		executor := plugins.New(logger)
		paths := cfg.Notify.AgentPaths
		if len(paths) == 0 {
			paths = plugins.DefaultAgentPaths()
		}
		if err := executor.Discover(paths); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		if err := plugins.ValidateHooks(executor, cfg.Notify.Hooks); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	logger.Info("configuration is valid",
		"path", configPath,
		"jobs", len(cfg.Jobs),
		"timezone", cfg.Evaluator.Timezone,
		"store_driver", cfg.Store.Driver,
		"hooks", len(cfg.Notify.Hooks))

	for i, job := range cfg.Jobs {
		logger.Debug(fmt.Sprintf("job %d", i+1),
			"name", job.Name,
			"expected_every_s", job.ExpectedEverySeconds,
			"max_runtime_s", job.MaxRuntimeSeconds,
			"severity", job.Severity,
			"maintainers", len(job.Maintainers))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n✓ Configuration is valid: %s\n", configPath)
	fmt.Fprintf(out, "  Declared jobs: %d\n", len(cfg.Jobs))
	fmt.Fprintf(out, "  Store: %s\n", describeStore(cfg))
	fmt.Fprintf(out, "  Evaluate: %s (%s)\n", cfg.Evaluator.Schedule, loc)
	fmt.Fprintf(out, "  Digest: %s\n", cfg.Digest.Schedule)

	return nil
}

func describeStore(cfg *config.Config) string {
	if cfg.Store.Driver == "postgres" {
		return "postgres"
	}
	return fmt.Sprintf("%s (%s)", cfg.Store.Driver, cfg.Store.Path)
}
