package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caevv/cronwatch/internal/config"
	"github.com/caevv/cronwatch/internal/store"
)

// ExecuteHooks runs every hook whose min_severity admits the event. Failures
// are logged and joined; one failing agent does not stop the others.
func ExecuteHooks(ctx context.Context, executor *AgentExecutor, hooks []config.Hook, params AgentParams) error {
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for i, hook := range hooks {
		if !admits(hook, params) {
			continue
		}

		configJSON, err := json.Marshal(hook.With)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal config for agent %s: %w", hook.Agent, err))
			continue
		}

		hookParams := params
		hookParams.ConfigJSON = string(configJSON)

		result, err := executor.Execute(ctx, hook.Agent, hookParams)
		if err != nil {
			executor.logger.Error("hook execution failed",
				slog.String("agent", hook.Agent),
				slog.Int("hook_index", i),
				slog.String("event", params.Event),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}

		if result.ExitCode != 0 {
			executor.logger.Warn("hook returned non-zero exit code",
				slog.String("agent", hook.Agent),
				slog.Int("hook_index", i),
				slog.Int("exit_code", result.ExitCode),
				slog.String("stderr", result.Stderr))
			errs = append(errs, fmt.Errorf("agent %s exited with code %d", hook.Agent, result.ExitCode))
			continue
		}

		if result.JSONOutput != nil {
			executor.logger.Debug("hook output",
				slog.String("agent", hook.Agent),
				slog.Any("output", result.JSONOutput))
		}
	}

	return errors.Join(errs...)
}

// admits applies min_severity. Events without a severity, such as the
// digest, reach every hook.
func admits(hook config.Hook, params AgentParams) bool {
	if params.Severity == "" {
		return true
	}
	return store.Severity(params.Severity).AtLeast(store.Severity(hook.MinSeverity))
}

// ValidateHooks checks that every configured agent was discovered.
func ValidateHooks(executor *AgentExecutor, hooks []config.Hook) error {
	names := make([]string, 0, len(hooks))
	for _, h := range hooks {
		names = append(names, h.Agent)
	}
	return executor.ValidateAgents(names)
}
