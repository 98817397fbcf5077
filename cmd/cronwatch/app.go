package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caevv/cronwatch/internal/alert"
	"github.com/caevv/cronwatch/internal/config"
	"github.com/caevv/cronwatch/internal/leader"
	"github.com/caevv/cronwatch/internal/logging"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/plugins"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
	"github.com/spf13/cobra"
)

// cliActor is recorded on activity entries written from the command line.
var cliActor = registry.System("cli")

// loadConfig reads --config. A missing file falls back to defaults unless
// the flag was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if cmd.Flags().Changed("config") {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// applyLogging rebuilds the global logger from the config logging block.
// fallbackOutput is used when the config names no output. --debug wins over
// the configured level.
func applyLogging(cmd *cobra.Command, cfg *config.Config, fallbackOutput string) error {
	output := cfg.Logging.Output
	if output == "" {
		output = fallbackOutput
	}
	level := cfg.Logging.Level
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = "debug"
	}
	l, err := logging.NewFromConfig(cfg.Logging.Format, level, output)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = l
	slog.SetDefault(l)
	return nil
}

// app bundles the config, the store and the registry service.
type app struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Service
}

// openApp loads the config, configures logging and opens the store.
func openApp(cmd *cobra.Command) (*app, error) {
	return openAppLogging(cmd, "")
}

func openAppLogging(cmd *cobra.Command, fallbackOutput string) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := applyLogging(cmd, cfg, fallbackOutput); err != nil {
		return nil, err
	}

	st, err := store.Open(cmd.Context(), cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	logger.Debug("store initialized", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	return &app{
		cfg:      cfg,
		store:    st,
		registry: registry.New(st, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

// seed registers declarative jobs and bootstraps the admin table.
func (a *app) seed(ctx context.Context) error {
	admins := make([]store.Admin, 0, len(a.cfg.Security.BootstrapAdmins))
	for _, b := range a.cfg.Security.BootstrapAdmins {
		admins = append(admins, store.Admin{UserID: b.UserID, IsSuperAdmin: b.SuperAdmin})
	}
	if _, err := a.registry.SeedAdmins(ctx, admins); err != nil {
		return fmt.Errorf("failed to seed admins: %w", err)
	}

	seeds := make([]registry.Seed, 0, len(a.cfg.Jobs))
	for _, j := range a.cfg.Jobs {
		seeds = append(seeds, registry.Seed{
			Spec: registry.JobSpec{
				Name:                 j.Name,
				Description:          j.Description,
				Schedule:             j.Schedule,
				ExpectedEverySeconds: j.ExpectedEverySeconds,
				MaxRuntimeSeconds:    j.MaxRuntimeSeconds,
				ManualTriggerURL:     j.ManualTriggerURL,
				Severity:             j.Severity,
				AlertTarget:          j.AlertTarget,
			},
			Maintainers: j.Maintainers,
		})
	}
	created, err := a.registry.SeedJobs(ctx, seeds)
	if err != nil {
		return fmt.Errorf("failed to seed jobs: %w", err)
	}
	if created > 0 {
		logger.Info("registered jobs from config", "count", created)
	}
	return nil
}

// notifiers are the delivery paths built from the notify block.
type notifiers struct {
	// Router sends to Slack or email per recipient, falling back to the log.
	Router notify.Sender
	// Hooks runs the configured agents. Nil when none are configured.
	Hooks notify.Sender
}

func buildNotifiers(cfg *config.Config) (*notifiers, error) {
	timeout := time.Duration(cfg.Notify.TimeoutSec) * time.Second
	breaker := notify.BreakerSettings{
		MaxFailures: cfg.Notify.Breaker.MaxFailures,
		OpenTimeout: time.Duration(cfg.Notify.Breaker.OpenTimeoutSec) * time.Second,
	}

	router := &notify.Router{Fallback: notify.NewLogChannel(logger)}
	if cfg.Notify.Slack.BotToken != "" {
		slack := notify.NewSlackChannel(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.APIURL, timeout)
		router.Slack = notify.WithBreaker("slack", slack, breaker, logger)
	}
	if cfg.Notify.Email.SendGridAPIKey != "" {
		email := notify.NewEmailChannel(cfg.Notify.Email.SendGridAPIKey, cfg.Notify.Email.From, cfg.Notify.Email.FromName)
		router.Email = notify.WithBreaker("email", email, breaker, logger)
	}
	out := &notifiers{Router: router}

	if len(cfg.Notify.Hooks) > 0 {
		executor := plugins.New(logger)
		paths := cfg.Notify.AgentPaths
		if len(paths) == 0 {
			paths = plugins.DefaultAgentPaths()
		}
		if err := executor.Discover(paths); err != nil {
			return nil, err
		}
		if err := plugins.ValidateHooks(executor, cfg.Notify.Hooks); err != nil {
			return nil, fmt.Errorf("invalid notify hooks: %w", err)
		}
		hooks := notify.NewHookChannel(executor, cfg.Notify.Hooks, cfg.Notify.TimeoutSec)
		out.Hooks = notify.WithBreaker("hooks", hooks, breaker, logger)
	}

	logger.Debug("notification channels configured",
		"slack", router.Slack != nil,
		"email", router.Email != nil,
		"hooks", len(cfg.Notify.Hooks))
	return out, nil
}

// buildLocker returns the postgres advisory locker when leader_lock is set
// on a postgres store, and a process-local one otherwise.
func buildLocker(cfg *config.Config, st store.Store) leader.Locker {
	if !cfg.Evaluator.LeaderLock {
		return leader.Local{}
	}
	sqlStore, ok := st.(*store.SQLStore)
	if !ok || sqlStore.Dialect() != "postgres" {
		return leader.Local{}
	}
	logger.Info("leader election enabled", "backend", "postgres advisory lock")
	return leader.NewPostgresLocker(sqlStore.DB(), logger)
}

// buildMonitor wires the dispatcher and monitor for a.
func (a *app) buildMonitor(n *notifiers, locker leader.Locker) (*monitor.Monitor, error) {
	loc, err := a.cfg.Evaluator.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid evaluator timezone: %w", err)
	}

	dispatcher := alert.NewDispatcher(a.store, n.Router, alert.Options{
		BroadcastChannel: a.cfg.Alerts.BroadcastChannel,
		Hooks:            n.Hooks,
		Logger:           logging.Component(logger, "alert"),
	})

	return monitor.New(monitor.Options{
		Store:         a.store,
		Dispatcher:    dispatcher,
		Sender:        n.Router,
		Hooks:         n.Hooks,
		DigestChannel: a.cfg.Digest.Channel,
		Location:      loc,
		Locker:        locker,
		RecordMissed:  a.cfg.Evaluator.RecordMissed,
		QuietFailures: a.cfg.Alerts.QuietFailures,
		Logger:        logging.Component(logger, "monitor"),
	}), nil
}
