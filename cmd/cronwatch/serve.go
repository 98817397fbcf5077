package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/leader"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/scheduler"
	"github.com/caevv/cronwatch/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evaluator, digest and HTTP server",
	Long: `Start cronwatch.

This command opens the store, registers jobs declared in the config,
schedules the health evaluation tick and the daily digest, and serves
the HTTP API, the Slack slash command endpoint, the webhook endpoint
and the web dashboard.

Example:
  cronwatch serve --config ./cronwatch.yaml --addr :8080`,
	RunE: runServer,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "HTTP server address (host:port), overrides server.addr")
	serveCmd.Flags().Bool("no-http", false, "Run the evaluator and digest without the HTTP server")
}

func runServer(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	addr := cfg.Server.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}
	noHTTP, _ := cmd.Flags().GetBool("no-http")

	logger.Info("starting cronwatch",
		"addr", addr,
		"store_driver", cfg.Store.Driver,
		"evaluate_schedule", cfg.Evaluator.Schedule,
		"digest_schedule", cfg.Digest.Schedule,
		"timezone", cfg.Evaluator.Timezone)

	ctx := setupSignalHandler()

	if err := a.seed(ctx); err != nil {
		return err
	}

	n, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}
	locker := buildLocker(cfg, a.store)
	mon, err := a.buildMonitor(n, locker)
	if err != nil {
		return err
	}

	loc, _ := cfg.Evaluator.Location()
	sched := scheduler.New(ctx, logger, loc)
	tasks := []scheduler.Task{
		{
			Name:     "evaluate",
			Schedule: cfg.Evaluator.Schedule,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := mon.Tick(ctx)
				return err
			},
		},
		{
			Name:     "digest",
			Schedule: cfg.Digest.Schedule,
			Timeout:  time.Minute,
			Run:      mon.PublishDigest,
		},
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", t.Name, err)
		}
	}

	var srv *server.Server
	if !noHTTP {
		srv = server.New(server.Deps{
			Store:    a.store,
			Registry: a.registry,
			Monitor:  mon,
			Inbox:    inbox.New(cfg.Webhook.InboxSize),
			Poster:   n.Router,
			Tasks:    sched,
		}, server.Options{
			Addr:               addr,
			APIToken:           cfg.Server.APIToken,
			SlackSigningSecret: cfg.Server.SlackSigningSecret,
			WebhookChannel:     cfg.Webhook.DefaultChannel,
			WebhookSource:      cfg.Webhook.DefaultSource,
			Logger:             logger,
		})
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting scheduler...")
		sched.Start()
		// Evaluate once at startup instead of waiting for the first tick
		if err := sched.RunNow("evaluate"); err != nil {
			logger.Warn("initial evaluation not started", "error", err)
		}
		<-gCtx.Done()
		return nil
	})

	if srv != nil {
		g.Go(func() error {
			logger.Info("starting HTTP server", "addr", addr)
			if err := srv.Start(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down gracefully...")
		return shutdown(sched, srv, mon, locker)
	})

	logger.Info("cronwatch started",
		"tasks", len(tasks),
		"http", srv != nil)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("error during execution", "error", err)
		return err
	}

	logger.Info("cronwatch stopped")
	return nil
}

func shutdown(sched *scheduler.Scheduler, srv *server.Server, mon *monitor.Monitor, locker leader.Locker) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}
	mon.Wait()

	if err := mon.Resign(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resign leadership: %w", err))
	}
	if pg, ok := locker.(*leader.PostgresLocker); ok {
		if err := pg.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release leader locks: %w", err))
		}
	}

	for _, err := range errs {
		logger.Error("shutdown error", "error", err)
	}
	return errors.Join(errs...)
}
