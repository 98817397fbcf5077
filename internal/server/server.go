// Package server exposes the monitor over HTTP: the JSON API, the webhook,
// Slack slash commands and a small HTML dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/scheduler"
	"github.com/caevv/cronwatch/internal/store"
)

// Version is reported by /health and the dashboard.
var Version = "dev"

// TaskStats reports the scheduler's periodic tasks.
type TaskStats interface {
	AllStats() []scheduler.Stats
}

// Options configures a Server.
type Options struct {
	Addr string
	// APIToken protects /api. Empty leaves the API open.
	APIToken string
	// SlackSigningSecret verifies slash commands. Empty disables them.
	SlackSigningSecret string
	// WebhookChannel receives webhook messages unless the request names one.
	WebhookChannel string
	WebhookSource  string
	Logger         *slog.Logger
}

// Server represents the HTTP front door of cronwatch.
type Server struct {
	opts     Options
	store    store.Store
	registry *registry.Service
	monitor  *monitor.Monitor
	inbox    *inbox.Inbox
	poster   notify.Sender
	tasks    TaskStats
	logger   *slog.Logger

	engine    *gin.Engine
	srv       *http.Server
	startTime time.Time
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// Deps are the services a Server reads from and writes to.
type Deps struct {
	Store    store.Store
	Registry *registry.Service
	Monitor  *monitor.Monitor
	Inbox    *inbox.Inbox
	// Poster delivers webhook messages to chat. Nil keeps them in the inbox only.
	Poster notify.Sender
	Tasks  TaskStats
}

// New creates a Server and registers its routes.
func New(deps Deps, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WebhookSource == "" {
		opts.WebhookSource = "external-app"
	}
	if deps.Inbox == nil {
		deps.Inbox = inbox.New(inbox.DefaultSize)
	}

	s := &Server{
		opts:      opts,
		store:     deps.Store,
		registry:  deps.Registry,
		monitor:   deps.Monitor,
		inbox:     deps.Inbox,
		poster:    deps.Poster,
		tasks:     deps.Tasks,
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		now:       time.Now,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/", s.handleDashboard)
	r.GET("/health", s.handleHealth)

	r.POST("/webhook", s.handleWebhook)
	r.GET("/webhook-messages", s.handleListWebhookMessages)
	r.DELETE("/webhook-messages", s.handleClearWebhookMessages)

	r.POST("/slack/commands", s.handleSlackCommand)

	api := r.Group("/api", s.apiAuth())
	{
		api.GET("/jobs", s.handleListJobs)
		api.POST("/jobs", s.handleRegisterJob)
		api.GET("/jobs/:name", s.handleGetJob)
		api.PATCH("/jobs/:name", s.handleUpdateJob)
		api.DELETE("/jobs/:name", s.handleDeleteJob)
		api.POST("/jobs/:name/deactivate", s.handleDeactivateJob)

		api.POST("/jobs/:name/runs", s.handleReportRun)
		api.GET("/jobs/:name/runs", s.handleJobRuns)
		api.GET("/runs", s.handleRecentRuns)
		api.GET("/runs/latest", s.handleLatestRuns)

		api.GET("/jobs/:name/maintainers", s.handleListMaintainers)
		api.POST("/jobs/:name/maintainers", s.handleAddMaintainer)
		api.DELETE("/jobs/:name/maintainers/:user", s.handleRemoveMaintainer)

		api.GET("/admins", s.handleListAdmins)
		api.POST("/admins", s.handleAddAdmin)
		api.DELETE("/admins/:user", s.handleRemoveAdmin)

		api.GET("/anomalies", s.handleAnomalies)
		api.GET("/digest", s.handleDigest)
		api.GET("/activity", s.handleActivity)
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.srv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", s.opts.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server", "reason", ctx.Err())
		return s.Stop(context.WithoutCancel(ctx))
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during shutdown", "error", err)
		return fmt.Errorf("shutdown failed: %w", err)
	}

	s.started = false
	s.logger.Info("HTTP server stopped")
	return nil
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return s.now().Sub(s.startTime)
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
