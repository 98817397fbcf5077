package server

import (
	"time"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Uptime          string    `json:"uptime"`
	UptimeSeconds   float64   `json:"uptime_s"`
	WebhookMessages int       `json:"webhook_messages"`
	LastTick        time.Time `json:"last_tick,omitzero"`
	Timestamp       time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// RegisterRequest registers a job and optionally its maintainers.
type RegisterRequest struct {
	registry.JobSpec
	Maintainers []string `json:"maintainers,omitempty"`
}

// JobDetail is a job with its maintainers, health and recent runs.
type JobDetail struct {
	Job         *store.Job          `json:"job"`
	State       health.State        `json:"state"`
	Anomalies   []health.Anomaly    `json:"anomalies,omitempty"`
	Maintainers []*store.Maintainer `json:"maintainers"`
	RecentRuns  []*store.Run        `json:"recent_runs"`
}

// ReportRequest is the body of POST /api/jobs/:name/runs.
type ReportRequest struct {
	Status          string   `json:"status" binding:"required"`
	Message         string   `json:"message,omitempty"`
	DurationSeconds *float64 `json:"duration_s,omitempty"`
	TriggeredBy     string   `json:"triggered_by,omitempty"`
}

// UserRequest names a maintainer or admin.
type UserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// AnomaliesResponse lists the current anomalies.
type AnomaliesResponse struct {
	Anomalies   []health.Anomaly `json:"anomalies"`
	Count       int              `json:"count"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// WebhookRequest is the body of POST /webhook.
type WebhookRequest struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Channel string `json:"channel"`
}

// WebhookResponse acknowledges a webhook message.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
	Posted  bool   `json:"posted"`
}

// WebhookMessagesResponse lists stored webhook messages.
type WebhookMessagesResponse struct {
	Messages []inbox.Message `json:"messages"`
	Count    int             `json:"count"`
}
