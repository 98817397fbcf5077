package config

import "time"

// Config represents the top-level configuration structure for cronwatch.
type Config struct {
	Store     Store     `yaml:"store"`
	Evaluator Evaluator `yaml:"evaluator"`
	Digest    Digest    `yaml:"digest"`
	Alerts    Alerts    `yaml:"alerts"`
	Notify    Notify    `yaml:"notify"`
	Server    Server    `yaml:"server"`
	Webhook   Webhook   `yaml:"webhook"`
	Security  Security  `yaml:"security"`
	Logging   Logging   `yaml:"logging"`
	Jobs      []Job     `yaml:"jobs"`
}

// Store configuration for the registry and run ledger.
type Store struct {
	Driver string `yaml:"driver"` // "bbolt", "sqlite", or "postgres"
	Path   string `yaml:"path"`   // file path for bbolt and sqlite
	DSN    string `yaml:"dsn"`    // connection string for postgres
}

// Evaluator controls the health evaluation tick.
type Evaluator struct {
	Schedule     string `yaml:"schedule"`      // tick cadence, default "@every 1m"
	Timezone     string `yaml:"timezone"`      // reference clock for "today"
	RecordMissed bool   `yaml:"record_missed"` // append a missed run when a miss is first alerted
	LeaderLock   bool   `yaml:"leader_lock"`   // take a postgres advisory lock before each tick
}

// Location resolves the evaluator time zone.
func (e Evaluator) Location() (*time.Location, error) {
	if e.Timezone == "" || e.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

// Digest controls the daily summary.
type Digest struct {
	Schedule string `yaml:"schedule"` // default "55 23 * * *"
	Channel  string `yaml:"channel"`  // where the digest is posted; empty only logs it
}

// Alerts controls routing beyond maintainers and alert targets.
type Alerts struct {
	BroadcastChannel string `yaml:"broadcast_channel"` // extra destination for high severity
	QuietFailures    bool   `yaml:"quiet_failures"`    // do not alert on reported failed runs
}

// Notify configures the delivery channels.
type Notify struct {
	TimeoutSec int      `yaml:"timeout_sec"`
	Slack      Slack    `yaml:"slack"`
	Email      Email    `yaml:"email"`
	Hooks      []Hook   `yaml:"hooks"`
	AgentPaths []string `yaml:"agent_paths"` // where hook executables are discovered
	Breaker    Breaker  `yaml:"breaker"`
}

// Slack chat.postMessage settings.
type Slack struct {
	BotToken string `yaml:"bot_token"`
	APIURL   string `yaml:"api_url"`
}

// Email settings for SendGrid delivery.
type Email struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	From           string `yaml:"from"`
	FromName       string `yaml:"from_name"`
}

// Hook runs an external agent executable for every alert.
type Hook struct {
	Agent       string         `yaml:"agent"`        // agent name (executable name)
	With        map[string]any `yaml:"with"`         // configuration passed to the agent
	MinSeverity string         `yaml:"min_severity"` // skip alerts below this severity
}

// Breaker configures the per-channel circuit breaker.
type Breaker struct {
	MaxFailures    uint32 `yaml:"max_failures"`     // consecutive failures before opening
	OpenTimeoutSec int    `yaml:"open_timeout_sec"` // how long the breaker stays open
}

// Server configures the HTTP front door.
type Server struct {
	Addr               string `yaml:"addr"`
	APIToken           string `yaml:"api_token"`            // bearer token for /api; empty disables auth
	SlackSigningSecret string `yaml:"slack_signing_secret"` // verifies slash command requests
}

// Webhook configures the ad-hoc message endpoint.
type Webhook struct {
	DefaultChannel string `yaml:"default_channel"`
	DefaultSource  string `yaml:"default_source"`
	InboxSize      int    `yaml:"inbox_size"`
}

// Security holds the admin bootstrap list.
type Security struct {
	// BootstrapAdmins seeds the admin table when it is empty.
	BootstrapAdmins []BootstrapAdmin `yaml:"bootstrap_admins"`
}

// BootstrapAdmin is one seeded admin.
type BootstrapAdmin struct {
	UserID     string `yaml:"user_id"`
	SuperAdmin bool   `yaml:"super_admin"`
}

// Logging configures the process logger.
type Logging struct {
	Format string `yaml:"format"` // json or text
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // stderr, stdout, discard or a file path
}

// Job declares a registry entry that is registered at startup if absent.
type Job struct {
	Name                 string   `yaml:"name"`
	Description          string   `yaml:"description,omitempty"`
	Schedule             string   `yaml:"schedule,omitempty"`
	ExpectedEverySeconds int64    `yaml:"expected_every_s"`
	MaxRuntimeSeconds    int64    `yaml:"max_runtime_s,omitempty"`
	Severity             string   `yaml:"severity,omitempty"`
	AlertTarget          string   `yaml:"alert_target,omitempty"`
	ManualTriggerURL     string   `yaml:"manual_trigger_url,omitempty"`
	Maintainers          []string `yaml:"maintainers,omitempty"`
}
