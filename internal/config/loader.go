package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads and validates a cronwatch configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to defaults plus environment when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = NewDefaultConfig()
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bbolt"
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case "sqlite":
			cfg.Store.Path = "./.cronwatch.sqlite"
		default:
			cfg.Store.Path = "./.cronwatch.db"
		}
	}

	if cfg.Evaluator.Schedule == "" {
		cfg.Evaluator.Schedule = "@every 1m"
	}
	if cfg.Evaluator.Timezone == "" {
		cfg.Evaluator.Timezone = "Local"
	}
	if cfg.Digest.Schedule == "" {
		cfg.Digest.Schedule = "55 23 * * *"
	}

	if cfg.Notify.TimeoutSec == 0 {
		cfg.Notify.TimeoutSec = 10
	}
	if cfg.Notify.Slack.APIURL == "" {
		cfg.Notify.Slack.APIURL = "https://slack.com/api"
	}
	if cfg.Notify.Email.FromName == "" {
		cfg.Notify.Email.FromName = "cronwatch"
	}
	if cfg.Notify.Breaker.MaxFailures == 0 {
		cfg.Notify.Breaker.MaxFailures = 5
	}
	if cfg.Notify.Breaker.OpenTimeoutSec == 0 {
		cfg.Notify.Breaker.OpenTimeoutSec = 60
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Webhook.DefaultSource == "" {
		cfg.Webhook.DefaultSource = "external-app"
	}
	if cfg.Webhook.InboxSize == 0 {
		cfg.Webhook.InboxSize = 50
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	for i := range cfg.Jobs {
		if cfg.Jobs[i].Severity == "" {
			cfg.Jobs[i].Severity = "medium"
		}
	}
}

// applyEnv overrides secrets and connection strings from the environment.
func applyEnv(cfg *Config) {
	setFromEnv := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setFromEnv(&cfg.Store.DSN, "CRONWATCH_DATABASE_URL", "DATABASE_URL")
	setFromEnv(&cfg.Notify.Slack.BotToken, "SLACK_BOT_TOKEN")
	setFromEnv(&cfg.Server.SlackSigningSecret, "SLACK_SIGNING_SECRET")
	setFromEnv(&cfg.Notify.Email.SendGridAPIKey, "SENDGRID_API_KEY")
	setFromEnv(&cfg.Server.APIToken, "CRONWATCH_API_TOKEN")
}

var (
	jobNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	everyPattern   = regexp.MustCompile(`^\d+(ms|s|m|h)$`)
	humanPattern   = regexp.MustCompile(`^every\s+\d+\s*[a-z]+$`)
)

// validate checks the configuration for errors and inconsistencies.
func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "bbolt", "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %s", cfg.Store.Driver)
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn (or DATABASE_URL) is required for driver postgres")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be 'bbolt', 'sqlite', or 'postgres')", cfg.Store.Driver)
	}

	if err := ValidateSchedule(cfg.Evaluator.Schedule); err != nil {
		return fmt.Errorf("evaluator.schedule: %w", err)
	}
	if err := ValidateSchedule(cfg.Digest.Schedule); err != nil {
		return fmt.Errorf("digest.schedule: %w", err)
	}
	if _, err := cfg.Evaluator.Location(); err != nil {
		return fmt.Errorf("evaluator.timezone: %w", err)
	}

	if cfg.Notify.TimeoutSec < 0 {
		return fmt.Errorf("notify.timeout_sec must be non-negative")
	}
	if cfg.Notify.Breaker.OpenTimeoutSec < 0 {
		return fmt.Errorf("notify.breaker.open_timeout_sec must be non-negative")
	}
	for i, h := range cfg.Notify.Hooks {
		if h.Agent == "" {
			return fmt.Errorf("notify.hooks[%d] is missing an agent", i)
		}
		if h.MinSeverity != "" && !validSeverity(h.MinSeverity) {
			return fmt.Errorf("notify.hooks[%d] has invalid min_severity %q", i, h.MinSeverity)
		}
	}

	if cfg.Webhook.InboxSize < 0 {
		return fmt.Errorf("webhook.inbox_size must be non-negative")
	}

	for i, a := range cfg.Security.BootstrapAdmins {
		if strings.TrimSpace(a.UserID) == "" {
			return fmt.Errorf("security.bootstrap_admins[%d] is missing a user_id", i)
		}
	}

	names := make(map[string]bool)
	for i, job := range cfg.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job at index %d is missing a name", i)
		}
		if !jobNamePattern.MatchString(job.Name) {
			return fmt.Errorf("job %s: name must be lowercase letters, digits and dashes", job.Name)
		}
		if names[job.Name] {
			return fmt.Errorf("duplicate job name: %s", job.Name)
		}
		names[job.Name] = true

		if job.ExpectedEverySeconds <= 0 {
			return fmt.Errorf("job %s: expected_every_s must be positive", job.Name)
		}
		if job.MaxRuntimeSeconds < 0 {
			return fmt.Errorf("job %s: max_runtime_s must be non-negative", job.Name)
		}
		if !validSeverity(job.Severity) {
			return fmt.Errorf("job %s: invalid severity %q (must be low, medium or high)", job.Name, job.Severity)
		}
	}

	return nil
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high":
		return true
	}
	return false
}

// ValidateSchedule checks if a schedule expression is valid.
// Supports cron expressions, @-prefixed shortcuts, @every intervals and
// "every 5m" style intervals.
func ValidateSchedule(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return fmt.Errorf("schedule cannot be empty")
	}

	if strings.HasPrefix(schedule, "@") {
		switch schedule {
		case "@annually", "@yearly", "@monthly", "@weekly", "@daily", "@midnight", "@hourly":
			return nil
		}

		if strings.HasPrefix(schedule, "@every ") {
			interval := strings.TrimSpace(strings.TrimPrefix(schedule, "@every "))
			if everyPattern.MatchString(interval) {
				return nil
			}
			return fmt.Errorf("invalid @every interval: %s (must be like '5m', '1h', '30s')", interval)
		}

		return fmt.Errorf("unknown schedule shortcut: %s", schedule)
	}

	if humanPattern.MatchString(strings.ToLower(schedule)) {
		return nil
	}

	// robfig/cron validates the fields at scheduling time
	fields := strings.Fields(schedule)
	if len(fields) < 5 || len(fields) > 6 {
		return fmt.Errorf("cron expression must have 5 or 6 fields, got %d", len(fields))
	}
	return nil
}
