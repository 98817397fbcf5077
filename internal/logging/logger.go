package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const loggerContextKey contextKey = "logger"

const redacted = "***REDACTED***"

// secretKey matches attribute keys whose values must never reach the log:
// Slack bot tokens, signing secrets, SendGrid keys, database passwords and
// DSNs, and raw authorization headers.
var secretKey = regexp.MustCompile(`(?i)(_TOKEN|_SECRET|_KEY)$|PASSWORD|^authorization$|^dsn$`)

// New creates a JSON logger on stdout with the given level.
// Level can be "debug", "info", "warn", or "error" (case-insensitive).
// Unknown levels fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(newHandler("json", w, parseLevel(level)))
}

// NewFromConfig builds the logger described by the logging config block.
// format is json (default) or text; output is stderr (default), stdout,
// discard, or a file path opened for appending.
func NewFromConfig(format, level, output string) (*slog.Logger, error) {
	w, err := openOutput(output)
	if err != nil {
		return nil, err
	}
	return slog.New(newHandler(format, w, parseLevel(level))), nil
}

func newHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard", "/dev/null":
		return io.Discard, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return f, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if secretKey.MatchString(a.Key) {
		return slog.String(a.Key, redacted)
	}
	return a
}

// WithContext attaches a logger to a context. The HTTP middleware stores the
// request-scoped logger here for handlers to pick up.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithFields creates a new logger with additional fields such as job_name or tick_id.
func WithFields(logger *slog.Logger, fields map[string]any) *slog.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return logger.With(args...)
}

// Component returns a logger tagged with the emitting subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// ForJob returns a logger tagged with a job name.
func ForJob(logger *slog.Logger, jobName string) *slog.Logger {
	return logger.With(slog.String("job_name", jobName))
}
