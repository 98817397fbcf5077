package notify

import (
	"context"
	"log/slog"
)

// LogChannel writes messages to the logger. It is the fallback when no
// external channel is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

// Send logs msg at warn level.
func (l *LogChannel) Send(ctx context.Context, msg Message) error {
	l.logger.WarnContext(ctx, "notification",
		"recipient", msg.Recipient,
		"kind", msg.Kind,
		"job_name", msg.JobName,
		"severity", string(msg.Severity),
		"subject", msg.Subject,
		"text", msg.Text,
	)
	return nil
}
