package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/caevv/cronwatch/internal/config"
	"github.com/caevv/cronwatch/internal/plugins"
)

// HookChannel hands every message to the configured agent executables.
type HookChannel struct {
	executor   *plugins.AgentExecutor
	hooks      []config.Hook
	timeoutSec int
	now        func() time.Time
}

// NewHookChannel creates a hook channel over a discovered executor.
func NewHookChannel(executor *plugins.AgentExecutor, hooks []config.Hook, timeoutSec int) *HookChannel {
	return &HookChannel{
		executor:   executor,
		hooks:      hooks,
		timeoutSec: timeoutSec,
		now:        time.Now,
	}
}

// Send runs the hooks. The recipient is ignored.
func (h *HookChannel) Send(ctx context.Context, msg Message) error {
	params := plugins.AgentParams{
		Event:      eventFor(msg.Kind),
		JobName:    msg.JobName,
		Kind:       msg.Kind,
		Severity:   string(msg.Severity),
		RunID:      msg.RunID,
		Subject:    msg.Subject,
		Text:       msg.Text,
		Timestamp:  h.now(),
		TimeoutSec: h.timeoutSec,
	}
	if err := plugins.ExecuteHooks(ctx, h.executor, h.hooks, params); err != nil {
		return fmt.Errorf("%w: hooks: %v", ErrDeliveryFailure, err)
	}
	return nil
}

func eventFor(kind string) string {
	switch kind {
	case KindFailed:
		return plugins.EventFailure
	case KindDigest:
		return plugins.EventDigest
	}
	return plugins.EventAlert
}
