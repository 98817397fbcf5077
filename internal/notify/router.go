package notify

import (
	"context"
	"errors"
	"strings"
)

// Router picks a channel per recipient: addresses containing "@" go to
// email, everything else to Slack. Missing channels fall back to the log.
type Router struct {
	Slack    Sender
	Email    Sender
	Fallback Sender
}

// Send routes msg by recipient.
func (r *Router) Send(ctx context.Context, msg Message) error {
	ch := r.channelFor(msg.Recipient)
	if ch == nil {
		return errors.New("no notification channel configured")
	}
	return ch.Send(ctx, msg)
}

func (r *Router) channelFor(recipient string) Sender {
	if strings.Contains(recipient, "@") && !strings.HasPrefix(recipient, "<@") {
		if r.Email != nil {
			return r.Email
		}
		return r.Fallback
	}
	if r.Slack != nil {
		return r.Slack
	}
	return r.Fallback
}
