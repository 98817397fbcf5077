// Package notify delivers rendered messages to Slack, email, hook agents or
// the log.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/caevv/cronwatch/internal/store"
)

// ErrDeliveryFailure marks a message that could not be delivered.
var ErrDeliveryFailure = errors.New("delivery failure")

// ErrRecipient marks a delivery rejected because of the recipient itself,
// such as an unknown Slack channel or an invalid email address. Errors
// carrying it also carry ErrDeliveryFailure.
var ErrRecipient = errors.New("recipient rejected")

// recipientError wraps a recipient-scoped rejection.
func recipientError(channel, recipient, reason string) error {
	return fmt.Errorf("%w: %w: %s %s: %s", ErrDeliveryFailure, ErrRecipient, channel, recipient, reason)
}

// Message kinds.
const (
	KindMissed  = "missed"
	KindStuck   = "stuck"
	KindFailed  = "failed"
	KindDigest  = "digest"
	KindWebhook = "webhook"
)

// Message is one rendered notification for one recipient.
type Message struct {
	// Recipient is a Slack user or channel id, a #channel name or an email
	// address. Hook channels ignore it.
	Recipient string
	Subject   string
	Text      string

	Kind     string
	JobName  string
	Severity store.Severity
	RunID    int64
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
