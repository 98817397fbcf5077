package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breakers around a channel.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker fails fast for a recipient whose deliveries keep failing. Each
// recipient gets its own circuit breaker, so a dead alert target never
// blocks delivery to the other recipients on the same channel.
type Breaker struct {
	name     string
	next     Sender
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// WithBreaker wraps next in per-recipient circuit breakers named after name.
func WithBreaker(name string, next Sender, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	return &Breaker{
		name: name,
		next: next,
		settings: gobreaker.Settings{
			Timeout: settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			// Errors about the recipient itself (unknown channel, rejected
			// address) will not heal by waiting, so they do not trip.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRecipient)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("notification breaker changed state",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breaker) breakerFor(recipient string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[recipient]
	if !ok {
		settings := b.settings
		settings.Name = b.name
		if recipient != "" {
			settings.Name = b.name + ":" + recipient
		}
		cb = gobreaker.NewCircuitBreaker(settings)
		b.breakers[recipient] = cb
	}
	return cb
}

// Send forwards to the wrapped channel unless the recipient's breaker is open.
func (b *Breaker) Send(ctx context.Context, msg Message) error {
	cb := b.breakerFor(msg.Recipient)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailure, cb.Name(), err)
	}
	return err
}

// State reports the breaker state for one recipient. Recipients never sent
// to are closed.
func (b *Breaker) State(recipient string) string {
	b.mu.Lock()
	cb, ok := b.breakers[recipient]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
