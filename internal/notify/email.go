package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailChannel sends messages through SendGrid.
type EmailChannel struct {
	client mailClient
	from   *mail.Email
}

// NewEmailChannel creates a SendGrid email channel.
func NewEmailChannel(apiKey, fromAddress, fromName string) *EmailChannel {
	return &EmailChannel{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
	}
}

// Send emails msg to msg.Recipient as plain text.
func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	to := mail.NewEmail("", msg.Recipient)
	subject := msg.Subject
	if subject == "" {
		subject = "cronwatch notification"
	}
	message := mail.NewSingleEmail(e.from, subject, to, msg.Text, "")

	resp, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: email %s: %v", ErrDeliveryFailure, msg.Recipient, err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		return recipientError("email", msg.Recipient, resp.Body)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: email %s: status %d: %s", ErrDeliveryFailure, msg.Recipient, resp.StatusCode, resp.Body)
	}
	return nil
}
