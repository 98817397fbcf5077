package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/rest"
)

// SlackChannel posts messages with chat.postMessage.
type SlackChannel struct {
	token  string
	apiURL string
	rest   *rest.Client
}

// NewSlackChannel creates a Slack channel. apiURL defaults to https://slack.com/api.
func NewSlackChannel(token, apiURL string, timeout time.Duration) *SlackChannel {
	if apiURL == "" {
		apiURL = "https://slack.com/api"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackChannel{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		rest:   &rest.Client{HTTPClient: &http.Client{Timeout: timeout}},
	}
}

type slackPostMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Mrkdwn  bool   `json:"mrkdwn"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// slackRecipientErrors are chat.postMessage errors caused by the channel or
// user being posted to rather than by Slack or the token.
var slackRecipientErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"user_not_found":    true,
	"user_disabled":     true,
	"cannot_dm_bot":     true,
}

// Send posts msg.Text to msg.Recipient.
func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("%w: %w: slack message without recipient", ErrDeliveryFailure, ErrRecipient)
	}

	body, err := json.Marshal(slackPostMessage{Channel: msg.Recipient, Text: msg.Text, Mrkdwn: true})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}

	resp, err := s.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: s.apiURL + "/chat.postMessage",
		Headers: map[string]string{
			"Content-Type":  "application/json; charset=utf-8",
			"Authorization": "Bearer " + s.token,
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("%w: slack %s: %v", ErrDeliveryFailure, msg.Recipient, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: slack %s: status %d", ErrDeliveryFailure, msg.Recipient, resp.StatusCode)
	}

	var out slackResponse
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		return fmt.Errorf("%w: slack %s: decode response: %v", ErrDeliveryFailure, msg.Recipient, err)
	}
	if !out.OK {
		if slackRecipientErrors[out.Error] {
			return recipientError("slack", msg.Recipient, out.Error)
		}
		return fmt.Errorf("%w: slack %s: %s", ErrDeliveryFailure, msg.Recipient, out.Error)
	}
	return nil
}
