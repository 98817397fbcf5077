package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/caevv/cronwatch/internal/digest"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSlackChannel_Send(t *testing.T) {
	var (
		mu   sync.Mutex
		got  slackPostMessage
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		switch got.Channel {
		case "#broken":
			w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		case "#revoked":
			w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch := NewSlackChannel("xoxb-test", srv.URL+"/", time.Second)

	tests := []struct {
		name    string
		msg           Message
		wantErr       bool
		wantRecipient bool
	}{
		{"delivered", Message{Recipient: "U123", Text: "hello"}, false, false},
		{"unknown channel", Message{Recipient: "#broken", Text: "hello"}, true, true},
		{"no recipient", Message{Text: "hello"}, true, true},
		{"bad token", Message{Recipient: "#revoked", Text: "hello"}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ch.Send(context.Background(), tt.msg)
			if tt.wantErr {
				if !errors.Is(err, ErrDeliveryFailure) {
					t.Errorf("Send() error = %v, want ErrDeliveryFailure", err)
				}
				if errors.Is(err, ErrRecipient) != tt.wantRecipient {
					t.Errorf("errors.Is(%v, ErrRecipient) = %v, want %v", err, !tt.wantRecipient, tt.wantRecipient)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer xoxb-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestSlackChannel_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewSlackChannel("t", srv.URL, time.Second).Send(context.Background(), Message{Recipient: "C1", Text: "x"})
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Errorf("Send() error = %v, want ErrDeliveryFailure", err)
	}
}

type fakeMailClient struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeMailClient) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status, Body: "body"}, nil
}

func TestEmailChannel_Send(t *testing.T) {
	tests := []struct {
		name    string
		client        *fakeMailClient
		wantErr       bool
		wantRecipient bool
	}{
		{"accepted", &fakeMailClient{status: http.StatusAccepted}, false, false},
		{"rejected", &fakeMailClient{status: http.StatusUnauthorized}, true, false},
		{"bad address", &fakeMailClient{status: http.StatusBadRequest}, true, true},
		{"transport error", &fakeMailClient{err: errors.New("dial tcp: timeout")}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &EmailChannel{client: tt.client, from: mail.NewEmail("cronwatch", "alerts@example.com")}
			err := ch.Send(context.Background(), Message{Recipient: "ops@example.com", Subject: "etl failed", Text: "details"})
			if tt.wantErr != (err != nil) {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDeliveryFailure) {
				t.Errorf("error %v does not wrap ErrDeliveryFailure", err)
			}
			if errors.Is(err, ErrRecipient) != tt.wantRecipient {
				t.Errorf("errors.Is(%v, ErrRecipient) = %v, want %v", err, !tt.wantRecipient, tt.wantRecipient)
			}
			if len(tt.client.sent) != 1 || tt.client.sent[0].Subject != "etl failed" {
				t.Errorf("unexpected sent mail: %+v", tt.client.sent)
			}
		})
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestRouter(t *testing.T) {
	slack, email, fallback := &recordingSender{}, &recordingSender{}, &recordingSender{}

	tests := []struct {
		name      string
		router    *Router
		recipient string
		want      *recordingSender
	}{
		{"user id goes to slack", &Router{Slack: slack, Email: email, Fallback: fallback}, "U123", slack},
		{"channel goes to slack", &Router{Slack: slack, Email: email, Fallback: fallback}, "#ops", slack},
		{"address goes to email", &Router{Slack: slack, Email: email, Fallback: fallback}, "ops@example.com", email},
		{"mention is not an address", &Router{Slack: slack, Email: email, Fallback: fallback}, "<@U123>", slack},
		{"no email channel falls back", &Router{Slack: slack, Fallback: fallback}, "ops@example.com", fallback},
		{"no slack channel falls back", &Router{Email: email, Fallback: fallback}, "#ops", fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.want.count()
			if err := tt.router.Send(context.Background(), Message{Recipient: tt.recipient}); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if tt.want.count() != before+1 {
				t.Errorf("message not routed to the expected channel")
			}
		})
	}

	if err := (&Router{}).Send(context.Background(), Message{Recipient: "#ops"}); err == nil {
		t.Error("expected error with no channels")
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	failing := &recordingSender{err: errors.New("boom")}
	b := WithBreaker("slack", failing, BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute}, discardLogger())
	msg := Message{Recipient: "#ops"}

	for i := 0; i < 2; i++ {
		if err := b.Send(context.Background(), msg); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if b.State("#ops") != "open" {
		t.Errorf("State() = %s, want open", b.State("#ops"))
	}

	err := b.Send(context.Background(), msg)
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Errorf("open breaker error = %v, want ErrDeliveryFailure", err)
	}
	if failing.count() != 2 {
		t.Errorf("open breaker still called the channel: %d calls", failing.count())
	}
}

func TestBreaker_FailingRecipientDoesNotBlockOthers(t *testing.T) {
	var mu sync.Mutex
	delivered := map[string]int{}
	channel := SenderFunc(func(_ context.Context, msg Message) error {
		if msg.Recipient == "#bad" {
			return fmt.Errorf("%w: slack %s: timeout", ErrDeliveryFailure, msg.Recipient)
		}
		mu.Lock()
		defer mu.Unlock()
		delivered[msg.Recipient]++
		return nil
	})
	b := WithBreaker("slack", channel, BreakerSettings{MaxFailures: 5, OpenTimeout: time.Minute}, discardLogger())

	for i := 0; i < 6; i++ {
		if err := b.Send(context.Background(), Message{Recipient: "#bad", Text: "missed"}); err == nil {
			t.Fatalf("attempt %d to #bad: expected error", i)
		}
	}
	if b.State("#bad") != "open" {
		t.Errorf("State(#bad) = %s, want open", b.State("#bad"))
	}

	if err := b.Send(context.Background(), Message{Recipient: "U_GOOD", Text: "missed"}); err != nil {
		t.Fatalf("healthy recipient: Send() error = %v", err)
	}
	if b.State("U_GOOD") != "closed" {
		t.Errorf("State(U_GOOD) = %s, want closed", b.State("U_GOOD"))
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered["U_GOOD"] != 1 {
		t.Errorf("U_GOOD deliveries = %d, want 1", delivered["U_GOOD"])
	}
}

func TestBreaker_RecipientErrorsDoNotTrip(t *testing.T) {
	rejecting := &recordingSender{err: recipientError("slack", "#gone", "channel_not_found")}
	b := WithBreaker("slack", rejecting, BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute}, discardLogger())

	for i := 0; i < 5; i++ {
		err := b.Send(context.Background(), Message{Recipient: "#gone"})
		if !errors.Is(err, ErrRecipient) {
			t.Fatalf("attempt %d: error = %v, want ErrRecipient", i, err)
		}
	}
	if b.State("#gone") != "closed" {
		t.Errorf("State() = %s, want closed", b.State("#gone"))
	}
	if rejecting.count() != 5 {
		t.Errorf("channel called %d times, want 5", rejecting.count())
	}
}

func TestLogChannel(t *testing.T) {
	var buf strings.Builder
	ch := NewLogChannel(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := ch.Send(context.Background(), Message{Recipient: "#ops", JobName: "etl", Text: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(buf.String(), "job_name=etl") {
		t.Errorf("unexpected log output: %s", buf.String())
	}
}

func TestAnomalyMessage(t *testing.T) {
	msg := AnomalyMessage(health.Anomaly{
		JobName:          "etl",
		Kind:             health.KindStuck,
		Detail:           "run 7 started 2h ago",
		RunID:            7,
		Severity:         store.SeverityHigh,
		ManualTriggerURL: "https://ci.example.com/etl",
	})

	if msg.Subject != "[HIGH] etl looks stuck" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"run 7 started 2h ago", "https://ci.example.com/etl"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Text missing %q: %s", want, msg.Text)
		}
	}
	if msg.Kind != KindStuck || msg.RunID != 7 {
		t.Errorf("unexpected metadata: %+v", msg)
	}
}

func TestFailureMessage(t *testing.T) {
	dur := 1.5
	job := &store.Job{Name: "backup", Severity: store.SeverityMedium}
	run := &store.Run{ID: 3, Status: store.StatusFailed, Message: strings.Repeat("x", 600), DurationSeconds: &dur, TriggeredBy: "cron", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	msg := FailureMessage(job, run)
	if msg.Subject != "[MEDIUM] backup failed" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "after 1.5s") {
		t.Errorf("Text missing duration: %s", msg.Text)
	}
	if strings.Count(msg.Text, "x") > maxMessageLen+1 {
		t.Error("run message was not truncated")
	}
}

func TestDigestMessage(t *testing.T) {
	d := &digest.Digest{
		Since: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Rows: []digest.Row{
			{JobName: "etl", Total: 3, Counts: map[store.Status]int{store.StatusSuccess: 2, store.StatusFailed: 1}},
		},
		Silent: []string{"reindex"},
	}
	msg := DigestMessage(d)
	for _, want := range []string{"2026-03-10", "*etl*: 3 total, 2 success, 1 failed", "No runs today: reindex"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, msg.Text)
		}
	}

	empty := DigestMessage(&digest.Digest{Since: d.Since})
	if !strings.Contains(empty.Text, "No runs recorded today") {
		t.Errorf("empty digest text: %s", empty.Text)
	}
}
