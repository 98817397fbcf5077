package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/caevv/cronwatch/internal/digest"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/store"
)

// maxMessageLen keeps run messages from flooding a channel.
const maxMessageLen = 500

func severityTag(s store.Severity) string {
	return "[" + strings.ToUpper(string(s)) + "]"
}

// AnomalyMessage renders a missed or stuck anomaly.
func AnomalyMessage(a health.Anomaly) Message {
	var subject, icon string
	switch a.Kind {
	case health.KindStuck:
		icon = ":hourglass:"
		subject = fmt.Sprintf("%s %s looks stuck", severityTag(a.Severity), a.JobName)
	default:
		icon = ":warning:"
		subject = fmt.Sprintf("%s %s missed its schedule", severityTag(a.Severity), a.JobName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n%s", icon, subject, a.Detail)
	if a.ManualTriggerURL != "" {
		fmt.Fprintf(&b, "\nRun it manually: %s", a.ManualTriggerURL)
	}

	return Message{
		Subject:  subject,
		Text:     b.String(),
		Kind:     string(a.Kind),
		JobName:  a.JobName,
		Severity: a.Severity,
		RunID:    a.RunID,
	}
}

// FailureMessage renders a reported failed run.
func FailureMessage(job *store.Job, run *store.Run) Message {
	subject := fmt.Sprintf("%s %s failed", severityTag(job.Severity), job.Name)

	var b strings.Builder
	fmt.Fprintf(&b, ":x: *%s*\nRun %d reported by %s at %s", subject, run.ID, run.TriggeredBy, run.CreatedAt.UTC().Format(time.RFC3339))
	if run.DurationSeconds != nil {
		fmt.Fprintf(&b, " after %s", (time.Duration(*run.DurationSeconds * float64(time.Second))).Round(time.Millisecond))
	}
	if run.Message != "" {
		fmt.Fprintf(&b, "\n```%s```", truncate(run.Message, maxMessageLen))
	}
	if job.ManualTriggerURL != "" {
		fmt.Fprintf(&b, "\nRun it manually: %s", job.ManualTriggerURL)
	}

	return Message{
		Subject:  subject,
		Text:     b.String(),
		Kind:     KindFailed,
		JobName:  job.Name,
		Severity: job.Severity,
		RunID:    run.ID,
	}
}

// DigestMessage renders the daily digest.
func DigestMessage(d *digest.Digest) Message {
	subject := fmt.Sprintf("cronwatch digest for %s", d.Since.Format("2006-01-02"))

	var b strings.Builder
	fmt.Fprintf(&b, ":bar_chart: *%s*\n", subject)
	if len(d.Rows) == 0 {
		b.WriteString("_No runs recorded today._\n")
	}
	for _, row := range d.Rows {
		fmt.Fprintf(&b, "• *%s*: %d total", row.JobName, row.Total)
		for _, st := range store.AllStatuses {
			if n := row.Count(st); n > 0 {
				fmt.Fprintf(&b, ", %d %s", n, st)
			}
		}
		b.WriteString("\n")
	}
	if len(d.Silent) > 0 {
		fmt.Fprintf(&b, "No runs today: %s\n", strings.Join(d.Silent, ", "))
	}

	return Message{
		Subject: subject,
		Text:    strings.TrimRight(b.String(), "\n"),
		Kind:    KindDigest,
	}
}

// WebhookMessage renders an ad-hoc message received on the webhook.
func WebhookMessage(source, text string) Message {
	return Message{
		Subject: "Message from " + source,
		Text:    fmt.Sprintf(":incoming_envelope: *%s*\n%s", source, text),
		Kind:    KindWebhook,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
