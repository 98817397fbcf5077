// Package alert turns anomalies into notifications. It alerts each anomaly
// once, forgets it when it resolves, and fans deliveries out per recipient.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/store"
)

// MaintainerLister resolves the maintainers of a job.
type MaintainerLister interface {
	ListMaintainers(ctx context.Context, jobName string) ([]*store.Maintainer, error)
}

// Options configures a Dispatcher.
type Options struct {
	// BroadcastChannel additionally receives high severity alerts.
	BroadcastChannel string
	// Hooks, when set, receives every alert once regardless of recipients.
	Hooks  notify.Sender
	Logger *slog.Logger
	// Concurrency bounds parallel deliveries. Zero means unbounded.
	Concurrency int
}

// Dispatcher delivers alerts for newly appearing anomalies.
type Dispatcher struct {
	state       *State
	maintainers MaintainerLister
	sender      notify.Sender
	hooks       notify.Sender
	broadcast   string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher with fresh state.
func NewDispatcher(maintainers MaintainerLister, sender notify.Sender, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		state:       NewState(),
		maintainers: maintainers,
		sender:      sender,
		hooks:       opts.Hooks,
		broadcast:   opts.BroadcastChannel,
		concurrency: opts.Concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// State exposes the dedup state.
func (d *Dispatcher) State() *State {
	return d.state
}

// Result summarizes one dispatch.
type Result struct {
	New       []health.Anomaly `json:"new"`
	Resolved  []string         `json:"resolved"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
}

// Recipients returns maintainers, plus the alert target unless severity is
// low, plus the broadcast channel for high severity. Duplicates are dropped.
func (d *Dispatcher) Recipients(ctx context.Context, jobName string, severity store.Severity, alertTarget string) ([]string, error) {
	maintainers, err := d.maintainers.ListMaintainers(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("maintainers of %s: %w", jobName, err)
	}

	ids := make([]string, 0, len(maintainers))
	for _, m := range maintainers {
		ids = append(ids, m.UserID)
	}
	sort.Strings(ids)

	seen := make(map[string]bool)
	var out []string
	add := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, id := range ids {
		add(id)
	}
	if severity != store.SeverityLow {
		add(alertTarget)
	}
	if severity == store.SeverityHigh {
		add(d.broadcast)
	}
	return out, nil
}

type delivery struct {
	msg        notify.Message
	recipients []string
}

// Dispatch alerts anomalies not seen on the previous call and clears the
// ones that disappeared. Recipients are resolved before the state changes,
// so a store error leaves the state untouched. Once committed, an anomaly is
// not retried even if every delivery failed.
func (d *Dispatcher) Dispatch(ctx context.Context, anomalies []health.Anomaly) (*Result, error) {
	fresh, resolved := d.state.diff(anomalies)

	deliveries := make([]delivery, 0, len(fresh))
	for _, a := range fresh {
		recipients, err := d.Recipients(ctx, a.JobName, a.Severity, a.AlertTarget)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery{msg: notify.AnomalyMessage(a), recipients: recipients})
	}

	d.state.commit(fresh, resolved, d.now())

	for _, key := range resolved {
		d.logger.Info("anomaly resolved", "key", key)
	}

	delivered, failed := d.deliver(ctx, deliveries)
	return &Result{New: fresh, Resolved: resolved, Delivered: delivered, Failed: failed}, nil
}

// NotifyFailure alerts a reported failed run right away. Failures are not
// deduplicated: every failed report is news.
func (d *Dispatcher) NotifyFailure(ctx context.Context, job *store.Job, run *store.Run) (*Result, error) {
	recipients, err := d.Recipients(ctx, job.Name, job.Severity, job.AlertTarget)
	if err != nil {
		return nil, err
	}
	delivered, failed := d.deliver(ctx, []delivery{{msg: notify.FailureMessage(job, run), recipients: recipients}})
	return &Result{Delivered: delivered, Failed: failed}, nil
}

// deliver sends every message to each of its recipients concurrently and
// waits for all of them. Errors are logged and counted, never returned.
func (d *Dispatcher) deliver(ctx context.Context, deliveries []delivery) (delivered, failed int) {
	var ok, bad atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}

	send := func(sender notify.Sender, msg notify.Message) {
		g.Go(func() error {
			if err := sender.Send(gctx, msg); err != nil {
				bad.Add(1)
				d.logger.Error("alert delivery failed",
					"job_name", msg.JobName,
					"kind", msg.Kind,
					"recipient", msg.Recipient,
					"error", err,
				)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}

	for _, dl := range deliveries {
		if len(dl.recipients) == 0 {
			d.logger.Warn("alert has no recipients", "job_name", dl.msg.JobName, "kind", dl.msg.Kind)
		}
		for _, r := range dl.recipients {
			msg := dl.msg
			msg.Recipient = r
			send(d.sender, msg)
		}
		if d.hooks != nil {
			send(d.hooks, dl.msg)
		}
	}

	_ = g.Wait()
	return int(ok.Load()), int(bad.Load())
}
