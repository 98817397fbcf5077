// Package monitor runs evaluation ticks, publishes the digest and records
// reported runs.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caevv/cronwatch/internal/alert"
	"github.com/caevv/cronwatch/internal/digest"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/leader"
	"github.com/caevv/cronwatch/internal/logging"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/store"
)

// Lock names used with the leader locker.
const (
	LockEvaluate = "evaluate"
	LockDigest   = "digest"
)

// Options configures a Monitor.
type Options struct {
	Store      store.Store
	Dispatcher *alert.Dispatcher
	// Sender delivers the digest. Nil disables publishing.
	Sender notify.Sender
	// Hooks receive the digest too.
	Hooks         notify.Sender
	DigestChannel string
	Location      *time.Location
	Locker        leader.Locker
	// RecordMissed appends a missed run when a missed anomaly is first alerted.
	RecordMissed bool
	// QuietFailures disables alerts for reported failed runs.
	QuietFailures bool
	Logger        *slog.Logger
}

// Monitor owns the evaluator, the dispatcher and the digest builder.
type Monitor struct {
	store         store.Store
	evaluator     *health.Evaluator
	dispatcher    *alert.Dispatcher
	builder       *digest.Builder
	sender        notify.Sender
	hooks         notify.Sender
	digestChannel string
	locker        leader.Locker
	recordMissed  bool
	quietFailures bool
	logger        *slog.Logger
	now           func() time.Time

	tickMu  sync.Mutex // held for the duration of a tick
	leading bool       // guarded by tickMu

	mu       sync.RWMutex
	lastTick *TickResult

	wg sync.WaitGroup // background failure alerts
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := opts.Locker
	if locker == nil {
		locker = leader.Local{}
	}
	return &Monitor{
		store:         opts.Store,
		evaluator:     health.NewEvaluator(opts.Store),
		dispatcher:    opts.Dispatcher,
		builder:       digest.NewBuilder(opts.Store, opts.Location),
		sender:        opts.Sender,
		hooks:         opts.Hooks,
		digestChannel: opts.DigestChannel,
		locker:        locker,
		recordMissed:  opts.RecordMissed,
		quietFailures: opts.QuietFailures,
		logger:        logging.Component(logger, "monitor"),
		now:           time.Now,
	}
}

// TickResult describes one evaluation tick.
type TickResult struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Skipped   bool             `json:"skipped"`
	Reason    string           `json:"reason,omitempty"`
	Anomalies []health.Anomaly `json:"anomalies"`
	New       int              `json:"new"`
	Resolved  int              `json:"resolved"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
}

// ErrInvalidReport is returned for reports with a bad status or duration.
var ErrInvalidReport = errors.New("invalid run report")

// Skip reasons.
const (
	ReasonBusy      = "previous tick still running"
	ReasonNotLeader = "another instance holds the leader lock"
	ReasonError     = "evaluation failed"
)

// Tick evaluates every job and dispatches alerts for new anomalies. A tick
// that overlaps a running one is skipped. Errors are logged and returned;
// the alert state is left as it was.
func (m *Monitor) Tick(ctx context.Context) (*TickResult, error) {
	res := &TickResult{ID: uuid.NewString(), StartedAt: m.now()}
	logger := logging.WithFields(m.logger, map[string]any{"tick_id": res.ID})
	ctx = logging.WithContext(ctx, logger)

	if !m.tickMu.TryLock() {
		logger.Warn("skipping tick", "reason", ReasonBusy)
		res.Skipped, res.Reason = true, ReasonBusy
		return res, nil
	}
	defer m.tickMu.Unlock()

	// The evaluate lock stays held across ticks so that one instance keeps
	// both leadership and the alert state that goes with it. Resign gives it up.
	ok, err := m.locker.Acquire(ctx, LockEvaluate)
	if err != nil {
		m.stepDown(logger)
		return m.fail(logger, res, fmt.Errorf("acquire leader lock: %w", err))
	}
	if !ok {
		m.stepDown(logger)
		logger.Debug("skipping tick", "reason", ReasonNotLeader)
		res.Skipped, res.Reason = true, ReasonNotLeader
		return res, nil
	}
	if !m.leading {
		m.dispatcher.State().Reset()
		m.leading = true
		logger.Info("leading evaluation")
	}

	anomalies, err := m.evaluator.Evaluate(ctx, res.StartedAt)
	if err != nil {
		return m.fail(logger, res, err)
	}
	res.Anomalies = anomalies

	dispatched, err := m.dispatcher.Dispatch(ctx, anomalies)
	if err != nil {
		return m.fail(logger, res, err)
	}
	res.New = len(dispatched.New)
	res.Resolved = len(dispatched.Resolved)
	res.Delivered = dispatched.Delivered
	res.Failed = dispatched.Failed

	if m.recordMissed {
		m.recordMissedRuns(ctx, logger, dispatched.New)
	}

	res.Duration = time.Since(res.StartedAt)
	m.setLastTick(res)

	logger.Info("tick finished",
		"anomalies", len(anomalies),
		"new", res.New,
		"resolved", res.Resolved,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"duration", res.Duration,
	)
	return res, nil
}

// stepDown drops the alert state of an instance that is not the leader.
// Must be called with tickMu held.
func (m *Monitor) stepDown(logger *slog.Logger) {
	if m.leading {
		logger.Info("no longer leading evaluation")
	}
	m.leading = false
	m.dispatcher.State().Reset()
}

// Resign releases the leader locks held by this monitor. serve calls it on
// shutdown so another instance can take over on its next tick.
func (m *Monitor) Resign(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.leading = false
	return errors.Join(
		m.locker.Release(ctx, LockEvaluate),
		m.locker.Release(ctx, LockDigest),
	)
}

func (m *Monitor) fail(logger *slog.Logger, res *TickResult, err error) (*TickResult, error) {
	res.Skipped, res.Reason = true, ReasonError
	res.Duration = time.Since(res.StartedAt)
	m.setLastTick(res)

	level := slog.LevelError
	if errors.Is(err, store.ErrStoreUnavailable) {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "tick skipped", "error", err)
	return res, err
}

func (m *Monitor) recordMissedRuns(ctx context.Context, logger *slog.Logger, fresh []health.Anomaly) {
	for _, a := range fresh {
		if a.Kind != health.KindMissed {
			continue
		}
		run := &store.Run{
			JobName:     a.JobName,
			Status:      store.StatusMissed,
			Message:     a.Detail,
			TriggeredBy: "evaluator",
		}
		if _, err := m.store.AppendRun(ctx, run); err != nil {
			logger.Warn("failed to record missed run", "job_name", a.JobName, "error", err)
		}
	}
}

func (m *Monitor) setLastTick(res *TickResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = res
}

// LastTick returns the most recent tick, or nil before the first one.
func (m *Monitor) LastTick() *TickResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTick
}

// Anomalies evaluates without alerting.
func (m *Monitor) Anomalies(ctx context.Context) ([]health.Anomaly, error) {
	return m.evaluator.Evaluate(ctx, m.now())
}

// Overview returns every job with its health state.
func (m *Monitor) Overview(ctx context.Context) ([]health.JobHealth, error) {
	return m.evaluator.Overview(ctx, m.now())
}

// JobHealth returns the health state of one job.
func (m *Monitor) JobHealth(ctx context.Context, name string) (health.JobHealth, error) {
	return m.evaluator.Job(ctx, m.now(), name)
}

// Digest builds today's digest.
func (m *Monitor) Digest(ctx context.Context) (*digest.Digest, error) {
	return m.builder.Build(ctx, m.now())
}

// PublishDigest builds today's digest and posts it to the digest channel
// and the hooks. Only the holder of the digest lock publishes; the lock is
// kept until Resign so two instances never post the same day twice.
func (m *Monitor) PublishDigest(ctx context.Context) error {
	ok, err := m.locker.Acquire(ctx, LockDigest)
	if err != nil {
		return fmt.Errorf("acquire leader lock: %w", err)
	}
	if !ok {
		m.logger.Debug("skipping digest", "reason", ReasonNotLeader)
		return nil
	}

	d, err := m.Digest(ctx)
	if err != nil {
		return err
	}

	msg := notify.DigestMessage(d)
	m.logger.Info("digest built", "jobs", len(d.Rows), "silent", len(d.Silent))

	var errs []error
	if m.sender != nil && m.digestChannel != "" {
		msg.Recipient = m.digestChannel
		if err := m.sender.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if m.hooks != nil {
		msg.Recipient = ""
		if err := m.hooks.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Report is one run reported by a job.
type Report struct {
	JobName         string   `json:"job_name"`
	Status          string   `json:"status"`
	Message         string   `json:"message,omitempty"`
	DurationSeconds *float64 `json:"duration_s,omitempty"`
	TriggeredBy     string   `json:"triggered_by,omitempty"`
}

// ReportRun appends a run to the ledger. A failed run triggers an alert in
// the background; call Wait to block until pending alerts are sent.
func (m *Monitor) ReportRun(ctx context.Context, r Report) (*store.Run, error) {
	status, err := store.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if status == store.StatusMissed {
		return nil, fmt.Errorf("%w: status missed is recorded by the evaluator only", ErrInvalidReport)
	}
	if r.DurationSeconds != nil && *r.DurationSeconds < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidReport)
	}

	run := &store.Run{
		JobName:         r.JobName,
		Status:          status,
		Message:         r.Message,
		DurationSeconds: r.DurationSeconds,
		TriggeredBy:     r.TriggeredBy,
	}
	if _, err := m.store.AppendRun(ctx, run); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("run reported",
		"job_name", run.JobName,
		"status", string(run.Status),
		"run_id", run.ID,
		"triggered_by", run.TriggeredBy,
	)

	if status == store.StatusFailed && !m.quietFailures {
		m.alertFailure(context.WithoutCancel(ctx), run)
	}
	return run, nil
}

func (m *Monitor) alertFailure(ctx context.Context, run *store.Run) {
	logger := logging.ForJob(m.logger, run.JobName)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		job, err := m.store.GetJob(ctx, run.JobName)
		if err != nil {
			logger.Error("failed to load job for failure alert", "error", err)
			return
		}
		if !job.Active {
			return
		}
		res, err := m.dispatcher.NotifyFailure(ctx, job, run)
		if err != nil {
			logger.Error("failure alert not sent", "error", err)
			return
		}
		logger.Info("failure alert sent",
			"run_id", run.ID,
			"delivered", res.Delivered,
			"failed", res.Failed,
		)
	}()
}

// Wait blocks until background failure alerts are done.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
