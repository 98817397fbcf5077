package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caevv/cronwatch/internal/alert"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.sent...)
}

type denyLocker struct{}

func (denyLocker) Acquire(context.Context, string) (bool, error) { return false, nil }
func (denyLocker) Release(context.Context, string) error        { return nil }

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string) (bool, error) {
	return false, store.ErrStoreUnavailable
}
func (brokenLocker) Release(context.Context, string) error { return nil }

// sharedLock hands each lock to one sharedLocker at a time until it is
// released, like session advisory locks on a shared database.
type sharedLock struct {
	mu     sync.Mutex
	owners map[string]*sharedLocker
}

type sharedLocker struct {
	lock *sharedLock
}

func newSharedLock() *sharedLock {
	return &sharedLock{owners: make(map[string]*sharedLocker)}
}

func (l *sharedLock) locker() *sharedLocker { return &sharedLocker{lock: l} }

func (l *sharedLocker) Acquire(_ context.Context, name string) (bool, error) {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	owner, held := l.lock.owners[name]
	if !held {
		l.lock.owners[name] = l
		return true, nil
	}
	return owner == l, nil
}

func (l *sharedLocker) Release(_ context.Context, name string) error {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	if l.lock.owners[name] == l {
		delete(l.lock.owners, name)
	}
	return nil
}

type fixture struct {
	store  store.Store
	sender *recordingSender
	mon    *Monitor
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &recordingSender{}

	opts.Store = s
	opts.Logger = logger
	opts.Sender = sender
	opts.Dispatcher = alert.NewDispatcher(s, sender, alert.Options{Logger: logger})
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	f := &fixture{store: s, sender: sender, mon: New(opts), now: time.Now()}
	f.mon.now = func() time.Time { return f.now }
	return f
}

// peer creates a second monitor on the fixture's store, sender and clock.
func (f *fixture) peer(locker *sharedLocker) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(Options{
		Store:      f.store,
		Sender:     f.sender,
		Dispatcher: alert.NewDispatcher(f.store, f.sender, alert.Options{Logger: logger}),
		Location:   time.UTC,
		Locker:     locker,
		Logger:     logger,
	})
	m.now = func() time.Time { return f.now }
	return m
}

func (f *fixture) createJob(t *testing.T, name string, every int64, target string) {
	t.Helper()
	job := &store.Job{
		Name:                 name,
		ExpectedEverySeconds: every,
		Severity:             store.SeverityMedium,
		AlertTarget:          target,
		Active:               true,
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s) error = %v", name, err)
	}
}

func TestTick_AlertsOnceAndClearsOnRecovery(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.createJob(t, "backup", 3600, "#ops")

	res, err := f.mon.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.Skipped {
		t.Fatalf("Tick() skipped: %s", res.Reason)
	}
	if res.New != 1 || res.Delivered != 1 {
		t.Errorf("first tick new=%d delivered=%d, want 1/1", res.New, res.Delivered)
	}
	if res.ID == "" {
		t.Error("expected tick id")
	}

	res, err = f.mon.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.New != 0 {
		t.Errorf("second tick new=%d, want 0", res.New)
	}
	if got := len(f.sender.messages()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}

	if _, err := f.mon.ReportRun(ctx, Report{JobName: "backup", Status: "success"}); err != nil {
		t.Fatalf("ReportRun() error = %v", err)
	}
	res, err = f.mon.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.Resolved != 1 || len(res.Anomalies) != 0 {
		t.Errorf("recovery tick resolved=%d anomalies=%d, want 1/0", res.Resolved, len(res.Anomalies))
	}

	if last := f.mon.LastTick(); last == nil || last.ID != res.ID {
		t.Errorf("LastTick() = %+v, want tick %s", last, res.ID)
	}
}

func TestTick_SkipsWhenBusy(t *testing.T) {
	f := newFixture(t, Options{})

	f.mon.tickMu.Lock()
	res, err := f.mon.Tick(context.Background())
	f.mon.tickMu.Unlock()

	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !res.Skipped || res.Reason != ReasonBusy {
		t.Errorf("Tick() = %+v, want skipped as busy", res)
	}
}

func TestTick_SkipsWithoutLeadership(t *testing.T) {
	f := newFixture(t, Options{Locker: denyLocker{}})
	f.createJob(t, "backup", 60, "#ops")

	res, err := f.mon.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !res.Skipped || res.Reason != ReasonNotLeader {
		t.Errorf("Tick() = %+v, want skipped as not leader", res)
	}
	if got := len(f.sender.messages()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
}

func TestTick_LockErrorIsReported(t *testing.T) {
	f := newFixture(t, Options{Locker: brokenLocker{}})

	res, err := f.mon.Tick(context.Background())
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Tick() error = %v, want ErrStoreUnavailable", err)
	}
	if !res.Skipped || res.Reason != ReasonError {
		t.Errorf("Tick() = %+v, want skipped with error", res)
	}
}

func TestTick_RecordMissed(t *testing.T) {
	f := newFixture(t, Options{RecordMissed: true})
	ctx := context.Background()
	f.createJob(t, "nightly-etl", 86400, "")

	for i := 0; i < 2; i++ {
		if _, err := f.mon.Tick(ctx); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}

	runs, err := f.store.RecentRunsForJob(ctx, "nightly-etl", 10)
	if err != nil {
		t.Fatalf("RecentRunsForJob() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].Status != store.StatusMissed || runs[0].TriggeredBy != "evaluator" {
		t.Errorf("run = %+v, want missed by evaluator", runs[0])
	}

	// a missed row does not count as healthy activity
	anomalies, err := f.mon.Anomalies(ctx)
	if err != nil {
		t.Fatalf("Anomalies() error = %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != health.KindMissed {
		t.Errorf("Anomalies() = %+v, want one missed", anomalies)
	}
}

func TestReportRun(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.createJob(t, "backup", 3600, "#ops")

	dur := 12.5
	tests := []struct {
		name    string
		report  Report
		wantErr error
	}{
		{"started", Report{JobName: "backup", Status: "started"}, nil},
		{"success with duration", Report{JobName: "backup", Status: "SUCCESS", DurationSeconds: &dur}, nil},
		{"unknown job", Report{JobName: "ghost", Status: "success"}, store.ErrUnknownJob},
		{"reserved status", Report{JobName: "backup", Status: "missed"}, ErrInvalidReport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := f.mon.ReportRun(ctx, tt.report)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReportRun() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReportRun() error = %v", err)
			}
			if run.ID == 0 {
				t.Error("expected run id to be assigned")
			}
			if run.TriggeredBy != store.DefaultTriggeredBy {
				t.Errorf("TriggeredBy = %q, want %q", run.TriggeredBy, store.DefaultTriggeredBy)
			}
		})
	}

	if _, err := f.mon.ReportRun(ctx, Report{JobName: "backup", Status: "bogus"}); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("invalid status error = %v, want ErrInvalidReport", err)
	}
	neg := -1.0
	if _, err := f.mon.ReportRun(ctx, Report{JobName: "backup", Status: "success", DurationSeconds: &neg}); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("negative duration error = %v, want ErrInvalidReport", err)
	}
}

func TestReportRun_FailureAlerts(t *testing.T) {
	tests := []struct {
		name  string
		quiet bool
		want  int
	}{
		{"alerts by default", false, 1},
		{"quiet failures", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{QuietFailures: tt.quiet})
			f.createJob(t, "backup", 3600, "#ops")

			if _, err := f.mon.ReportRun(context.Background(), Report{JobName: "backup", Status: "failed", Message: "exit 1"}); err != nil {
				t.Fatalf("ReportRun() error = %v", err)
			}
			f.mon.Wait()

			var failures int
			for _, m := range f.sender.messages() {
				if m.Kind == notify.KindFailed {
					failures++
				}
			}
			if failures != tt.want {
				t.Errorf("failure alerts = %d, want %d", failures, tt.want)
			}
		})
	}
}

func TestPublishDigest(t *testing.T) {
	hooks := &recordingSender{}
	f := newFixture(t, Options{DigestChannel: "#cron-digest", Hooks: hooks})
	ctx := context.Background()
	f.createJob(t, "backup", 3600, "")
	f.createJob(t, "cleanup", 3600, "")

	if _, err := f.mon.ReportRun(ctx, Report{JobName: "backup", Status: "success"}); err != nil {
		t.Fatalf("ReportRun() error = %v", err)
	}

	if err := f.mon.PublishDigest(ctx); err != nil {
		t.Fatalf("PublishDigest() error = %v", err)
	}

	sent := f.sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Recipient != "#cron-digest" || sent[0].Kind != notify.KindDigest {
		t.Errorf("digest message = %+v", sent[0])
	}
	if got := len(hooks.messages()); got != 1 {
		t.Errorf("hooks received %d messages, want 1", got)
	}

	d, err := f.mon.Digest(ctx)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if len(d.Silent) != 1 || d.Silent[0] != "cleanup" {
		t.Errorf("Silent = %v, want [cleanup]", d.Silent)
	}
}

func TestPublishDigest_NotLeader(t *testing.T) {
	f := newFixture(t, Options{DigestChannel: "#cron-digest", Locker: denyLocker{}})

	if err := f.mon.PublishDigest(context.Background()); err != nil {
		t.Fatalf("PublishDigest() error = %v", err)
	}
	if got := len(f.sender.messages()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
}

func mustTick(t *testing.T, m *Monitor) *TickResult {
	t.Helper()
	res, err := m.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	return res
}

func TestTick_LeaderHandoffPagesOnce(t *testing.T) {
	lock := newSharedLock()
	f := newFixture(t, Options{Locker: lock.locker()})
	other := f.peer(lock.locker())
	ctx := context.Background()
	f.createJob(t, "backup", 3600, "#ops")

	for i := 0; i < 3; i++ {
		if res := mustTick(t, f.mon); res.Skipped {
			t.Fatalf("leader tick %d skipped: %s", i, res.Reason)
		}
		if res := mustTick(t, other); !res.Skipped || res.Reason != ReasonNotLeader {
			t.Fatalf("follower tick %d = %+v, want skipped as not leader", i, res)
		}
	}
	if got := len(f.sender.messages()); got != 1 {
		t.Fatalf("sent %d messages across both instances, want 1", got)
	}

	// the leader shuts down and the other instance takes over
	if err := f.mon.Resign(ctx); err != nil {
		t.Fatalf("Resign() error = %v", err)
	}
	res := mustTick(t, other)
	if res.Skipped || res.New != 1 {
		t.Fatalf("takeover tick = %+v, want one new anomaly", res)
	}
	mustTick(t, other)
	if got := len(f.sender.messages()); got != 2 {
		t.Errorf("sent %d messages after takeover, want 2", got)
	}
}

func TestTick_RecurrenceAfterRegainingLeadership(t *testing.T) {
	lock := newSharedLock()
	f := newFixture(t, Options{Locker: lock.locker()})
	other := f.peer(lock.locker())
	ctx := context.Background()
	f.createJob(t, "backup", 3600, "#ops")

	// f.mon alerts the missed job, then hands over
	if res := mustTick(t, f.mon); res.New != 1 {
		t.Fatalf("first tick new = %d, want 1", res.New)
	}
	if err := f.mon.Resign(ctx); err != nil {
		t.Fatalf("Resign() error = %v", err)
	}
	mustTick(t, other)

	// the job recovers under the other leader while f.mon follows
	if _, err := f.mon.ReportRun(ctx, Report{JobName: "backup", Status: "success"}); err != nil {
		t.Fatalf("ReportRun() error = %v", err)
	}
	if res := mustTick(t, other); res.Resolved != 1 {
		t.Fatalf("recovery tick resolved = %d, want 1", res.Resolved)
	}
	mustTick(t, f.mon)

	// and goes missing again after f.mon is back in charge
	if err := other.Resign(ctx); err != nil {
		t.Fatalf("Resign() error = %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	res := mustTick(t, f.mon)
	if res.Skipped || res.New != 1 {
		t.Fatalf("recurrence tick = %+v, want one new anomaly", res)
	}

	var missed int
	for _, m := range f.sender.messages() {
		if m.Kind == notify.KindMissed {
			missed++
		}
	}
	if missed != 3 {
		t.Errorf("missed alerts = %d, want 3", missed)
	}
}

func TestTick_DeactivatedJobStopsAlerting(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	maxRuntime := int64(1800)
	job := &store.Job{
		Name:                 "backup",
		ExpectedEverySeconds: 3600,
		MaxRuntimeSeconds:    &maxRuntime,
		Severity:             store.SeverityHigh,
		AlertTarget:          "#ops",
		Active:               true,
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	runID, err := f.store.AppendRun(ctx, &store.Run{JobName: "backup", Status: store.StatusStarted, CreatedAt: f.now})
	if err != nil {
		t.Fatalf("AppendRun() error = %v", err)
	}

	// two hours later the start is both stale and over its max runtime
	f.now = f.now.Add(2 * time.Hour)
	res := mustTick(t, f.mon)
	if res.New != 2 || len(res.Anomalies) != 2 {
		t.Fatalf("tick = %+v, want missed and stuck", res)
	}

	reg := registry.New(f.store, nil)
	if _, err := reg.Deactivate(ctx, registry.System("test"), "backup"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	res = mustTick(t, f.mon)
	if len(res.Anomalies) != 0 || res.Resolved != 2 {
		t.Errorf("tick after deactivate anomalies=%d resolved=%d, want 0/2", len(res.Anomalies), res.Resolved)
	}
	mustTick(t, f.mon)
	if got := len(f.sender.messages()); got != 2 {
		t.Errorf("sent %d messages, want 2", got)
	}

	runs, err := f.store.RecentRunsForJob(ctx, "backup", 10)
	if err != nil {
		t.Fatalf("RecentRunsForJob() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Errorf("runs after deactivate = %+v, want the open start", runs)
	}
}
