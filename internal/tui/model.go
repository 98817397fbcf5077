package tui

import (
	"context"
	"log/slog"
	"time"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/store"
	tea "github.com/charmbracelet/bubbletea"
)

// ViewMode represents the current view in the TUI.
type ViewMode int

const (
	ViewModeList ViewMode = iota
	ViewModeDetail
)

const (
	recentRunLimit = 10
	detailRunLimit = 8
	queryTimeout   = 2 * time.Second
)

// Model holds the state for the TUI.
type Model struct {
	ctx       context.Context
	store     store.Store
	evaluator *health.Evaluator
	logger    *slog.Logger
	now       func() time.Time

	// UI state
	viewMode          ViewMode
	jobs              []JobState
	recentRuns        []*store.Run
	selectedJob       int
	detailRuns        []*store.Run
	detailMaintainers []*store.Maintainer
	width             int
	height            int
	lastUpdate        time.Time
	quitting          bool
	errorMessage      string

	// Stats
	totalJobs  int
	okJobs     int
	missedJobs int
	stuckJobs  int
}

// JobState is one row of the job list.
type JobState struct {
	Name      string
	Schedule  string
	Severity  store.Severity
	State     health.State
	Anomalies []health.Anomaly
	LastRun   *store.Run
	// DueBy is when the next healthy run must arrive. Zero when the job has no runs.
	DueBy time.Time
	Job   *store.Job
}

// New creates a new TUI model reading from st.
func New(ctx context.Context, st store.Store, logger *slog.Logger) Model {
	return Model{
		ctx:        ctx,
		store:      st,
		evaluator:  health.NewEvaluator(st),
		logger:     logger,
		now:        time.Now,
		jobs:       []JobState{},
		recentRuns: []*store.Run{},
	}
}

// Init initializes the model (required by Bubbletea).
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// tickMsg is sent on a regular interval to refresh the UI.
type tickMsg time.Time

// tickCmd returns a command that sends a tick message every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refreshData loads the latest health picture from the store.
func (m *Model) refreshData() {
	ctx, cancel := context.WithTimeout(m.ctx, queryTimeout)
	defer cancel()

	now := m.now()
	overview, err := m.evaluator.Overview(ctx, now)
	if err != nil {
		m.fail("evaluate", err)
		return
	}

	latest, err := m.store.LatestRunPerJob(ctx)
	if err != nil {
		m.fail("latest runs", err)
		return
	}
	lastByJob := make(map[string]*store.Run, len(latest))
	for _, r := range latest {
		lastByJob[r.JobName] = r
	}

	m.totalJobs = len(overview)
	m.okJobs, m.missedJobs, m.stuckJobs = 0, 0, 0
	m.jobs = make([]JobState, len(overview))
	for i, h := range overview {
		switch h.State {
		case health.StateOK:
			m.okJobs++
		case health.StateMissed:
			m.missedJobs++
		case health.StateStuck:
			m.stuckJobs++
		}

		js := JobState{
			Name:      h.Job.Name,
			Schedule:  h.Job.Schedule,
			Severity:  h.Job.Severity,
			State:     h.State,
			Anomalies: h.Anomalies,
			LastRun:   lastByJob[h.Job.Name],
			Job:       h.Job,
		}
		if js.LastRun != nil {
			js.DueBy = js.LastRun.CreatedAt.Add(h.Job.ExpectedEvery())
		}
		m.jobs[i] = js
	}
	if m.selectedJob >= len(m.jobs) {
		m.selectedJob = max(len(m.jobs)-1, 0)
	}

	recent, err := m.store.RecentRuns(ctx, recentRunLimit)
	if err != nil {
		m.fail("recent runs", err)
		return
	}
	m.recentRuns = recent

	if m.viewMode == ViewModeDetail {
		m.loadDetail()
	}

	m.errorMessage = ""
	m.lastUpdate = now
}

// loadDetail fetches runs and maintainers for the selected job.
func (m *Model) loadDetail() {
	if m.selectedJob >= len(m.jobs) {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, queryTimeout)
	defer cancel()

	name := m.jobs[m.selectedJob].Name
	runs, err := m.store.RecentRunsForJob(ctx, name, detailRunLimit)
	if err != nil {
		m.fail("job runs", err)
		return
	}
	maintainers, err := m.store.ListMaintainers(ctx, name)
	if err != nil {
		m.fail("maintainers", err)
		return
	}
	m.detailRuns = runs
	m.detailMaintainers = maintainers
}

func (m *Model) fail(what string, err error) {
	m.errorMessage = what + ": " + err.Error()
	if m.logger != nil {
		m.logger.Warn("tui refresh failed", "query", what, "error", err)
	}
}

// Quitting returns true if the user has requested to quit.
func (m Model) Quitting() bool {
	return m.quitting
}
