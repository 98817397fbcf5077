// Package health derives missed and stuck anomalies from the registry and
// the run ledger. Evaluation is stateless: the same ledger and clock always
// yield the same anomalies.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/caevv/cronwatch/internal/store"
)

// Kind classifies an anomaly.
type Kind string

const (
	KindMissed Kind = "missed"
	KindStuck  Kind = "stuck"
)

func (k Kind) rank() int {
	if k == KindMissed {
		return 0
	}
	return 1
}

// Anomaly is one detected problem with a job.
type Anomaly struct {
	JobName string `json:"job_name"`
	Kind    Kind   `json:"kind"`
	Detail  string `json:"detail"`
	// RunID is the open start behind a stuck anomaly.
	RunID            int64          `json:"run_id,omitempty"`
	Since            time.Time      `json:"since,omitzero"`
	Severity         store.Severity `json:"severity"`
	AlertTarget      string         `json:"alert_target,omitempty"`
	ManualTriggerURL string         `json:"manual_trigger_url,omitempty"`
}

// Key identifies an anomaly across ticks. A missed job has one key; each
// stuck start has its own.
func (a Anomaly) Key() string {
	if a.Kind == KindStuck {
		return fmt.Sprintf("%s/%s/%d", a.JobName, a.Kind, a.RunID)
	}
	return fmt.Sprintf("%s/%s", a.JobName, a.Kind)
}

// Classify evaluates one job. lastHealthy is the latest started or success
// run (nil if none); openStarts are the job's unclosed starts.
func Classify(now time.Time, job *store.Job, lastHealthy *store.Run, openStarts []*store.Run) []Anomaly {
	if job == nil || !job.Active {
		return nil
	}

	base := Anomaly{
		JobName:          job.Name,
		Severity:         job.Severity,
		AlertTarget:      job.AlertTarget,
		ManualTriggerURL: job.ManualTriggerURL,
	}

	var out []Anomaly

	expected := job.ExpectedEvery()
	if lastHealthy == nil {
		a := base
		a.Kind = KindMissed
		a.Detail = fmt.Sprintf("no run recorded (expected every %s)", expected)
		out = append(out, a)
	} else if lastHealthy.CreatedAt.Before(now.Add(-expected)) {
		a := base
		a.Kind = KindMissed
		a.Since = lastHealthy.CreatedAt
		a.Detail = fmt.Sprintf("last run %s ago (expected every %s)",
			now.Sub(lastHealthy.CreatedAt).Round(time.Second), expected)
		out = append(out, a)
	}

	maxRuntime, ok := job.MaxRuntime()
	if !ok {
		return out
	}
	for _, start := range openStarts {
		if !start.CreatedAt.Before(now.Add(-maxRuntime)) {
			continue
		}
		a := base
		a.Kind = KindStuck
		a.RunID = start.ID
		a.Since = start.CreatedAt
		a.Detail = fmt.Sprintf("run %d started %s ago (max runtime %s)",
			start.ID, now.Sub(start.CreatedAt).Round(time.Second), maxRuntime)
		out = append(out, a)
	}
	return out
}

// Sort orders anomalies by job name, then kind, then run id.
func Sort(anomalies []Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.JobName != b.JobName {
			return a.JobName < b.JobName
		}
		if a.Kind != b.Kind {
			return a.Kind.rank() < b.Kind.rank()
		}
		return a.RunID < b.RunID
	})
}

// Reader is the slice of the store the evaluator needs.
type Reader interface {
	GetJob(ctx context.Context, name string) (*store.Job, error)
	ListJobs(ctx context.Context, activeOnly bool) ([]*store.Job, error)
	LastRunWithStatus(ctx context.Context, name string, statuses ...store.Status) (*store.Run, error)
	OpenStarts(ctx context.Context, name string) ([]*store.Run, error)
}

// Evaluator reads the registry and ledger fresh on every call.
type Evaluator struct {
	reader Reader
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(r Reader) *Evaluator {
	return &Evaluator{reader: r}
}

// Evaluate returns every anomaly of every active job at now, sorted.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]Anomaly, error) {
	jobs, err := e.reader.ListJobs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var anomalies []Anomaly
	for _, job := range jobs {
		found, err := e.evaluateJob(ctx, now, job)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, found...)
	}
	Sort(anomalies)
	return anomalies, nil
}

func (e *Evaluator) evaluateJob(ctx context.Context, now time.Time, job *store.Job) ([]Anomaly, error) {
	last, err := e.reader.LastRunWithStatus(ctx, job.Name, store.StatusStarted, store.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("last healthy run of %s: %w", job.Name, err)
	}

	var open []*store.Run
	if _, ok := job.MaxRuntime(); ok {
		open, err = e.reader.OpenStarts(ctx, job.Name)
		if err != nil {
			return nil, fmt.Errorf("open starts of %s: %w", job.Name, err)
		}
	}
	return Classify(now, job, last, open), nil
}

// State is the one-word health of a job.
type State string

const (
	StateOK       State = "ok"
	StateMissed   State = "missed"
	StateStuck    State = "stuck"
	StateInactive State = "inactive"
)

// JobHealth pairs a job with its current anomalies.
type JobHealth struct {
	Job       *store.Job `json:"job"`
	State     State      `json:"state"`
	Anomalies []Anomaly  `json:"anomalies,omitempty"`
}

// Overview evaluates every job, including inactive ones, for dashboards.
// Stuck wins over missed when a job has both.
func (e *Evaluator) Overview(ctx context.Context, now time.Time) ([]JobHealth, error) {
	jobs, err := e.reader.ListJobs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]JobHealth, 0, len(jobs))
	for _, job := range jobs {
		h, err := e.jobHealth(ctx, now, job)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Job evaluates a single job by name. Returns store.ErrNotFound for an
// unknown job.
func (e *Evaluator) Job(ctx context.Context, now time.Time, name string) (JobHealth, error) {
	job, err := e.reader.GetJob(ctx, name)
	if err != nil {
		return JobHealth{}, err
	}
	return e.jobHealth(ctx, now, job)
}

func (e *Evaluator) jobHealth(ctx context.Context, now time.Time, job *store.Job) (JobHealth, error) {
	h := JobHealth{Job: job, State: StateOK}
	if !job.Active {
		h.State = StateInactive
		return h, nil
	}
	found, err := e.evaluateJob(ctx, now, job)
	if err != nil {
		return JobHealth{}, err
	}
	Sort(found)
	h.Anomalies = found
	for _, a := range found {
		switch a.Kind {
		case KindStuck:
			h.State = StateStuck
		case KindMissed:
			if h.State == StateOK {
				h.State = StateMissed
			}
		}
	}
	return h, nil
}
