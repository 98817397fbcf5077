// Package store persists the job registry, the run ledger, maintainers,
// admins and the activity log.
package store

import (
	"context"
	"time"
)

const (
	// DefaultRecentLimit bounds global listings such as recent runs and activity.
	DefaultRecentLimit = 50
	// DefaultJobLimit bounds per-job and per-actor listings.
	DefaultJobLimit = 20
)

// Jobs is the job registry.
type Jobs interface {
	// CreateJob inserts a new job. Returns ErrDuplicateJob if the name exists.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by name or ErrNotFound.
	GetJob(ctx context.Context, name string) (*Job, error)

	// UpdateJob merges patch into the named job and returns the result.
	// Returns ErrNotFound if the job does not exist.
	UpdateJob(ctx context.Context, name string, patch JobPatch) (*Job, error)

	// DeleteJob removes a job together with its maintainers and runs and
	// clears the job reference on its activity entries.
	DeleteJob(ctx context.Context, name string) error

	// ListJobs returns jobs ordered by name.
	ListJobs(ctx context.Context, activeOnly bool) ([]*Job, error)
}

// Runs is the append-only run ledger.
type Runs interface {
	// AppendRun stores run, assigning its ID (and CreatedAt when zero).
	// Returns ErrUnknownJob if run.JobName is not registered.
	AppendRun(ctx context.Context, run *Run) (int64, error)

	// RecentRunsForJob returns up to limit runs for a job, newest first.
	RecentRunsForJob(ctx context.Context, name string, limit int) ([]*Run, error)

	// RecentRuns returns up to limit runs across all jobs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]*Run, error)

	// LatestRunPerJob returns the last run of every job that has one, ordered by job name.
	LatestRunPerJob(ctx context.Context) ([]*Run, error)

	// CountRunsByStatusSince groups runs created at or after since by job and status.
	CountRunsByStatusSince(ctx context.Context, since time.Time) ([]StatusCount, error)

	// LastRunWithStatus returns the latest run of a job having one of the
	// given statuses, or nil when there is none.
	LastRunWithStatus(ctx context.Context, name string, statuses ...Status) (*Run, error)

	// OpenStarts returns started runs of a job that no success or failed run
	// follows, oldest first.
	OpenStarts(ctx context.Context, name string) ([]*Run, error)
}

// Maintainers links users to jobs.
type Maintainers interface {
	// AddMaintainer links a user to a job and reports whether a link was
	// added. Adding an existing link is a no-op returning false.
	// Returns ErrUnknownJob if the job does not exist.
	AddMaintainer(ctx context.Context, m *Maintainer) (bool, error)

	// RemoveMaintainer unlinks a user. Returns ErrNotFound if the link is absent.
	RemoveMaintainer(ctx context.Context, jobName, userID string) error

	// ListMaintainers returns the maintainers of a job ordered by user ID.
	ListMaintainers(ctx context.Context, jobName string) ([]*Maintainer, error)
}

// Admins stores the admin table.
type Admins interface {
	// AddAdmin inserts an admin and reports whether it was inserted.
	// Re-adding an existing admin is a no-op returning false.
	AddAdmin(ctx context.Context, a *Admin) (bool, error)

	// GetAdmin returns an admin or ErrNotFound.
	GetAdmin(ctx context.Context, userID string) (*Admin, error)

	// RemoveAdmin deletes an admin. Returns ErrNotFound if absent.
	RemoveAdmin(ctx context.Context, userID string) error

	// ListAdmins returns all admins ordered by user ID.
	ListAdmins(ctx context.Context) ([]*Admin, error)
}

// Activity is the append-only audit log.
type Activity interface {
	// LogActivity appends an entry, assigning ID and CreatedAt.
	LogActivity(ctx context.Context, entry *ActivityEntry) error

	// ListActivity returns entries matching the filter, newest first.
	ListActivity(ctx context.Context, filter ActivityFilter) ([]*ActivityEntry, error)
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	Jobs
	Runs
	Maintainers
	Admins
	Activity

	// Close releases any resources held by the store.
	Close() error
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
