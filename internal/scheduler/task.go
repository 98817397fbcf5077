package scheduler

import (
	"context"
	"time"
)

// Task is a named unit of periodic work, such as an evaluation tick or the
// daily digest.
type Task struct {
	Name     string
	Schedule string
	// Timeout bounds one run. Zero means no limit beyond the scheduler context.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Stats describes the runs of one scheduled task.
type Stats struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	RunCount  int64     `json:"run_count"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}
