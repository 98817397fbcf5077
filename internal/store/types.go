package store

import (
	"fmt"
	"strings"
	"time"
)

// Status is the state recorded on a run.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	// StatusMissed is only written by the monitor when missed anomalies are recorded for audit.
	StatusMissed Status = "missed"
)

// AllStatuses lists statuses in display order.
var AllStatuses = []Status{StatusStarted, StatusSuccess, StatusFailed, StatusMissed}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q (must be started, success, failed or missed)", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusSuccess, StatusFailed, StatusMissed:
		return true
	}
	return false
}

// Terminal reports whether s closes a started run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Severity controls alert routing for a job.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity converts a string into a Severity. An empty string yields medium.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SeverityMedium, nil
	}
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity %q (must be low, medium or high)", s)
	}
	return sev, nil
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// AtLeast reports whether s is floor or more severe. An empty floor matches everything.
func (s Severity) AtLeast(floor Severity) bool {
	return floor == "" || s.rank() >= floor.rank()
}

// Job is a registry entry describing a monitored job.
type Job struct {
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	Schedule             string    `json:"schedule,omitempty"`
	ExpectedEverySeconds int64     `json:"expected_every_s"`
	MaxRuntimeSeconds    *int64    `json:"max_runtime_s,omitempty"`
	ManualTriggerURL     string    `json:"manual_trigger_url,omitempty"`
	Severity             Severity  `json:"severity"`
	AlertTarget          string    `json:"alert_target,omitempty"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ExpectedEvery returns the maximum allowed gap between healthy runs.
func (j *Job) ExpectedEvery() time.Duration {
	return time.Duration(j.ExpectedEverySeconds) * time.Second
}

// MaxRuntime returns the stuck threshold and whether one is configured.
func (j *Job) MaxRuntime() (time.Duration, bool) {
	if j.MaxRuntimeSeconds == nil || *j.MaxRuntimeSeconds <= 0 {
		return 0, false
	}
	return time.Duration(*j.MaxRuntimeSeconds) * time.Second, true
}

// JobPatch carries a partial update. Nil fields are left untouched.
// A MaxRuntimeSeconds of 0 or an empty AlertTarget clears the value.
type JobPatch struct {
	Description          *string   `json:"description,omitempty"`
	Schedule             *string   `json:"schedule,omitempty"`
	ExpectedEverySeconds *int64    `json:"expected_every_s,omitempty"`
	MaxRuntimeSeconds    *int64    `json:"max_runtime_s,omitempty"`
	ManualTriggerURL     *string   `json:"manual_trigger_url,omitempty"`
	Severity             *Severity `json:"severity,omitempty"`
	AlertTarget          *string   `json:"alert_target,omitempty"`
	Active               *bool     `json:"active,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p JobPatch) IsEmpty() bool {
	return p.Description == nil && p.Schedule == nil && p.ExpectedEverySeconds == nil &&
		p.MaxRuntimeSeconds == nil && p.ManualTriggerURL == nil && p.Severity == nil &&
		p.AlertTarget == nil && p.Active == nil
}

// Fields returns the names of the fields set on the patch.
func (p JobPatch) Fields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(p.Description != nil, "description")
	add(p.Schedule != nil, "schedule")
	add(p.ExpectedEverySeconds != nil, "expected_every_s")
	add(p.MaxRuntimeSeconds != nil, "max_runtime_s")
	add(p.ManualTriggerURL != nil, "manual_trigger_url")
	add(p.Severity != nil, "severity")
	add(p.AlertTarget != nil, "alert_target")
	add(p.Active != nil, "active")
	return fields
}

// Apply merges the patch into job.
func (p JobPatch) Apply(job *Job) {
	if p.Description != nil {
		job.Description = *p.Description
	}
	if p.Schedule != nil {
		job.Schedule = *p.Schedule
	}
	if p.ExpectedEverySeconds != nil {
		job.ExpectedEverySeconds = *p.ExpectedEverySeconds
	}
	if p.MaxRuntimeSeconds != nil {
		if *p.MaxRuntimeSeconds <= 0 {
			job.MaxRuntimeSeconds = nil
		} else {
			v := *p.MaxRuntimeSeconds
			job.MaxRuntimeSeconds = &v
		}
	}
	if p.ManualTriggerURL != nil {
		job.ManualTriggerURL = *p.ManualTriggerURL
	}
	if p.Severity != nil {
		job.Severity = *p.Severity
	}
	if p.AlertTarget != nil {
		job.AlertTarget = *p.AlertTarget
	}
	if p.Active != nil {
		job.Active = *p.Active
	}
}

// Run is one reported execution event. Runs are never modified after append.
type Run struct {
	ID              int64     `json:"id"`
	JobName         string    `json:"job_name"`
	Status          Status    `json:"status"`
	Message         string    `json:"message,omitempty"`
	DurationSeconds *float64  `json:"duration_s,omitempty"`
	TriggeredBy     string    `json:"triggered_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// DefaultTriggeredBy is recorded when a reporter does not name itself.
const DefaultTriggeredBy = "schedule"

// Maintainer links a user to a job for alert routing.
type Maintainer struct {
	JobName   string    `json:"job_name"`
	UserID    string    `json:"user_id"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Admin may mutate the registry and manage maintainers and admins.
type Admin struct {
	UserID       string    `json:"user_id"`
	IsSuperAdmin bool      `json:"is_super_admin"`
	AddedAt      time.Time `json:"added_at"`
}

// ActivityEntry is one audit log record. JobName is emptied when its job is deleted.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	JobName   string    `json:"job_name,omitempty"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityFilter narrows ListActivity. Empty fields match everything.
type ActivityFilter struct {
	JobName string
	Actor   string
	Limit   int
}

// StatusCount is one (job, status) bucket of a digest.
type StatusCount struct {
	JobName string `json:"job_name"`
	Status  Status `json:"status"`
	Count   int    `json:"count"`
}
