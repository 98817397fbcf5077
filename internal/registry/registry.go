// Package registry implements the job registry operations on top of the
// store: validation, admin gating and the activity log.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gosimple/slug"

	"github.com/caevv/cronwatch/internal/store"
)

// Activity event types.
const (
	EventJobRegistered     = "job_registered"
	EventJobUpdated        = "job_updated"
	EventJobDeactivated    = "job_deactivated"
	EventJobDeleted        = "job_deleted"
	EventMaintainerAdded   = "maintainer_added"
	EventMaintainerRemoved = "maintainer_removed"
	EventAdminAdded        = "admin_added"
	EventAdminRemoved      = "admin_removed"
)

const maxNameLength = 64

// maxIntervalSeconds caps expected_every_s and max_runtime_s at about 100
// years, far below the point where they overflow a time.Duration.
const maxIntervalSeconds int64 = 100 * 365 * 24 * 60 * 60

// Actor identifies who performs a registry operation.
type Actor struct {
	ID string
	// Trusted actors (the CLI, the authenticated API, config seeding) skip
	// admin checks.
	Trusted bool
}

// System returns a trusted actor.
func System(id string) Actor {
	return Actor{ID: id, Trusted: true}
}

// User returns an actor subject to admin checks.
func User(id string) Actor {
	return Actor{ID: id}
}

func (a Actor) name() string {
	if a.ID == "" {
		return "system"
	}
	return a.ID
}

// JobSpec is the input for registering a job.
type JobSpec struct {
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	Schedule             string `json:"schedule,omitempty"`
	ExpectedEverySeconds int64  `json:"expected_every_s"`
	MaxRuntimeSeconds    int64  `json:"max_runtime_s,omitempty"`
	ManualTriggerURL     string `json:"manual_trigger_url,omitempty"`
	Severity             string `json:"severity,omitempty"`
	AlertTarget          string `json:"alert_target,omitempty"`
}

// Service mediates every registry mutation.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a registry service.
func New(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger}
}

// ValidateName checks that name is a lowercase slug.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: job name longer than %d characters", ErrInvalid, maxNameLength)
	}
	if !slug.IsSlug(name) {
		return fmt.Errorf("%w: job name %q must be lowercase letters, digits and dashes (try %q)", ErrInvalid, name, slug.Make(name))
	}
	return nil
}

func (spec JobSpec) toJob() (*store.Job, error) {
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if spec.ExpectedEverySeconds <= 0 {
		return nil, fmt.Errorf("%w: expected_every_s must be positive", ErrInvalid)
	}
	if spec.ExpectedEverySeconds > maxIntervalSeconds {
		return nil, fmt.Errorf("%w: expected_every_s must be at most %d", ErrInvalid, maxIntervalSeconds)
	}
	if spec.MaxRuntimeSeconds < 0 {
		return nil, fmt.Errorf("%w: max_runtime_s must be positive when set", ErrInvalid)
	}
	if spec.MaxRuntimeSeconds > maxIntervalSeconds {
		return nil, fmt.Errorf("%w: max_runtime_s must be at most %d", ErrInvalid, maxIntervalSeconds)
	}
	sev, err := store.ParseSeverity(spec.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	job := &store.Job{
		Name:                 spec.Name,
		Description:          spec.Description,
		Schedule:             spec.Schedule,
		ExpectedEverySeconds: spec.ExpectedEverySeconds,
		ManualTriggerURL:     spec.ManualTriggerURL,
		Severity:             sev,
		AlertTarget:          strings.TrimSpace(spec.AlertTarget),
		Active:               true,
	}
	if spec.MaxRuntimeSeconds > 0 {
		maxRuntime := spec.MaxRuntimeSeconds
		job.MaxRuntimeSeconds = &maxRuntime
	}
	return job, nil
}

func validatePatch(patch store.JobPatch) error {
	if patch.IsEmpty() {
		return fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if e := patch.ExpectedEverySeconds; e != nil && (*e <= 0 || *e > maxIntervalSeconds) {
		return fmt.Errorf("%w: expected_every_s must be between 1 and %d", ErrInvalid, maxIntervalSeconds)
	}
	if r := patch.MaxRuntimeSeconds; r != nil && (*r < 0 || *r > maxIntervalSeconds) {
		return fmt.Errorf("%w: max_runtime_s must be between 0 and %d", ErrInvalid, maxIntervalSeconds)
	}
	if patch.Severity != nil && !patch.Severity.Valid() {
		return fmt.Errorf("%w: invalid severity %q", ErrInvalid, *patch.Severity)
	}
	return nil
}

// Register adds a new job. Only admins may register.
func (s *Service) Register(ctx context.Context, actor Actor, spec JobSpec) (*store.Job, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	job, err := spec.toJob()
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logActivity(ctx, job.Name, EventJobRegistered, actor,
		fmt.Sprintf("expected every %ds, severity %s", job.ExpectedEverySeconds, job.Severity))
	s.logger.Info("job registered", "job_name", job.Name, "actor", actor.name())
	return job, nil
}

// RegisterWithMaintainers registers a job and links its first maintainers.
// Maintainer ids are checked before the job is created, and a job whose
// maintainers cannot be linked is removed again.
func (s *Service) RegisterWithMaintainers(ctx context.Context, actor Actor, spec JobSpec, maintainers []string) (*store.Job, error) {
	ids := make([]string, 0, len(maintainers))
	for _, id := range maintainers {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: maintainer user id is required", ErrInvalid)
		}
		ids = append(ids, id)
	}

	job, err := s.Register(ctx, actor, spec)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.AddMaintainer(ctx, actor, job.Name, id); err != nil {
			if delErr := s.store.DeleteJob(ctx, job.Name); delErr != nil {
				s.logger.Error("failed to roll back job registration", "job_name", job.Name, "error", delErr)
				return job, fmt.Errorf("job %s registered without maintainer %s: %w", job.Name, id, err)
			}
			s.logActivity(ctx, "", EventJobDeleted, actor, job.Name)
			return nil, fmt.Errorf("add maintainer %s: %w", id, err)
		}
	}
	return job, nil
}

// Update applies a partial update.
func (s *Service) Update(ctx context.Context, actor Actor, name string, patch store.JobPatch) (*store.Job, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	if err := s.requireJobAccess(ctx, actor, name); err != nil {
		return nil, err
	}
	job, err := s.store.UpdateJob(ctx, name, patch)
	if err != nil {
		return nil, err
	}

	event := EventJobUpdated
	if patch.Active != nil && !*patch.Active && len(patch.Fields()) == 1 {
		event = EventJobDeactivated
	}
	s.logActivity(ctx, name, event, actor, "fields: "+strings.Join(patch.Fields(), ", "))
	s.logger.Info("job updated", "job_name", name, "actor", actor.name(), "fields", patch.Fields())
	return job, nil
}

// Deactivate stops evaluating a job without deleting its history.
func (s *Service) Deactivate(ctx context.Context, actor Actor, name string) (*store.Job, error) {
	inactive := false
	return s.Update(ctx, actor, name, store.JobPatch{Active: &inactive})
}

// Delete removes a job with its runs and maintainers. Only admins may delete.
func (s *Service) Delete(ctx context.Context, actor Actor, name string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, name); err != nil {
		return err
	}

	// the job reference would be cleared by the delete, so the name goes in the detail
	s.logActivity(ctx, "", EventJobDeleted, actor, name)
	s.logger.Info("job deleted", "job_name", name, "actor", actor.name())
	return nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, name string) (*store.Job, error) {
	return s.store.GetJob(ctx, name)
}

// List returns jobs ordered by name.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*store.Job, error) {
	return s.store.ListJobs(ctx, activeOnly)
}

// AddMaintainer links a user to a job. Admins and existing maintainers may
// add. Adding a current maintainer again changes nothing and logs nothing.
func (s *Service) AddMaintainer(ctx context.Context, actor Actor, jobName, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if err := s.requireJobAccess(ctx, actor, jobName); err != nil {
		return err
	}
	added, err := s.store.AddMaintainer(ctx, &store.Maintainer{JobName: jobName, UserID: userID, AddedBy: actor.name()})
	if err != nil {
		return err
	}
	if added {
		s.logActivity(ctx, jobName, EventMaintainerAdded, actor, userID)
	}
	return nil
}

// RemoveMaintainer unlinks a user from a job.
func (s *Service) RemoveMaintainer(ctx context.Context, actor Actor, jobName, userID string) error {
	if err := s.requireJobAccess(ctx, actor, jobName); err != nil {
		return err
	}
	if err := s.store.RemoveMaintainer(ctx, jobName, userID); err != nil {
		return err
	}
	s.logActivity(ctx, jobName, EventMaintainerRemoved, actor, userID)
	return nil
}

// ListMaintainers returns the maintainers of an existing job.
func (s *Service) ListMaintainers(ctx context.Context, jobName string) ([]*store.Maintainer, error) {
	if _, err := s.store.GetJob(ctx, jobName); err != nil {
		return nil, err
	}
	return s.store.ListMaintainers(ctx, jobName)
}

// AddAdmin grants admin rights. Only admins may add admins.
func (s *Service) AddAdmin(ctx context.Context, actor Actor, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	added, err := s.store.AddAdmin(ctx, &store.Admin{UserID: userID})
	if err != nil {
		return err
	}
	if added {
		s.logActivity(ctx, "", EventAdminAdded, actor, userID)
	}
	return nil
}

// RemoveAdmin revokes admin rights. Super admins cannot be removed.
func (s *Service) RemoveAdmin(ctx context.Context, actor Actor, userID string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	admin, err := s.store.GetAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if admin.IsSuperAdmin {
		return fmt.Errorf("%w: cannot remove a super admin", ErrForbidden)
	}
	if err := s.store.RemoveAdmin(ctx, userID); err != nil {
		return err
	}
	s.logActivity(ctx, "", EventAdminRemoved, actor, userID)
	return nil
}

// ListAdmins returns the admin table.
func (s *Service) ListAdmins(ctx context.Context) ([]*store.Admin, error) {
	return s.store.ListAdmins(ctx)
}

// IsAdmin reports whether userID is in the admin table.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	_, err := s.store.GetAdmin(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Activity lists audit entries.
func (s *Service) Activity(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEntry, error) {
	return s.store.ListActivity(ctx, filter)
}

func (s *Service) requireAdmin(ctx context.Context, actor Actor) error {
	if actor.Trusted {
		return nil
	}
	ok, err := s.IsAdmin(ctx, actor.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only admins can do that", ErrForbidden)
	}
	return nil
}

// requireJobAccess allows admins and maintainers of the job.
func (s *Service) requireJobAccess(ctx context.Context, actor Actor, jobName string) error {
	if actor.Trusted {
		return nil
	}
	ok, err := s.IsAdmin(ctx, actor.ID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	maintainers, err := s.store.ListMaintainers(ctx, jobName)
	if err != nil {
		return err
	}
	for _, m := range maintainers {
		if m.UserID == actor.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: only admins or maintainers of %s can do that", ErrForbidden, jobName)
}

// logActivity records an audit entry. The mutation has already been
// committed, so a failure here is logged rather than returned.
func (s *Service) logActivity(ctx context.Context, jobName, event string, actor Actor, detail string) {
	entry := &store.ActivityEntry{JobName: jobName, EventType: event, Actor: actor.name(), Detail: detail}
	if err := s.store.LogActivity(ctx, entry); err != nil {
		s.logger.Warn("failed to write activity entry",
			"event_type", event,
			"job_name", jobName,
			"error", err,
		)
	}
}
