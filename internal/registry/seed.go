package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/caevv/cronwatch/internal/store"
)

// Seed is a declarative job with its initial maintainers.
type Seed struct {
	Spec        JobSpec
	Maintainers []string
}

// SeedJobs registers seeds whose names are not taken yet. Existing jobs are
// left untouched. Returns the number of jobs created.
func (s *Service) SeedJobs(ctx context.Context, seeds []Seed) (int, error) {
	actor := System("config")
	created := 0
	for _, seed := range seeds {
		_, err := s.RegisterWithMaintainers(ctx, actor, seed.Spec, seed.Maintainers)
		if errors.Is(err, store.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed job %s: %w", seed.Spec.Name, err)
		}
		created++
	}
	return created, nil
}

// SeedAdmins inserts the given admins when the admin table is empty.
// Returns the number of admins inserted.
func (s *Service) SeedAdmins(ctx context.Context, admins []store.Admin) (int, error) {
	existing, err := s.store.ListAdmins(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	inserted := 0
	for i := range admins {
		a := admins[i]
		added, err := s.store.AddAdmin(ctx, &a)
		if err != nil {
			return inserted, fmt.Errorf("seed admin %s: %w", a.UserID, err)
		}
		if !added {
			continue
		}
		inserted++
		s.logActivity(ctx, "", EventAdminAdded, System("config"), a.UserID)
	}
	if inserted > 0 {
		s.logger.Info("seeded admin table", "count", inserted)
	}
	return inserted, nil
}
