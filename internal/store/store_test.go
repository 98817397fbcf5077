package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// openTestStores returns every embedded driver, each backed by a fresh file.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	bolt, err := NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	lite, err := NewSQLiteStore(ctx, filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		bolt.Close()
		lite.Close()
	})

	return map[string]Store{"bbolt": bolt, "sqlite": lite}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, s)
		})
	}
}

func mustCreateJob(t *testing.T, s Store, name string, every int64) *Job {
	t.Helper()
	job := &Job{Name: name, ExpectedEverySeconds: every, Severity: SeverityMedium, Active: true}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s) error = %v", name, err)
	}
	return job
}

func mustAppend(t *testing.T, s Store, name string, status Status, at time.Time) int64 {
	t.Helper()
	id, err := s.AppendRun(context.Background(), &Run{JobName: name, Status: status, CreatedAt: at})
	if err != nil {
		t.Fatalf("AppendRun(%s, %s) error = %v", name, status, err)
	}
	return id
}

func TestStore_CreateJob_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)

		dup := &Job{Name: "backup", ExpectedEverySeconds: 60, Severity: SeverityHigh, Active: true}
		err := s.CreateJob(ctx, dup)
		if !errors.Is(err, ErrDuplicateJob) {
			t.Fatalf("CreateJob() error = %v, want ErrDuplicateJob", err)
		}

		got, err := s.GetJob(ctx, "backup")
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if got.ExpectedEverySeconds != 3600 || got.Severity != SeverityMedium {
			t.Errorf("original row changed: every=%d severity=%s", got.ExpectedEverySeconds, got.Severity)
		}
	})
}

func TestStore_UpdateJob_Partial(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		maxRuntime := int64(1800)
		job := &Job{
			Name:                 "backup",
			Description:          "nightly backup",
			ExpectedEverySeconds: 3600,
			MaxRuntimeSeconds:    &maxRuntime,
			Severity:             SeverityLow,
			AlertTarget:          "C123",
			Active:               true,
		}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}

		high := SeverityHigh
		updated, err := s.UpdateJob(ctx, "backup", JobPatch{Severity: &high})
		if err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		if updated.Severity != SeverityHigh {
			t.Errorf("Severity = %s, want high", updated.Severity)
		}

		got, err := s.GetJob(ctx, "backup")
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if got.Description != "nightly backup" || got.AlertTarget != "C123" || got.ExpectedEverySeconds != 3600 {
			t.Errorf("omitted fields changed: %+v", got)
		}
		if got.MaxRuntimeSeconds == nil || *got.MaxRuntimeSeconds != 1800 {
			t.Errorf("MaxRuntimeSeconds = %v, want 1800", got.MaxRuntimeSeconds)
		}

		zero := int64(0)
		got, err = s.UpdateJob(ctx, "backup", JobPatch{MaxRuntimeSeconds: &zero})
		if err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		if got.MaxRuntimeSeconds != nil {
			t.Errorf("MaxRuntimeSeconds = %v, want cleared", *got.MaxRuntimeSeconds)
		}

		if _, err := s.UpdateJob(ctx, "missing", JobPatch{Severity: &high}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateJob(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ListJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "zeta", 60)
		mustCreateJob(t, s, "alpha", 60)
		mustCreateJob(t, s, "mid", 60)

		inactive := false
		if _, err := s.UpdateJob(ctx, "mid", JobPatch{Active: &inactive}); err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}

		all, err := s.ListJobs(ctx, false)
		if err != nil {
			t.Fatalf("ListJobs() error = %v", err)
		}
		if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "zeta" {
			t.Errorf("ListJobs(false) = %v, want alpha, mid, zeta", jobNames(all))
		}

		active, err := s.ListJobs(ctx, true)
		if err != nil {
			t.Fatalf("ListJobs() error = %v", err)
		}
		if len(active) != 2 {
			t.Errorf("ListJobs(true) = %v, want 2 active jobs", jobNames(active))
		}
	})
}

func TestStore_AppendRun_UnknownJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.AppendRun(context.Background(), &Run{JobName: "ghost", Status: StatusStarted})
		if !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("AppendRun() error = %v, want ErrUnknownJob", err)
		}
	})
}

func TestStore_AppendRun_Defaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)

		duration := 12.5
		run := &Run{JobName: "backup", Status: StatusSuccess, Message: "ok", DurationSeconds: &duration}
		id, err := s.AppendRun(ctx, run)
		if err != nil {
			t.Fatalf("AppendRun() error = %v", err)
		}
		if id == 0 {
			t.Error("AppendRun() returned zero id")
		}

		runs, err := s.RecentRunsForJob(ctx, "backup", 10)
		if err != nil {
			t.Fatalf("RecentRunsForJob() error = %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("RecentRunsForJob() returned %d runs, want 1", len(runs))
		}
		got := runs[0]
		if got.TriggeredBy != DefaultTriggeredBy {
			t.Errorf("TriggeredBy = %q, want %q", got.TriggeredBy, DefaultTriggeredBy)
		}
		if got.DurationSeconds == nil || *got.DurationSeconds != 12.5 {
			t.Errorf("DurationSeconds = %v, want 12.5", got.DurationSeconds)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt was not assigned")
		}
	})
}

func TestStore_RunQueries(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)
		mustCreateJob(t, s, "etl", 86400)

		mustAppend(t, s, "backup", StatusStarted, base)
		mustAppend(t, s, "backup", StatusSuccess, base.Add(time.Minute))
		mustAppend(t, s, "backup", StatusStarted, base.Add(2*time.Hour))
		mustAppend(t, s, "etl", StatusFailed, base.Add(30*time.Minute))
		mustAppend(t, s, "etl", StatusStarted, base.Add(-time.Hour))

		recent, err := s.RecentRuns(ctx, 3)
		if err != nil {
			t.Fatalf("RecentRuns() error = %v", err)
		}
		if len(recent) != 3 {
			t.Fatalf("RecentRuns() returned %d runs, want 3", len(recent))
		}
		if !recent[0].CreatedAt.Equal(base.Add(2 * time.Hour)) {
			t.Errorf("RecentRuns()[0].CreatedAt = %v, want newest", recent[0].CreatedAt)
		}

		latest, err := s.LatestRunPerJob(ctx)
		if err != nil {
			t.Fatalf("LatestRunPerJob() error = %v", err)
		}
		if len(latest) != 2 {
			t.Fatalf("LatestRunPerJob() returned %d runs, want 2", len(latest))
		}
		byJob := map[string]*Run{}
		for _, r := range latest {
			byJob[r.JobName] = r
		}
		if byJob["backup"].Status != StatusStarted || byJob["etl"].Status != StatusFailed {
			t.Errorf("LatestRunPerJob() = backup:%s etl:%s", byJob["backup"].Status, byJob["etl"].Status)
		}

		healthy, err := s.LastRunWithStatus(ctx, "etl", StatusStarted, StatusSuccess)
		if err != nil {
			t.Fatalf("LastRunWithStatus() error = %v", err)
		}
		if healthy == nil || !healthy.CreatedAt.Equal(base.Add(-time.Hour)) {
			t.Errorf("LastRunWithStatus(etl) = %+v, want the earlier start", healthy)
		}

		none, err := s.LastRunWithStatus(ctx, "etl", StatusSuccess)
		if err != nil {
			t.Fatalf("LastRunWithStatus() error = %v", err)
		}
		if none != nil {
			t.Errorf("LastRunWithStatus(etl, success) = %+v, want nil", none)
		}

		open, err := s.OpenStarts(ctx, "backup")
		if err != nil {
			t.Fatalf("OpenStarts() error = %v", err)
		}
		if len(open) != 1 || !open[0].CreatedAt.Equal(base.Add(2*time.Hour)) {
			t.Errorf("OpenStarts(backup) = %d runs, want the 10:00 start", len(open))
		}

		etlOpen, err := s.OpenStarts(ctx, "etl")
		if err != nil {
			t.Fatalf("OpenStarts() error = %v", err)
		}
		if len(etlOpen) != 0 {
			t.Errorf("OpenStarts(etl) = %d runs, want 0 (closed by later failure)", len(etlOpen))
		}

		counts, err := s.CountRunsByStatusSince(ctx, base)
		if err != nil {
			t.Fatalf("CountRunsByStatusSince() error = %v", err)
		}
		got := map[string]int{}
		for _, c := range counts {
			got[c.JobName+"/"+string(c.Status)] = c.Count
		}
		want := map[string]int{"backup/started": 2, "backup/success": 1, "etl/failed": 1}
		if len(got) != len(want) {
			t.Errorf("CountRunsByStatusSince() = %v, want %v", got, want)
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("count[%s] = %d, want %d", k, got[k], v)
			}
		}
	})
}

func TestStore_DeleteJob_Cascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)
		mustAppend(t, s, "backup", StatusSuccess, time.Now())
		if _, err := s.AddMaintainer(ctx, &Maintainer{JobName: "backup", UserID: "U1"}); err != nil {
			t.Fatalf("AddMaintainer() error = %v", err)
		}

		if err := s.DeleteJob(ctx, "backup"); err != nil {
			t.Fatalf("DeleteJob() error = %v", err)
		}
		if err := s.DeleteJob(ctx, "backup"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteJob() error = %v, want ErrNotFound", err)
		}

		runs, err := s.RecentRunsForJob(ctx, "backup", 10)
		if err != nil {
			t.Fatalf("RecentRunsForJob() error = %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("runs survived delete: %d", len(runs))
		}
		maintainers, err := s.ListMaintainers(ctx, "backup")
		if err != nil {
			t.Fatalf("ListMaintainers() error = %v", err)
		}
		if len(maintainers) != 0 {
			t.Errorf("maintainers survived delete: %d", len(maintainers))
		}

		// re-registering the name starts from a clean slate
		mustCreateJob(t, s, "backup", 60)
		runs, _ = s.RecentRunsForJob(ctx, "backup", 10)
		if len(runs) != 0 {
			t.Errorf("re-registered job inherited %d runs", len(runs))
		}
	})
}

func TestStore_Maintainers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)

		if _, err := s.AddMaintainer(ctx, &Maintainer{JobName: "ghost", UserID: "U1"}); !errors.Is(err, ErrUnknownJob) {
			t.Errorf("AddMaintainer(ghost) error = %v, want ErrUnknownJob", err)
		}

		for i, u := range []string{"U2", "U1", "U1"} {
			added, err := s.AddMaintainer(ctx, &Maintainer{JobName: "backup", UserID: u, AddedBy: "U9"})
			if err != nil {
				t.Fatalf("AddMaintainer(%s) error = %v", u, err)
			}
			if want := i < 2; added != want {
				t.Errorf("AddMaintainer(%s) #%d added = %v, want %v", u, i, added, want)
			}
		}

		got, err := s.ListMaintainers(ctx, "backup")
		if err != nil {
			t.Fatalf("ListMaintainers() error = %v", err)
		}
		if len(got) != 2 || got[0].UserID != "U1" || got[1].UserID != "U2" {
			t.Fatalf("ListMaintainers() = %d entries, want U1, U2", len(got))
		}
		if got[0].AddedBy != "U9" {
			t.Errorf("AddedBy = %q, want U9", got[0].AddedBy)
		}

		if err := s.RemoveMaintainer(ctx, "backup", "U1"); err != nil {
			t.Fatalf("RemoveMaintainer() error = %v", err)
		}
		if err := s.RemoveMaintainer(ctx, "backup", "U1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("RemoveMaintainer() twice error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Admins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.AddAdmin(ctx, &Admin{UserID: "U1", IsSuperAdmin: true}); err != nil {
			t.Fatalf("AddAdmin() error = %v", err)
		}
		if added, err := s.AddAdmin(ctx, &Admin{UserID: "U2"}); err != nil || !added {
			t.Fatalf("AddAdmin() = %v, %v, want added", added, err)
		}
		// re-adding never demotes
		added, err := s.AddAdmin(ctx, &Admin{UserID: "U1"})
		if err != nil {
			t.Fatalf("AddAdmin() error = %v", err)
		}
		if added {
			t.Error("re-adding an admin reported an insert")
		}

		a, err := s.GetAdmin(ctx, "U1")
		if err != nil {
			t.Fatalf("GetAdmin() error = %v", err)
		}
		if !a.IsSuperAdmin {
			t.Error("U1 lost super admin flag")
		}

		admins, err := s.ListAdmins(ctx)
		if err != nil {
			t.Fatalf("ListAdmins() error = %v", err)
		}
		if len(admins) != 2 {
			t.Errorf("ListAdmins() returned %d, want 2", len(admins))
		}

		if err := s.RemoveAdmin(ctx, "U2"); err != nil {
			t.Fatalf("RemoveAdmin() error = %v", err)
		}
		if _, err := s.GetAdmin(ctx, "U2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAdmin(removed) error = %v, want ErrNotFound", err)
		}
		if err := s.RemoveAdmin(ctx, "U2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("RemoveAdmin(absent) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Activity(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreateJob(t, s, "backup", 3600)
		mustCreateJob(t, s, "etl", 3600)
		entries := []*ActivityEntry{
			{JobName: "backup", EventType: "job_registered", Actor: "U1", CreatedAt: base},
			{JobName: "etl", EventType: "job_registered", Actor: "U2", CreatedAt: base.Add(time.Minute)},
			{JobName: "backup", EventType: "job_deactivated", Actor: "U2", CreatedAt: base.Add(2 * time.Minute)},
		}
		for _, e := range entries {
			if err := s.LogActivity(ctx, e); err != nil {
				t.Fatalf("LogActivity() error = %v", err)
			}
			if e.ID == 0 {
				t.Error("LogActivity() did not assign an ID")
			}
		}

		tests := []struct {
			name      string
			filter    ActivityFilter
			wantTypes []string
		}{
			{"all newest first", ActivityFilter{}, []string{"job_deactivated", "job_registered", "job_registered"}},
			{"by job", ActivityFilter{JobName: "backup"}, []string{"job_deactivated", "job_registered"}},
			{"by actor", ActivityFilter{Actor: "U2"}, []string{"job_deactivated", "job_registered"}},
			{"limit", ActivityFilter{Limit: 1}, []string{"job_deactivated"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListActivity(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListActivity() error = %v", err)
				}
				if len(got) != len(tt.wantTypes) {
					t.Fatalf("ListActivity() returned %d entries, want %d", len(got), len(tt.wantTypes))
				}
				for i, e := range got {
					if e.EventType != tt.wantTypes[i] {
						t.Errorf("entry[%d].EventType = %s, want %s", i, e.EventType, tt.wantTypes[i])
					}
				}
			})
		}
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		path    string
		dsn     string
		wantErr bool
	}{
		{"unknown driver", "json", "x.json", "", true},
		{"bbolt without path", "bbolt", "", "", true},
		{"postgres without dsn", "postgres", "", "", true},
		{"bbolt", "bbolt", filepath.Join(t.TempDir(), "ok.db"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.driver, tt.path, tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM runs WHERE job_name = ? AND status IN (?, ?)"
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := "SELECT * FROM runs WHERE job_name = $1 AND status IN ($2, $3)"
	if got := dialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func jobNames(jobs []*Job) []string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	return names
}
