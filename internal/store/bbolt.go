package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// jobsBucket maps job name to the JSON encoded Job.
	jobsBucket = "jobs"
	// runsBucket holds one sub-bucket per job, keyed by run ID.
	runsBucket = "runs"
	// maintainersBucket holds one sub-bucket per job, keyed by user ID.
	maintainersBucket = "maintainers"
	adminsBucket      = "admins"
	activityBucket    = "activity"
)

// BoltStore implements Store on a single BoltDB file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, unavailable(fmt.Sprintf("open boltdb at %s", path), err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{jobsBucket, runsBucket, maintainersBucket, adminsBucket, activityBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getJob(tx *bolt.Tx, name string) (*Job, error) {
	data := tx.Bucket([]byte(jobsBucket)).Get([]byte(name))
	if data == nil {
		return nil, nil
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", name, err)
	}
	return job, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", string(key), err)
	}
	return b.Put(key, data)
}

// CreateJob inserts a new job.
func (s *BoltStore) CreateJob(_ context.Context, job *Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getJob(tx, job.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("job %q: %w", job.Name, ErrDuplicateJob)
		}
		now := s.now()
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		return putJSON(tx.Bucket([]byte(jobsBucket)), []byte(job.Name), job)
	})
	return unavailable("create job", err)
}

// GetJob returns a job by name.
func (s *BoltStore) GetJob(_ context.Context, name string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, name)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %q: %w", name, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return job, nil
}

// UpdateJob merges patch into the named job.
func (s *BoltStore) UpdateJob(_ context.Context, name string, patch JobPatch) (*Job, error) {
	var job *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, name)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %q: %w", name, ErrNotFound)
		}
		patch.Apply(job)
		job.UpdatedAt = s.now()
		return putJSON(tx.Bucket([]byte(jobsBucket)), []byte(name), job)
	})
	if err != nil {
		return nil, unavailable("update job", err)
	}
	return job, nil
}

// DeleteJob removes a job, its runs and maintainers, and detaches its activity entries.
func (s *BoltStore) DeleteJob(_ context.Context, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		if jobs.Get([]byte(name)) == nil {
			return fmt.Errorf("job %q: %w", name, ErrNotFound)
		}
		if err := jobs.Delete([]byte(name)); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}

		for _, parent := range []string{runsBucket, maintainersBucket} {
			b := tx.Bucket([]byte(parent))
			if b.Bucket([]byte(name)) == nil {
				continue
			}
			if err := b.DeleteBucket([]byte(name)); err != nil {
				return fmt.Errorf("delete %s of %s: %w", parent, name, err)
			}
		}

		activity := tx.Bucket([]byte(activityBucket))
		type detached struct {
			key   []byte
			entry *ActivityEntry
		}
		var updates []detached
		err := activity.ForEach(func(k, v []byte) error {
			entry := &ActivityEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("unmarshal activity %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if entry.JobName == name {
				entry.JobName = ""
				updates = append(updates, detached{key: append([]byte(nil), k...), entry: entry})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := putJSON(activity, u.key, u.entry); err != nil {
				return err
			}
		}
		return nil
	})
	return unavailable("delete job", err)
}

// ListJobs returns jobs ordered by name.
func (s *BoltStore) ListJobs(_ context.Context, activeOnly bool) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		// bolt iterates keys in byte order, which is name order
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			job := &Job{}
			if err := json.Unmarshal(v, job); err != nil {
				return fmt.Errorf("unmarshal job %s: %w", string(k), err)
			}
			if activeOnly && !job.Active {
				return nil
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	return jobs, nil
}

// AppendRun stores a run in the job's sub-bucket.
func (s *BoltStore) AppendRun(_ context.Context, run *Run) (int64, error) {
	if !run.Status.Valid() {
		return 0, fmt.Errorf("invalid status %q", run.Status)
	}
	if run.TriggeredBy == "" {
		run.TriggeredBy = DefaultTriggeredBy
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(jobsBucket)).Get([]byte(run.JobName)) == nil {
			return fmt.Errorf("job %q: %w", run.JobName, ErrUnknownJob)
		}

		runs := tx.Bucket([]byte(runsBucket))
		seq, err := runs.NextSequence()
		if err != nil {
			return fmt.Errorf("next run id: %w", err)
		}
		run.ID = int64(seq)

		jobBucket, err := runs.CreateBucketIfNotExists([]byte(run.JobName))
		if err != nil {
			return fmt.Errorf("create job bucket %s: %w", run.JobName, err)
		}
		return putJSON(jobBucket, itob(seq), run)
	})
	if err != nil {
		return 0, unavailable("append run", err)
	}
	return run.ID, nil
}

// jobRuns reads all runs of one job inside tx.
func jobRuns(tx *bolt.Tx, name string) ([]*Run, error) {
	jobBucket := tx.Bucket([]byte(runsBucket)).Bucket([]byte(name))
	if jobBucket == nil {
		return nil, nil
	}
	var runs []*Run
	err := jobBucket.ForEach(func(k, v []byte) error {
		run := &Run{}
		if err := json.Unmarshal(v, run); err != nil {
			return fmt.Errorf("unmarshal run %d: %w", binary.BigEndian.Uint64(k), err)
		}
		runs = append(runs, run)
		return nil
	})
	return runs, err
}

// eachJobRuns calls fn with the runs of every job that has a run bucket.
func eachJobRuns(tx *bolt.Tx, fn func(name string, runs []*Run) error) error {
	return tx.Bucket([]byte(runsBucket)).ForEach(func(k, v []byte) error {
		// sub-buckets have a nil value
		if v != nil {
			return nil
		}
		runs, err := jobRuns(tx, string(k))
		if err != nil {
			return err
		}
		return fn(string(k), runs)
	})
}

// RecentRunsForJob returns the most recent runs of a job.
func (s *BoltStore) RecentRunsForJob(_ context.Context, name string, limit int) ([]*Run, error) {
	limit = normalizeLimit(limit, DefaultJobLimit)

	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		runs, err = jobRuns(tx, name)
		return err
	})
	if err != nil {
		return nil, unavailable("recent runs for job", err)
	}

	sortNewestFirst(runs)
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// RecentRuns returns the most recent runs across all jobs.
func (s *BoltStore) RecentRuns(_ context.Context, limit int) ([]*Run, error) {
	limit = normalizeLimit(limit, DefaultRecentLimit)

	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachJobRuns(tx, func(_ string, jr []*Run) error {
			runs = append(runs, jr...)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("recent runs", err)
	}

	sortNewestFirst(runs)
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// LatestRunPerJob returns the last run of every job.
func (s *BoltStore) LatestRunPerJob(_ context.Context) ([]*Run, error) {
	var latest []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachJobRuns(tx, func(_ string, jr []*Run) error {
			if last := latestWithStatus(jr, AllStatuses); last != nil {
				latest = append(latest, last)
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("latest run per job", err)
	}
	return latest, nil
}

// CountRunsByStatusSince groups runs by job and status.
func (s *BoltStore) CountRunsByStatusSince(_ context.Context, since time.Time) ([]StatusCount, error) {
	var counts []StatusCount
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachJobRuns(tx, func(name string, jr []*Run) error {
			byStatus := make(map[Status]int)
			for _, r := range jr {
				if !r.CreatedAt.Before(since) {
					byStatus[r.Status]++
				}
			}
			for _, st := range AllStatuses {
				if n := byStatus[st]; n > 0 {
					counts = append(counts, StatusCount{JobName: name, Status: st, Count: n})
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("count runs", err)
	}
	return counts, nil
}

// LastRunWithStatus returns the latest run of a job with one of statuses.
func (s *BoltStore) LastRunWithStatus(_ context.Context, name string, statuses ...Status) (*Run, error) {
	var last *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		runs, err := jobRuns(tx, name)
		if err != nil {
			return err
		}
		last = latestWithStatus(runs, statuses)
		return nil
	})
	if err != nil {
		return nil, unavailable("last run with status", err)
	}
	return last, nil
}

// OpenStarts returns started runs not followed by a terminal run.
func (s *BoltStore) OpenStarts(_ context.Context, name string) ([]*Run, error) {
	var open []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		runs, err := jobRuns(tx, name)
		if err != nil {
			return err
		}
		open = openStartsOf(runs)
		return nil
	})
	if err != nil {
		return nil, unavailable("open starts", err)
	}
	return open, nil
}

// AddMaintainer links a user to a job.
func (s *BoltStore) AddMaintainer(_ context.Context, m *Maintainer) (bool, error) {
	var added bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(jobsBucket)).Get([]byte(m.JobName)) == nil {
			return fmt.Errorf("job %q: %w", m.JobName, ErrUnknownJob)
		}
		jobBucket, err := tx.Bucket([]byte(maintainersBucket)).CreateBucketIfNotExists([]byte(m.JobName))
		if err != nil {
			return fmt.Errorf("create maintainers bucket %s: %w", m.JobName, err)
		}
		if jobBucket.Get([]byte(m.UserID)) != nil {
			return nil
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		added = true
		return putJSON(jobBucket, []byte(m.UserID), m)
	})
	if err != nil {
		return false, unavailable("add maintainer", err)
	}
	return added, nil
}

// RemoveMaintainer unlinks a user from a job.
func (s *BoltStore) RemoveMaintainer(_ context.Context, jobName, userID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(maintainersBucket)).Bucket([]byte(jobName))
		if jobBucket == nil || jobBucket.Get([]byte(userID)) == nil {
			return fmt.Errorf("maintainer %s of %q: %w", userID, jobName, ErrNotFound)
		}
		return jobBucket.Delete([]byte(userID))
	})
	return unavailable("remove maintainer", err)
}

// ListMaintainers returns the maintainers of a job.
func (s *BoltStore) ListMaintainers(_ context.Context, jobName string) ([]*Maintainer, error) {
	var maintainers []*Maintainer
	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(maintainersBucket)).Bucket([]byte(jobName))
		if jobBucket == nil {
			return nil
		}
		return jobBucket.ForEach(func(k, v []byte) error {
			m := &Maintainer{}
			if err := json.Unmarshal(v, m); err != nil {
				return fmt.Errorf("unmarshal maintainer %s: %w", string(k), err)
			}
			maintainers = append(maintainers, m)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list maintainers", err)
	}
	return maintainers, nil
}

// AddAdmin inserts an admin if absent.
func (s *BoltStore) AddAdmin(_ context.Context, a *Admin) (bool, error) {
	var added bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		admins := tx.Bucket([]byte(adminsBucket))
		if admins.Get([]byte(a.UserID)) != nil {
			return nil
		}
		if a.AddedAt.IsZero() {
			a.AddedAt = s.now()
		}
		added = true
		return putJSON(admins, []byte(a.UserID), a)
	})
	if err != nil {
		return false, unavailable("add admin", err)
	}
	return added, nil
}

// GetAdmin returns an admin by user ID.
func (s *BoltStore) GetAdmin(_ context.Context, userID string) (*Admin, error) {
	var admin *Admin
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(adminsBucket)).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("admin %s: %w", userID, ErrNotFound)
		}
		admin = &Admin{}
		return json.Unmarshal(data, admin)
	})
	if err != nil {
		return nil, unavailable("get admin", err)
	}
	return admin, nil
}

// RemoveAdmin deletes an admin.
func (s *BoltStore) RemoveAdmin(_ context.Context, userID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		admins := tx.Bucket([]byte(adminsBucket))
		if admins.Get([]byte(userID)) == nil {
			return fmt.Errorf("admin %s: %w", userID, ErrNotFound)
		}
		return admins.Delete([]byte(userID))
	})
	return unavailable("remove admin", err)
}

// ListAdmins returns all admins.
func (s *BoltStore) ListAdmins(_ context.Context) ([]*Admin, error) {
	var admins []*Admin
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(adminsBucket)).ForEach(func(k, v []byte) error {
			a := &Admin{}
			if err := json.Unmarshal(v, a); err != nil {
				return fmt.Errorf("unmarshal admin %s: %w", string(k), err)
			}
			admins = append(admins, a)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list admins", err)
	}
	return admins, nil
}

// LogActivity appends an audit entry.
func (s *BoltStore) LogActivity(_ context.Context, entry *ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		activity := tx.Bucket([]byte(activityBucket))
		seq, err := activity.NextSequence()
		if err != nil {
			return fmt.Errorf("next activity id: %w", err)
		}
		entry.ID = int64(seq)
		return putJSON(activity, itob(seq), entry)
	})
	return unavailable("log activity", err)
}

// ListActivity returns matching entries, newest first.
func (s *BoltStore) ListActivity(_ context.Context, filter ActivityFilter) ([]*ActivityEntry, error) {
	def := DefaultRecentLimit
	if filter.JobName != "" || filter.Actor != "" {
		def = DefaultJobLimit
	}
	limit := normalizeLimit(filter.Limit, def)

	var entries []*ActivityEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(activityBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			entry := &ActivityEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("unmarshal activity %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if filter.JobName != "" && entry.JobName != filter.JobName {
				continue
			}
			if filter.Actor != "" && entry.Actor != filter.Actor {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list activity", err)
	}

	// IDs follow insertion; keep CreatedAt as the primary order for imported entries
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Close releases resources held by the store.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
