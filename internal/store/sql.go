package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

func (d dialect) serialColumn() string {
	if d == dialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql, shared by the sqlite and
// postgres drivers.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	return newSQLStore(ctx, db, dialectSQLite)
}

// NewPostgresStore connects to postgres using a lib/pq DSN or URL.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping postgres", err)
	}

	return newSQLStore(ctx, db, dialectPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB, used by the postgres leader lock.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns "sqlite" or "postgres".
func (s *SQLStore) Dialect() string {
	return string(s.dialect)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify maps driver errors onto the store's sentinel errors.
func (s *SQLStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, ErrDuplicateJob)
		case pqErr.Code == "23503":
			return fmt.Errorf("%s: %w", op, ErrUnknownJob)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code == "57P01", pqErr.Code == "57P03":
			return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
		}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
		}
	}

	return unavailable(op, err)
}

func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrDuplicateJob) {
			return err
		}
		return s.classify(op, err)
	}
	return s.classify(op, tx.Commit())
}

const jobColumns = `name, description, schedule, expected_every_s, max_runtime_s,
	manual_trigger_url, severity, alert_target, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		maxRuntime sql.NullInt64
		target     sql.NullString
		severity   string
		created    int64
		updated    int64
	)
	err := row.Scan(&job.Name, &job.Description, &job.Schedule, &job.ExpectedEverySeconds, &maxRuntime,
		&job.ManualTriggerURL, &severity, &target, &job.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	if maxRuntime.Valid {
		v := maxRuntime.Int64
		job.MaxRuntimeSeconds = &v
	}
	job.Severity = Severity(severity)
	job.AlertTarget = target.String
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	return &job, nil
}

func jobArgs(job *Job) []any {
	var maxRuntime sql.NullInt64
	if job.MaxRuntimeSeconds != nil {
		maxRuntime = sql.NullInt64{Int64: *job.MaxRuntimeSeconds, Valid: true}
	}
	return []any{
		job.Name, job.Description, job.Schedule, job.ExpectedEverySeconds, maxRuntime,
		job.ManualTriggerURL, string(job.Severity), nullString(job.AlertTarget), job.Active,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
	}
}

func (s *SQLStore) txGetJob(ctx context.Context, tx *sql.Tx, name string) (*Job, error) {
	row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`), name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// CreateJob inserts a new job.
func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	return s.withTx(ctx, "create job", func(tx *sql.Tx) error {
		existing, err := s.txGetJob(ctx, tx, job.Name)
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
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), jobArgs(job)...)
		return err
	})
}

// GetJob returns a job by name.
func (s *SQLStore) GetJob(ctx context.Context, name string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`), name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, s.classify("get job", err)
	}
	return job, nil
}

// UpdateJob merges patch into the named job.
func (s *SQLStore) UpdateJob(ctx context.Context, name string, patch JobPatch) (*Job, error) {
	var job *Job
	err := s.withTx(ctx, "update job", func(tx *sql.Tx) error {
		var err error
		job, err = s.txGetJob(ctx, tx, name)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %q: %w", name, ErrNotFound)
		}
		patch.Apply(job)
		job.UpdatedAt = s.now()

		args := jobArgs(job)
		// name goes last for the WHERE clause
		args = append(args[1:], job.Name)
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE jobs SET
			description = ?, schedule = ?, expected_every_s = ?, max_runtime_s = ?,
			manual_trigger_url = ?, severity = ?, alert_target = ?, active = ?,
			created_at = ?, updated_at = ?
			WHERE name = ?`), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes a job and cascades to runs and maintainers.
func (s *SQLStore) DeleteJob(ctx context.Context, name string) error {
	return s.withTx(ctx, "delete job", func(tx *sql.Tx) error {
		existing, err := s.txGetJob(ctx, tx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("job %q: %w", name, ErrNotFound)
		}
		stmts := []string{
			`DELETE FROM runs WHERE job_name = ?`,
			`DELETE FROM maintainers WHERE job_name = ?`,
			`UPDATE activity_log SET job_name = NULL WHERE job_name = ?`,
			`DELETE FROM jobs WHERE name = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(stmt), name); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJobs returns jobs ordered by name.
func (s *SQLStore) ListJobs(ctx context.Context, activeOnly bool) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.classify("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, s.classify("list jobs", rows.Err())
}

const runColumns = `id, job_name, status, message, duration_s, triggered_by, created_at`

func scanRun(row rowScanner) (*Run, error) {
	var (
		run      Run
		status   string
		message  sql.NullString
		duration sql.NullFloat64
		created  int64
	)
	if err := row.Scan(&run.ID, &run.JobName, &status, &message, &duration, &run.TriggeredBy, &created); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.Message = message.String
	if duration.Valid {
		v := duration.Float64
		run.DurationSeconds = &v
	}
	run.CreatedAt = fromNanos(created)
	return &run, nil
}

func (s *SQLStore) queryRuns(ctx context.Context, op, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.classify(op, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, s.classify(op, err)
		}
		runs = append(runs, run)
	}
	return runs, s.classify(op, rows.Err())
}

// AppendRun inserts a run after checking its job exists.
func (s *SQLStore) AppendRun(ctx context.Context, run *Run) (int64, error) {
	if !run.Status.Valid() {
		return 0, fmt.Errorf("invalid status %q", run.Status)
	}
	if run.TriggeredBy == "" {
		run.TriggeredBy = DefaultTriggeredBy
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}

	var duration sql.NullFloat64
	if run.DurationSeconds != nil {
		duration = sql.NullFloat64{Float64: *run.DurationSeconds, Valid: true}
	}

	err := s.withTx(ctx, "append run", func(tx *sql.Tx) error {
		job, err := s.txGetJob(ctx, tx, run.JobName)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %q: %w", run.JobName, ErrUnknownJob)
		}
		return tx.QueryRowContext(ctx, s.dialect.rebind(`INSERT INTO runs
			(job_name, status, message, duration_s, triggered_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
			run.JobName, string(run.Status), nullString(run.Message), duration, run.TriggeredBy, toNanos(run.CreatedAt),
		).Scan(&run.ID)
	})
	if err != nil {
		return 0, err
	}
	return run.ID, nil
}

// RecentRunsForJob returns the most recent runs of a job.
func (s *SQLStore) RecentRunsForJob(ctx context.Context, name string, limit int) ([]*Run, error) {
	return s.queryRuns(ctx, "recent runs for job",
		`SELECT `+runColumns+` FROM runs WHERE job_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		name, normalizeLimit(limit, DefaultJobLimit))
}

// RecentRuns returns the most recent runs across all jobs.
func (s *SQLStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.queryRuns(ctx, "recent runs",
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`,
		normalizeLimit(limit, DefaultRecentLimit))
}

// LatestRunPerJob returns the last run of every job.
func (s *SQLStore) LatestRunPerJob(ctx context.Context) ([]*Run, error) {
	return s.queryRuns(ctx, "latest run per job",
		`SELECT `+runColumns+` FROM runs r
		WHERE r.id = (
			SELECT r2.id FROM runs r2 WHERE r2.job_name = r.job_name
			ORDER BY r2.created_at DESC, r2.id DESC LIMIT 1
		)
		ORDER BY r.job_name`)
}

// CountRunsByStatusSince groups runs by job and status.
func (s *SQLStore) CountRunsByStatusSince(ctx context.Context, since time.Time) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT job_name, status, COUNT(*) FROM runs
		WHERE created_at >= ? GROUP BY job_name, status ORDER BY job_name, status`), toNanos(since))
	if err != nil {
		return nil, s.classify("count runs", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var (
			c      StatusCount
			status string
		)
		if err := rows.Scan(&c.JobName, &status, &c.Count); err != nil {
			return nil, s.classify("count runs", err)
		}
		c.Status = Status(status)
		counts = append(counts, c)
	}
	return counts, s.classify("count runs", rows.Err())
}

// LastRunWithStatus returns the latest run of a job with one of statuses.
func (s *SQLStore) LastRunWithStatus(ctx context.Context, name string, statuses ...Status) (*Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []any{name}
	for _, st := range statuses {
		args = append(args, string(st))
	}

	runs, err := s.queryRuns(ctx, "last run with status",
		`SELECT `+runColumns+` FROM runs WHERE job_name = ? AND status IN (`+placeholders+`)
		ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// OpenStarts returns started runs with no later success or failed run.
func (s *SQLStore) OpenStarts(ctx context.Context, name string) ([]*Run, error) {
	return s.queryRuns(ctx, "open starts",
		`SELECT `+runColumns+` FROM runs r
		WHERE r.job_name = ? AND r.status = 'started'
		AND NOT EXISTS (
			SELECT 1 FROM runs t
			WHERE t.job_name = r.job_name
			AND t.status IN ('success', 'failed')
			AND t.created_at > r.created_at
		)
		ORDER BY r.created_at, r.id`, name)
}

// AddMaintainer links a user to a job.
func (s *SQLStore) AddMaintainer(ctx context.Context, m *Maintainer) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	var added bool
	err := s.withTx(ctx, "add maintainer", func(tx *sql.Tx) error {
		job, err := s.txGetJob(ctx, tx, m.JobName)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %q: %w", m.JobName, ErrUnknownJob)
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO maintainers (job_name, user_id, added_by, created_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (job_name, user_id) DO NOTHING`),
			m.JobName, m.UserID, nullString(m.AddedBy), toNanos(m.CreatedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemoveMaintainer unlinks a user from a job.
func (s *SQLStore) RemoveMaintainer(ctx context.Context, jobName, userID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM maintainers WHERE job_name = ? AND user_id = ?`), jobName, userID)
	if err != nil {
		return s.classify("remove maintainer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("maintainer %s of %q: %w", userID, jobName, ErrNotFound)
	}
	return nil
}

// ListMaintainers returns the maintainers of a job.
func (s *SQLStore) ListMaintainers(ctx context.Context, jobName string) ([]*Maintainer, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT job_name, user_id, added_by, created_at
		FROM maintainers WHERE job_name = ? ORDER BY user_id`), jobName)
	if err != nil {
		return nil, s.classify("list maintainers", err)
	}
	defer rows.Close()

	var maintainers []*Maintainer
	for rows.Next() {
		var (
			m       Maintainer
			addedBy sql.NullString
			created int64
		)
		if err := rows.Scan(&m.JobName, &m.UserID, &addedBy, &created); err != nil {
			return nil, s.classify("list maintainers", err)
		}
		m.AddedBy = addedBy.String
		m.CreatedAt = fromNanos(created)
		maintainers = append(maintainers, &m)
	}
	return maintainers, s.classify("list maintainers", rows.Err())
}

// AddAdmin inserts an admin if absent.
func (s *SQLStore) AddAdmin(ctx context.Context, a *Admin) (bool, error) {
	if a.AddedAt.IsZero() {
		a.AddedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO admins (user_id, is_super_admin, added_at)
		VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`), a.UserID, a.IsSuperAdmin, toNanos(a.AddedAt))
	if err != nil {
		return false, s.classify("add admin", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify("add admin", err)
	}
	return n > 0, nil
}

func scanAdmin(row rowScanner) (*Admin, error) {
	var (
		a     Admin
		added int64
	)
	if err := row.Scan(&a.UserID, &a.IsSuperAdmin, &added); err != nil {
		return nil, err
	}
	a.AddedAt = fromNanos(added)
	return &a, nil
}

// GetAdmin returns an admin by user ID.
func (s *SQLStore) GetAdmin(ctx context.Context, userID string) (*Admin, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT user_id, is_super_admin, added_at FROM admins WHERE user_id = ?`), userID)
	a, err := scanAdmin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admin %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, s.classify("get admin", err)
	}
	return a, nil
}

// RemoveAdmin deletes an admin.
func (s *SQLStore) RemoveAdmin(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM admins WHERE user_id = ?`), userID)
	if err != nil {
		return s.classify("remove admin", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("admin %s: %w", userID, ErrNotFound)
	}
	return nil
}

// ListAdmins returns all admins.
func (s *SQLStore) ListAdmins(ctx context.Context) ([]*Admin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, is_super_admin, added_at FROM admins ORDER BY user_id`)
	if err != nil {
		return nil, s.classify("list admins", err)
	}
	defer rows.Close()

	var admins []*Admin
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, s.classify("list admins", err)
		}
		admins = append(admins, a)
	}
	return admins, s.classify("list admins", rows.Err())
}

// LogActivity appends an audit entry.
func (s *SQLStore) LogActivity(ctx context.Context, entry *ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`INSERT INTO activity_log (job_name, event_type, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		nullString(entry.JobName), entry.EventType, entry.Actor, nullString(entry.Detail), toNanos(entry.CreatedAt),
	).Scan(&entry.ID)
	return s.classify("log activity", err)
}

// ListActivity returns matching entries, newest first.
func (s *SQLStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]*ActivityEntry, error) {
	def := DefaultRecentLimit
	var (
		where []string
		args  []any
	)
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
		def = DefaultJobLimit
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
		def = DefaultJobLimit
	}

	query := `SELECT id, job_name, event_type, actor, detail, created_at FROM activity_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit, def))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.classify("list activity", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var (
			e       ActivityEntry
			jobName sql.NullString
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &jobName, &e.EventType, &e.Actor, &detail, &created); err != nil {
			return nil, s.classify("list activity", err)
		}
		e.JobName = jobName.String
		e.Detail = detail.String
		e.CreatedAt = fromNanos(created)
		entries = append(entries, &e)
	}
	return entries, s.classify("list activity", rows.Err())
}
