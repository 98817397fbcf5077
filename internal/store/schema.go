package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schemaStatements is applied at open time. {{serial}} is replaced
// per dialect.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		name               TEXT PRIMARY KEY,
		description        TEXT NOT NULL DEFAULT '',
		schedule           TEXT NOT NULL DEFAULT '',
		expected_every_s   BIGINT NOT NULL CHECK (expected_every_s > 0),
		max_runtime_s      BIGINT,
		manual_trigger_url TEXT NOT NULL DEFAULT '',
		severity           TEXT NOT NULL DEFAULT 'medium' CHECK (severity IN ('low', 'medium', 'high')),
		alert_target       TEXT,
		active             BOOLEAN NOT NULL DEFAULT TRUE,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id           {{serial}},
		job_name     TEXT NOT NULL REFERENCES jobs(name) ON DELETE CASCADE,
		status       TEXT NOT NULL CHECK (status IN ('started', 'success', 'failed', 'missed')),
		message      TEXT,
		duration_s   DOUBLE PRECISION,
		triggered_by TEXT NOT NULL DEFAULT 'schedule',
		created_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_job_created ON runs(job_name, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
	`CREATE TABLE IF NOT EXISTS maintainers (
		job_name   TEXT NOT NULL REFERENCES jobs(name) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		added_by   TEXT,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (job_name, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		user_id        TEXT PRIMARY KEY,
		is_super_admin BOOLEAN NOT NULL DEFAULT FALSE,
		added_at       BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id         {{serial}},
		job_name   TEXT REFERENCES jobs(name) ON DELETE SET NULL,
		event_type TEXT NOT NULL,
		actor      TEXT NOT NULL,
		detail     TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at)`,
}

// migrate creates the schema if it does not exist yet.
func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	r := strings.NewReplacer("{{serial}}", d.serialColumn())
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
