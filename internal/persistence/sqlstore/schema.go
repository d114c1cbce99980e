// Package sqlstore implements the persistence repositories on top of sqlx.
// The same SQL serves SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq):
// queries are written with '?' placeholders and rebound per driver, upserts
// use ON CONFLICT, and timestamps are stored as unix nanoseconds.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trials (
		id           TEXT NOT NULL,
		param_hash   TEXT NOT NULL,
		segment_id   TEXT NOT NULL,
		space_hash   TEXT NOT NULL,
		params       TEXT NOT NULL,
		objective    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		run_id       TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		PRIMARY KEY (param_hash, segment_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trials_segment ON trials (segment_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_trials_space ON trials (space_hash, status)`,
	`CREATE TABLE IF NOT EXISTS bad_regions (
		space_hash   TEXT NOT NULL,
		param_hash   TEXT NOT NULL,
		params       TEXT NOT NULL,
		reason       TEXT NOT NULL,
		objective    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at   BIGINT NOT NULL,
		PRIMARY KEY (space_hash, param_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		id                  TEXT PRIMARY KEY,
		run_id              TEXT NOT NULL,
		param_hash          TEXT NOT NULL,
		params              TEXT NOT NULL,
		status              TEXT NOT NULL,
		history             TEXT NOT NULL,
		version_id          TEXT NOT NULL DEFAULT '',
		previous_version_id TEXT NOT NULL DEFAULT '',
		evidence            TEXT NOT NULL DEFAULT '{}',
		created_at          BIGINT NOT NULL,
		updated_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_created ON candidates (created_at)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started_at  BIGINT NOT NULL,
		finished_at BIGINT NOT NULL,
		outcome     TEXT NOT NULL,
		summary     TEXT NOT NULL
	)`,
}

// Migrate creates the tables and indexes if they do not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
