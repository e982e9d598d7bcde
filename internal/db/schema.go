package db

import (
	"context"
	"fmt"
)

// Column types are chosen to work on both Postgres and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS investigations (
		run_id               TEXT PRIMARY KEY,
		question             TEXT NOT NULL,
		started_at           TIMESTAMP NOT NULL,
		duration_ms          BIGINT NOT NULL DEFAULT 0,
		result_count         INTEGER NOT NULL DEFAULT 0,
		duplicates_removed   INTEGER NOT NULL DEFAULT 0,
		rate_limited_sources TEXT,
		synthesis            TEXT,
		created_at           TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS investigation_tasks (
		run_id       TEXT NOT NULL,
		task_id      TEXT NOT NULL,
		query        TEXT NOT NULL,
		status       TEXT NOT NULL,
		result_count INTEGER NOT NULL DEFAULT 0,
		entities     TEXT,
		PRIMARY KEY (run_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hypothesis_runs (
		run_id          TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		hypothesis_id   INTEGER NOT NULL,
		statement       TEXT NOT NULL,
		mode            TEXT NOT NULL,
		results_count   INTEGER NOT NULL DEFAULT 0,
		sources_queried TEXT,
		sources_skipped TEXT,
		new_urls        INTEGER NOT NULL DEFAULT 0,
		novelty_ratio   DOUBLE PRECISION NOT NULL DEFAULT 0,
		delta           TEXT,
		duration_ms     BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, task_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS coverage_decisions (
		run_id          TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		hypothesis_id   INTEGER NOT NULL,
		executed        INTEGER NOT NULL,
		decision        TEXT NOT NULL,
		assessment      TEXT,
		elapsed_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, task_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_investigations_started_at ON investigations (started_at)`,
}

// Migrate creates the audit tables if they are missing.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
