package storage

import (
	"context"
	"fmt"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS archived_jobs (
		id TEXT PRIMARY KEY,
		job_id TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL,
		source_file TEXT NOT NULL,
		school_name TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		pages_complete INTEGER NOT NULL DEFAULT 0,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP NOT NULL
	)
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS archived_jobs (
		id UUID PRIMARY KEY,
		job_id TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL,
		source_file TEXT NOT NULL,
		school_name TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		pages_complete INTEGER NOT NULL DEFAULT 0,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		result JSONB,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL
	)
`

const archivedAtIndex = `
	CREATE INDEX IF NOT EXISTS idx_archived_jobs_archived_at ON archived_jobs (archived_at)
`

// EnsureSchema creates the archive tables when they do not exist yet. It is
// safe to call on every startup.
func EnsureSchema(ctx context.Context, db DB, driver string) error {
	var stmts []string
	switch driver {
	case "postgres":
		stmts = []string{postgresSchema, archivedAtIndex}
	default:
		stmts = []string{sqliteSchema, archivedAtIndex}
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}
