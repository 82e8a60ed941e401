package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens the archive database for the given driver. SQLite runs with a
// single writer connection and WAL journaling so reads keep working while
// the worker archives jobs.
func Open(driver, dsn string) (*sql.DB, error) {
	var name string
	switch driver {
	case "sqlite", "sqlite3":
		name = "sqlite3"
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
		name = "postgres"
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", driver)
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	if name == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
