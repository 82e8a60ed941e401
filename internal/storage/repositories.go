package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JobArchiveRepository handles archived job records.
type JobArchiveRepository struct {
	db DB
}

// NewJobArchiveRepository creates a new job archive repository.
func NewJobArchiveRepository(db DB) *JobArchiveRepository {
	return &JobArchiveRepository{db: db}
}

// Insert writes a terminal job record to the archive.
func (r *JobArchiveRepository) Insert(ctx context.Context, rec *ArchivedJob) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}

	query := `
		INSERT INTO archived_jobs (id, job_id, status, source_file, school_name,
			page_count, pages_complete, conflict_count, result, error, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.Status, rec.SourceFile, rec.SchoolName,
		rec.PageCount, rec.PagesComplete, rec.ConflictCount, rec.Result,
		rec.Error, rec.CreatedAt, rec.ArchivedAt,
	)
	return err
}

// GetByJobID retrieves an archived job by the job identifier.
func (r *JobArchiveRepository) GetByJobID(ctx context.Context, jobID string) (*ArchivedJob, error) {
	query := `
		SELECT id, job_id, status, source_file, school_name,
			page_count, pages_complete, conflict_count, result, error, created_at, archived_at
		FROM archived_jobs WHERE job_id = $1
	`
	rec := &ArchivedJob{}
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.JobID, &rec.Status, &rec.SourceFile, &rec.SchoolName,
		&rec.PageCount, &rec.PagesComplete, &rec.ConflictCount, &rec.Result,
		&rec.Error, &rec.CreatedAt, &rec.ArchivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List retrieves archived jobs, newest first. An empty status matches all
// terminal states.
func (r *JobArchiveRepository) List(ctx context.Context, status string, limit int) ([]*ArchivedJob, error) {
	query := `
		SELECT id, job_id, status, source_file, school_name,
			page_count, pages_complete, conflict_count, result, error, created_at, archived_at
		FROM archived_jobs
	`
	args := []interface{}{}

	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	query += fmt.Sprintf(" ORDER BY archived_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ArchivedJob
	for rows.Next() {
		rec := &ArchivedJob{}
		if err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.Status, &rec.SourceFile, &rec.SchoolName,
			&rec.PageCount, &rec.PagesComplete, &rec.ConflictCount, &rec.Result,
			&rec.Error, &rec.CreatedAt, &rec.ArchivedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteOlderThan removes archive records written before the cutoff and
// reports how many rows were purged.
func (r *JobArchiveRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM archived_jobs WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
