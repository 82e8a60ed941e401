// Package storage provides the relational archive for finished extraction jobs.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ArchivedJob is the durable record written once a job reaches a terminal
// state. Result holds the aggregate document as stored JSON so the archive
// can be queried after the live job record expires.
type ArchivedJob struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	JobID         string          `json:"job_id" db:"job_id"`
	Status        string          `json:"status" db:"status"`
	SourceFile    string          `json:"source_file" db:"source_file"`
	SchoolName    string          `json:"school_name" db:"school_name"`
	PageCount     int             `json:"page_count" db:"page_count"`
	PagesComplete int             `json:"pages_complete" db:"pages_complete"`
	ConflictCount int             `json:"conflict_count" db:"conflict_count"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	Error         string          `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ArchivedAt    time.Time       `json:"archived_at" db:"archived_at"`
}
