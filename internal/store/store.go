// Package store holds the durable job record and the work queue contracts.
// All shared state between workers lives here; backends must provide atomic
// per-job updates and at-least-once queue delivery.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical-ai/prospectus-engine/internal/merge"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

// Sentinel errors returned by store and queue backends.
var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrQueueEmpty        = errors.New("queue empty")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the edge s -> to exists in the job state
// machine. Re-asserting the current status is allowed so that retried
// updates stay idempotent.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// PageRef points at one rasterized page of the submitted document. The page
// list is fixed at job creation.
type PageRef struct {
	Index     int    `json:"index"`
	ImagePath string `json:"image_path"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// PageResult is the extraction outcome for a single page, possibly partial.
type PageResult struct {
	PageIndex int            `json:"page_index"`
	Attempts  int            `json:"attempts"`
	Data      *schema.School `json:"data,omitempty"`
	Complete  bool           `json:"complete"`
	LastError string         `json:"last_error,omitempty"`
}

// PageSummary propagates a page's completeness signal into the aggregate so
// polling clients can tell a full extraction from a best-effort one.
type PageSummary struct {
	PageIndex int    `json:"page_index"`
	Attempts  int    `json:"attempts"`
	Complete  bool   `json:"complete"`
	Error     string `json:"error,omitempty"`
}

// Aggregate is the merged document-level result, set exactly once when the
// job completes.
type Aggregate struct {
	School    *schema.School   `json:"school,omitempty"`
	Pages     []PageSummary    `json:"pages"`
	Conflicts []merge.Conflict `json:"conflicts,omitempty"`
}

// Job is the durable record of one submitted document.
type Job struct {
	ID              string             `json:"id"`
	Status          JobStatus          `json:"status"`
	SourceFile      string             `json:"source_file,omitempty"`
	Pages           []PageRef          `json:"pages"`
	PageResults     map[int]PageResult `json:"page_results,omitempty"`
	AggregateResult *Aggregate         `json:"aggregate_result,omitempty"`
	CallbackURL     string             `json:"callback_url,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewJob creates a PENDING job record with a fixed page list.
func NewJob(id, sourceFile, callbackURL string, pages []PageRef) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Status:      StatusPending,
		SourceFile:  sourceFile,
		Pages:       pages,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetStatus transitions the job, rejecting edges outside the state machine.
func (j *Job) SetStatus(to JobStatus) error {
	if !j.Status.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", j.Status, to, ErrInvalidTransition)
	}
	j.Status = to
	return nil
}

// SetPageResult records a page outcome. The page_results map only grows, and
// a stored result is never regressed: a complete result is not replaced by
// an incomplete one, and a result with more attempts is not replaced by one
// with fewer.
func (j *Job) SetPageResult(r PageResult) {
	if j.PageResults == nil {
		j.PageResults = make(map[int]PageResult)
	}
	if cur, ok := j.PageResults[r.PageIndex]; ok {
		if cur.Complete && !r.Complete {
			return
		}
		if r.Attempts < cur.Attempts {
			return
		}
	}
	j.PageResults[r.PageIndex] = r
}

// Clone returns a deep copy so that store snapshots never alias caller state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Pages != nil {
		out.Pages = make([]PageRef, len(j.Pages))
		copy(out.Pages, j.Pages)
	}
	if j.PageResults != nil {
		out.PageResults = make(map[int]PageResult, len(j.PageResults))
		for k, v := range j.PageResults {
			v.Data = v.Data.Clone()
			out.PageResults[k] = v
		}
	}
	out.AggregateResult = j.AggregateResult.Clone()
	return &out
}

// Clone returns a deep copy of the aggregate.
func (a *Aggregate) Clone() *Aggregate {
	if a == nil {
		return nil
	}
	out := &Aggregate{School: a.School.Clone()}
	if a.Pages != nil {
		out.Pages = make([]PageSummary, len(a.Pages))
		copy(out.Pages, a.Pages)
	}
	if a.Conflicts != nil {
		out.Conflicts = make([]merge.Conflict, len(a.Conflicts))
		copy(out.Conflicts, a.Conflicts)
	}
	return out
}

// Store is the durable job record backend.
type Store interface {
	// Create persists a new job, failing with ErrAlreadyExists on a
	// duplicate id.
	Create(ctx context.Context, job *Job) error

	// Get returns a snapshot of the job, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies mutate to the current job state atomically with
	// respect to concurrent updates of the same job, and returns the
	// updated snapshot. The mutation may run more than once when the
	// backend retries on contention, so it must be free of side effects.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
}

// Queue hands out job ids to workers with at-least-once delivery. A
// dequeued id is leased; unless Ack is called before the lease expires the
// id becomes deliverable again.
type Queue interface {
	Enqueue(ctx context.Context, id string) error

	// Dequeue blocks up to the configured window and returns ErrQueueEmpty
	// when nothing arrived.
	Dequeue(ctx context.Context) (string, error)

	// Ack releases the lease after successful processing.
	Ack(ctx context.Context, id string) error

	// Extend refreshes the lease while processing is still under way,
	// failing with ErrLeaseExpired when the lease was already reclaimed.
	Extend(ctx context.Context, id string) error
}
