// Package rpc provides the Connect RPC surface for the prospectus engine.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

// Procedure paths for the job service.
const (
	JobServiceGetJobProcedure   = "/prospectus.v1.JobService/GetJob"
	JobServiceListJobsProcedure = "/prospectus.v1.JobService/ListJobs"
)

// JobService implements the Connect job service.
type JobService struct {
	logger  *observability.Logger
	store   store.Store
	archive *storage.JobArchiveRepository
}

// NewJobService creates a new job service. The archive may be nil when no
// relational archive is configured; ListJobs is then unavailable.
func NewJobService(logger *observability.Logger, st store.Store, archive *storage.JobArchiveRepository) *JobService {
	return &JobService{
		logger:  logger,
		store:   st,
		archive: archive,
	}
}

// NewJobServiceHandler returns the path prefix and HTTP handler exposing the
// service over the Connect protocol.
func NewJobServiceHandler(svc *JobService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(JobServiceGetJobProcedure, connect.NewUnaryHandler(JobServiceGetJobProcedure, svc.GetJob, opts...))
	mux.Handle(JobServiceListJobsProcedure, connect.NewUnaryHandler(JobServiceListJobsProcedure, svc.ListJobs, opts...))
	return "/prospectus.v1.JobService/", mux
}

// GetJobRequest represents the RPC request message.
type GetJobRequest struct {
	JobID string `json:"job_id"`
}

// GetJobResponse represents the RPC response message.
type GetJobResponse struct {
	Job *Job `json:"job"`
}

// ListJobsRequest represents the RPC request message.
type ListJobsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int32  `json:"limit,omitempty"`
}

// ListJobsResponse represents the RPC response message.
type ListJobsResponse struct {
	Jobs []*ArchivedJob `json:"jobs"`
}

// Job represents a job record in RPC.
type Job struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	SourceFile  string        `json:"source_file,omitempty"`
	PageCount   int32         `json:"page_count"`
	PageResults []*PageResult `json:"page_results,omitempty"`
	Aggregate   *Aggregate    `json:"aggregate,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

// PageResult represents a per-page extraction outcome in RPC.
type PageResult struct {
	PageIndex int32          `json:"page_index"`
	Attempts  int32          `json:"attempts"`
	Complete  bool           `json:"complete"`
	Data      *schema.School `json:"data,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// Aggregate represents the merged document result in RPC.
type Aggregate struct {
	School    *schema.School `json:"school,omitempty"`
	Pages     []*PageSummary `json:"pages"`
	Conflicts []*Conflict    `json:"conflicts,omitempty"`
}

// PageSummary represents a page completeness signal in RPC.
type PageSummary struct {
	PageIndex int32  `json:"page_index"`
	Attempts  int32  `json:"attempts"`
	Complete  bool   `json:"complete"`
	Error     string `json:"error,omitempty"`
}

// Conflict represents a merge conflict in RPC.
type Conflict struct {
	Path     string `json:"path"`
	Kept     string `json:"kept"`
	Rejected string `json:"rejected"`
	Page     int32  `json:"page"`
}

// ArchivedJob represents an archived terminal job in RPC.
type ArchivedJob struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	SourceFile    string `json:"source_file,omitempty"`
	SchoolName    string `json:"school_name,omitempty"`
	PageCount     int32  `json:"page_count"`
	PagesComplete int32  `json:"pages_complete"`
	ConflictCount int32  `json:"conflict_count"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
	ArchivedAt    string `json:"archived_at"`
}

// GetJob handles Connect job lookups against the live job store.
func (s *JobService) GetJob(ctx context.Context, req *connect.Request[GetJobRequest]) (*connect.Response[GetJobResponse], error) {
	msg := req.Msg

	if msg.JobID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("job_id is required"))
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid job_id format"))
	}

	job, err := s.store.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, errors.New("job not found"))
		}
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("GetJob failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&GetJobResponse{Job: s.toRPCJob(job)}), nil
}

// ListJobs handles Connect listings of archived terminal jobs.
func (s *JobService) ListJobs(ctx context.Context, req *connect.Request[ListJobsRequest]) (*connect.Response[ListJobsResponse], error) {
	if s.archive == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("job archive is not configured"))
	}

	msg := req.Msg

	if msg.Status != "" && msg.Status != string(store.StatusCompleted) && msg.Status != string(store.StatusFailed) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("status must be COMPLETED or FAILED"))
	}

	limit := int(msg.Limit)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	records, err := s.archive.List(ctx, msg.Status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("ListJobs failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	resp := &ListJobsResponse{Jobs: make([]*ArchivedJob, 0, len(records))}
	for _, rec := range records {
		resp.Jobs = append(resp.Jobs, s.toRPCArchivedJob(rec))
	}

	return connect.NewResponse(resp), nil
}

func (s *JobService) toRPCJob(job *store.Job) *Job {
	rpcJob := &Job{
		ID:         job.ID,
		Status:     string(job.Status),
		SourceFile: job.SourceFile,
		PageCount:  int32(len(job.Pages)),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}

	// Page results come back in page order regardless of the order the
	// workers stored them in.
	for _, page := range job.Pages {
		res, ok := job.PageResults[page.Index]
		if !ok {
			continue
		}
		rpcJob.PageResults = append(rpcJob.PageResults, &PageResult{
			PageIndex: int32(res.PageIndex),
			Attempts:  int32(res.Attempts),
			Complete:  res.Complete,
			Data:      res.Data,
			LastError: res.LastError,
		})
	}

	if job.AggregateResult != nil {
		rpcJob.Aggregate = s.toRPCAggregate(job.AggregateResult)
	}

	return rpcJob
}

func (s *JobService) toRPCAggregate(agg *store.Aggregate) *Aggregate {
	rpcAgg := &Aggregate{
		School: agg.School,
		Pages:  make([]*PageSummary, 0, len(agg.Pages)),
	}

	for _, page := range agg.Pages {
		rpcAgg.Pages = append(rpcAgg.Pages, &PageSummary{
			PageIndex: int32(page.PageIndex),
			Attempts:  int32(page.Attempts),
			Complete:  page.Complete,
			Error:     page.Error,
		})
	}

	for _, conflict := range agg.Conflicts {
		rpcAgg.Conflicts = append(rpcAgg.Conflicts, &Conflict{
			Path:     conflict.Path,
			Kept:     conflict.Kept,
			Rejected: conflict.Rejected,
			Page:     int32(conflict.Page),
		})
	}

	return rpcAgg
}

func (s *JobService) toRPCArchivedJob(rec *storage.ArchivedJob) *ArchivedJob {
	return &ArchivedJob{
		JobID:         rec.JobID,
		Status:        rec.Status,
		SourceFile:    rec.SourceFile,
		SchoolName:    rec.SchoolName,
		PageCount:     int32(rec.PageCount),
		PagesComplete: int32(rec.PagesComplete),
		ConflictCount: int32(rec.ConflictCount),
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		ArchivedAt:    rec.ArchivedAt.Format(time.RFC3339),
	}
}
