// Package handlers provides HTTP handlers for the prospectus API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spherical-ai/prospectus-engine/internal/export"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/pdf"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

// JobsHandler handles brochure submission and job lookups.
type JobsHandler struct {
	logger    *observability.Logger
	store     store.Store
	queue     store.Queue
	converter *pdf.Converter
	workDir   string
	maxUpload int64
}

// NewJobsHandler creates a new jobs handler. workDir is the root under which
// each job gets its own directory for the uploaded PDF and page images.
func NewJobsHandler(logger *observability.Logger, st store.Store, queue store.Queue, converter *pdf.Converter, workDir string, maxUpload int64) *JobsHandler {
	return &JobsHandler{
		logger:    logger,
		store:     st,
		queue:     queue,
		converter: converter,
		workDir:   workDir,
		maxUpload: maxUpload,
	}
}

// SubmitResponseDTO represents the API response for a submitted job.
type SubmitResponseDTO struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	PageCount int    `json:"page_count"`
}

// JobDTO represents the API response for a job lookup.
type JobDTO struct {
	JobID      string           `json:"job_id"`
	Status     string           `json:"status"`
	SourceFile string           `json:"source_file,omitempty"`
	PageCount  int              `json:"page_count"`
	Pages      []PageStateDTO   `json:"pages"`
	Result     *store.Aggregate `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
}

// PageStateDTO represents per-page progress in a job lookup.
type PageStateDTO struct {
	PageIndex int    `json:"page_index"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// Page states reported by job lookups.
const (
	PageStatePending  = "pending"
	PageStateComplete = "complete"
	PageStatePartial  = "partial"
	PageStateFailed   = "failed"
)

// Submit handles POST /jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large", fmt.Sprintf("limit is %d bytes", maxErr.Limit))
			return
		}
		h.writeError(w, http.StatusBadRequest, "file is required", err.Error())
		return
	}
	defer file.Close()

	if strings.ToLower(filepath.Ext(header.Filename)) != ".pdf" {
		h.writeError(w, http.StatusBadRequest, "only PDF uploads are accepted", fmt.Sprintf("got %q", header.Filename))
		return
	}

	callbackURL := r.FormValue("callback_url")
	if callbackURL != "" {
		u, err := url.ParseRequestURI(callbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			h.writeError(w, http.StatusBadRequest, "invalid callback_url", "must be an absolute http or https URL")
			return
		}
	}

	jobID := uuid.New()
	jobDir := filepath.Join(h.workDir, jobID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		h.writeError(w, http.StatusInternalServerError, "could not store upload", err.Error())
		return
	}

	pdfPath := filepath.Join(jobDir, "upload.pdf")
	out, err := os.Create(pdfPath)
	if err != nil {
		os.RemoveAll(jobDir)
		h.writeError(w, http.StatusInternalServerError, "could not store upload", err.Error())
		return
	}
	_, err = io.Copy(out, file)
	out.Close()
	if err != nil {
		os.RemoveAll(jobDir)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large", fmt.Sprintf("limit is %d bytes", maxErr.Limit))
			return
		}
		h.writeError(w, http.StatusInternalServerError, "could not store upload", err.Error())
		return
	}

	// Page images land in the same per-job directory, so terminal cleanup
	// removes the upload together with the images.
	pages, err := h.converter.Convert(ctx, pdfPath, jobDir)
	if err != nil {
		os.RemoveAll(jobDir)
		h.writeError(w, http.StatusBadRequest, "could not rasterize pdf", err.Error())
		return
	}

	job := store.NewJob(jobID.String(), header.Filename, callbackURL, pages)
	if err := h.store.Create(ctx, job); err != nil {
		os.RemoveAll(jobDir)
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to create job")
		h.writeError(w, http.StatusInternalServerError, "could not create job", "")
		return
	}

	if err := h.queue.Enqueue(ctx, job.ID); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Job created but not enqueued")
		h.writeError(w, http.StatusInternalServerError, "could not enqueue job", "")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("source_file", header.Filename).
		Int("pages", len(pages)).
		Msg("Job accepted")

	resp := SubmitResponseDTO{
		JobID:     job.ID,
		Status:    string(job.Status),
		PageCount: len(pages),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// Get handles GET /jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "job not found", "")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		h.writeError(w, http.StatusInternalServerError, "could not load job", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobDTO(job))
}

// Export handles GET /jobs/{jobID}/export.
func (h *JobsHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "job not found", "")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		h.writeError(w, http.StatusInternalServerError, "could not load job", "")
		return
	}

	if job.Status != store.StatusCompleted || job.AggregateResult == nil || job.AggregateResult.School == nil {
		h.writeError(w, http.StatusConflict, "job result not available", fmt.Sprintf("job status is %s", job.Status))
		return
	}
	school := job.AggregateResult.School

	format := r.URL.Query().Get("format")
	switch format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, jobID))
		if err := export.WriteCSV(w, school); err != nil {
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("CSV export failed mid-write")
		}
	case "xlsx":
		data, err := export.WriteXLSX(school)
		if err != nil {
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("XLSX export failed")
			h.writeError(w, http.StatusInternalServerError, "could not build workbook", "")
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, jobID))
		w.Write(data)
	default:
		h.writeError(w, http.StatusBadRequest, "unsupported export format", "format must be csv or xlsx")
	}
}

func toJobDTO(job *store.Job) JobDTO {
	dto := JobDTO{
		JobID:      job.ID,
		Status:     string(job.Status),
		SourceFile: job.SourceFile,
		PageCount:  len(job.Pages),
		Pages:      make([]PageStateDTO, 0, len(job.Pages)),
		Result:     job.AggregateResult,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}

	for _, page := range job.Pages {
		state := PageStateDTO{PageIndex: page.Index, State: PageStatePending}
		if res, ok := job.PageResults[page.Index]; ok {
			state.Attempts = res.Attempts
			state.Error = res.LastError
			switch {
			case res.Complete:
				state.State = PageStateComplete
			case res.Data != nil:
				state.State = PageStatePartial
			default:
				state.State = PageStateFailed
			}
		}
		dto.Pages = append(dto.Pages, state)
	}

	return dto
}

func (h *JobsHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
