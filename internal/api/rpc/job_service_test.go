package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  "error",
		Format: "json",
		Output: io.Discard,
	})
}

func setupService(t *testing.T, withArchive bool) (*JobService, store.Store, *storage.JobArchiveRepository, *httptest.Server) {
	t.Helper()

	st := store.NewMemoryStore()

	var archive *storage.JobArchiveRepository
	if withArchive {
		db, err := sql.Open("sqlite3", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, storage.EnsureSchema(context.Background(), db, "sqlite"))
		archive = storage.NewJobArchiveRepository(db)
	}

	svc := NewJobService(testLogger(), st, archive)
	path, handler := NewJobServiceHandler(svc)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return svc, st, archive, srv
}

func getJobClient(srv *httptest.Server) *connect.Client[GetJobRequest, GetJobResponse] {
	return connect.NewClient[GetJobRequest, GetJobResponse](srv.Client(), srv.URL+JobServiceGetJobProcedure)
}

func listJobsClient(srv *httptest.Server) *connect.Client[ListJobsRequest, ListJobsResponse] {
	return connect.NewClient[ListJobsRequest, ListJobsResponse](srv.Client(), srv.URL+JobServiceListJobsProcedure)
}

func completedJob(t *testing.T, id string) *store.Job {
	t.Helper()

	school := &schema.School{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "Colegio Cervantes",
		"locations": [{"city": "Valencia", "country": "ES", "address": "Calle Mayor 1"}]
	}`), school))

	job := store.NewJob(id, "brochure.pdf", "", []store.PageRef{
		{Index: 0, ImagePath: "/tmp/pages/page_000.jpg"},
		{Index: 1, ImagePath: "/tmp/pages/page_001.jpg"},
	})
	require.NoError(t, job.SetStatus(store.StatusProcessing))
	job.SetPageResult(store.PageResult{PageIndex: 0, Attempts: 1, Data: school, Complete: true})
	job.SetPageResult(store.PageResult{PageIndex: 1, Attempts: 3, Complete: false, LastError: "oracle signaled more data"})
	job.AggregateResult = &store.Aggregate{
		School: school,
		Pages: []store.PageSummary{
			{PageIndex: 0, Attempts: 1, Complete: true},
			{PageIndex: 1, Attempts: 3, Complete: false, Error: "oracle signaled more data"},
		},
	}
	require.NoError(t, job.SetStatus(store.StatusCompleted))
	return job
}

func TestGetJobReturnsFullRecord(t *testing.T) {
	_, st, _, srv := setupService(t, false)

	id := uuid.NewString()
	require.NoError(t, st.Create(context.Background(), completedJob(t, id)))

	resp, err := getJobClient(srv).CallUnary(context.Background(), connect.NewRequest(&GetJobRequest{JobID: id}))
	require.NoError(t, err)

	job := resp.Msg.Job
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "COMPLETED", job.Status)
	assert.Equal(t, "brochure.pdf", job.SourceFile)
	assert.Equal(t, int32(2), job.PageCount)

	require.Len(t, job.PageResults, 2)
	assert.Equal(t, int32(0), job.PageResults[0].PageIndex)
	assert.True(t, job.PageResults[0].Complete)
	require.NotNil(t, job.PageResults[0].Data)
	assert.Equal(t, "Colegio Cervantes", job.PageResults[0].Data.Name)
	assert.Equal(t, int32(3), job.PageResults[1].Attempts)
	assert.Equal(t, "oracle signaled more data", job.PageResults[1].LastError)

	require.NotNil(t, job.Aggregate)
	require.NotNil(t, job.Aggregate.School)
	assert.Equal(t, "Colegio Cervantes", job.Aggregate.School.Name)
	require.Len(t, job.Aggregate.Pages, 2)
	assert.False(t, job.Aggregate.Pages[1].Complete)

	_, err = time.Parse(time.RFC3339, job.CreatedAt)
	assert.NoError(t, err)
}

func TestGetJobPendingHasNoResults(t *testing.T) {
	_, st, _, srv := setupService(t, false)

	id := uuid.NewString()
	job := store.NewJob(id, "brochure.pdf", "", []store.PageRef{{Index: 0, ImagePath: "/tmp/p/page_000.jpg"}})
	require.NoError(t, st.Create(context.Background(), job))

	resp, err := getJobClient(srv).CallUnary(context.Background(), connect.NewRequest(&GetJobRequest{JobID: id}))
	require.NoError(t, err)

	assert.Equal(t, "PENDING", resp.Msg.Job.Status)
	assert.Empty(t, resp.Msg.Job.PageResults)
	assert.Nil(t, resp.Msg.Job.Aggregate)
}

func TestGetJobValidation(t *testing.T) {
	_, _, _, srv := setupService(t, false)

	_, err := getJobClient(srv).CallUnary(context.Background(), connect.NewRequest(&GetJobRequest{}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = getJobClient(srv).CallUnary(context.Background(), connect.NewRequest(&GetJobRequest{JobID: "not-a-uuid"}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestGetJobNotFound(t *testing.T) {
	_, _, _, srv := setupService(t, false)

	_, err := getJobClient(srv).CallUnary(context.Background(), connect.NewRequest(&GetJobRequest{JobID: uuid.NewString()}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestListJobsFiltersByStatus(t *testing.T) {
	_, _, archive, srv := setupService(t, true)

	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []string{"COMPLETED", "COMPLETED", "FAILED"} {
		rec := &storage.ArchivedJob{
			JobID:      uuid.NewString(),
			Status:     status,
			SourceFile: "brochure.pdf",
			SchoolName: "Colegio Cervantes",
			PageCount:  2,
			CreatedAt:  base,
			ArchivedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, archive.Insert(context.Background(), rec))
	}

	resp, err := listJobsClient(srv).CallUnary(context.Background(), connect.NewRequest(&ListJobsRequest{}))
	require.NoError(t, err)
	require.Len(t, resp.Msg.Jobs, 3)

	resp, err = listJobsClient(srv).CallUnary(context.Background(), connect.NewRequest(&ListJobsRequest{Status: "FAILED"}))
	require.NoError(t, err)
	require.Len(t, resp.Msg.Jobs, 1)
	assert.Equal(t, "FAILED", resp.Msg.Jobs[0].Status)

	resp, err = listJobsClient(srv).CallUnary(context.Background(), connect.NewRequest(&ListJobsRequest{Limit: 1}))
	require.NoError(t, err)
	require.Len(t, resp.Msg.Jobs, 1)
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	_, _, _, srv := setupService(t, true)

	_, err := listJobsClient(srv).CallUnary(context.Background(), connect.NewRequest(&ListJobsRequest{Status: "RUNNING"}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestListJobsWithoutArchive(t *testing.T) {
	_, _, _, srv := setupService(t, false)

	_, err := listJobsClient(srv).CallUnary(context.Background(), connect.NewRequest(&ListJobsRequest{}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))
}
