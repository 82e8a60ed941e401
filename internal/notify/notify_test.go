package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Format:      "json",
		Output:      io.Discard,
		ServiceName: "test",
	})
}

func completedJob() *store.Job {
	job := store.NewJob("job-1", "brochure.pdf", "", nil)
	job.Status = store.StatusCompleted
	job.AggregateResult = &store.Aggregate{
		School: &schema.School{Name: "Colegio Cervantes"},
		Pages:  []store.PageSummary{{PageIndex: 0, Attempts: 1, Complete: true}},
	}
	return job
}

func TestNotifyDeliversTerminalState(t *testing.T) {
	var calls int32
	received := make(chan Payload, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(5*time.Second, testLogger())
	n.Notify(context.Background(), srv.URL, completedJob())

	select {
	case p := <-received:
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, store.StatusCompleted, p.Status)
		require.NotNil(t, p.Aggregate)
		assert.Equal(t, "Colegio Cervantes", p.Aggregate.School.Name)
		assert.Empty(t, p.Error)
	case <-time.After(time.Second):
		t.Fatal("callback was never delivered")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotifyIncludesFailureError(t *testing.T) {
	received := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	job := store.NewJob("job-2", "broken.pdf", "", nil)
	job.Status = store.StatusFailed
	job.Error = "no page produced usable data"

	n := NewNotifier(5*time.Second, testLogger())
	n.Notify(context.Background(), srv.URL, job)

	p := <-received
	assert.Equal(t, store.StatusFailed, p.Status)
	assert.Equal(t, "no page produced usable data", p.Error)
	assert.Nil(t, p.Aggregate)
}

func TestNotifySkipsBlankURL(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	n := NewNotifier(5*time.Second, testLogger())
	n.Notify(context.Background(), "", completedJob())

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestNotifyDoesNotRetryFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(5*time.Second, testLogger())
	n.Notify(context.Background(), srv.URL, completedJob())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotifySurvivesDeadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	n := NewNotifier(time.Second, testLogger())
	// Must not panic or block past the timeout.
	n.Notify(context.Background(), srv.URL, completedJob())
}
