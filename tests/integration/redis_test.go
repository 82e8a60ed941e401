// Package integration exercises the redis-backed store and queue against a
// real Redis server.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spherical-ai/prospectus-engine/internal/extract"
	"github.com/spherical-ai/prospectus-engine/internal/notify"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
	"github.com/spherical-ai/prospectus-engine/internal/store"
	"github.com/spherical-ai/prospectus-engine/internal/worker"
)

const germanPage = `{
	"name": "Alpine Language Institute",
	"locations": [{
		"city": "Innsbruck", "country": "AT", "address": "Maria-Theresien-Strasse 10",
		"courses": [{
			"name": "Intensive German", "lessons_per_week": 25,
			"description": "25 group lessons per week",
			"prices": [{"duration": "2 weeks", "price": "520", "currency": "EUR"}]
		}],
		"accommodations": []
	}]
}`

const residencePage = `{
	"name": "Alpine Language Institute",
	"locations": [{
		"city": "Innsbruck", "country": "AT", "address": "Maria-Theresien-Strasse 10",
		"courses": [],
		"accommodations": [{"type": "Student residence", "price_per_week": "230", "description": "Single room, shared kitchen"}]
	}]
}`

// startRedis runs a disposable Redis container and returns its address.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := redis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}
}

// isDockerAvailable checks if Docker is available for testing.
func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Format:      "json",
		Output:      io.Discard,
		ServiceName: "integration",
	})
}

func TestRedisStoreConcurrentPageResults(t *testing.T) {
	skipWithoutDocker(t)
	addr := startRedis(t)

	client, err := store.NewRedisClient(store.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStore(client, "")
	ctx := context.Background()

	pages := make([]store.PageRef, 8)
	for i := range pages {
		pages[i] = store.PageRef{Index: i, ImagePath: fmt.Sprintf("page_%03d.jpg", i)}
	}
	require.NoError(t, st.Create(ctx, store.NewJob("job-contention", "brochure.pdf", "", pages)))

	// Every page result lands from its own goroutine, the way concurrent
	// page extractions write back. The optimistic transaction must retry
	// losers instead of letting a stale write erase a sibling's result.
	var wg sync.WaitGroup
	errs := make(chan error, len(pages))
	for i := range pages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Update(ctx, "job-contention", func(j *store.Job) error {
				j.SetPageResult(store.PageResult{PageIndex: i, Attempts: 1, Complete: true})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := st.Get(ctx, "job-contention")
	require.NoError(t, err)
	require.Len(t, final.PageResults, len(pages))
	for i := range pages {
		assert.True(t, final.PageResults[i].Complete, "page %d result lost", i)
	}
}

func TestRedisQueueLeaseRedelivery(t *testing.T) {
	skipWithoutDocker(t)
	addr := startRedis(t)

	client, err := store.NewRedisClient(store.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	q := store.NewRedisQueue(client, "", 300*time.Millisecond, 100*time.Millisecond, 50*time.Millisecond)
	t.Cleanup(q.Close)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-lease"))

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-lease", id)

	// Lease still live, nothing else to hand out.
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	// Never acked: once the lease lapses the id must come back.
	id = dequeueWithin(t, q, 3*time.Second)
	assert.Equal(t, "job-lease", id)

	require.NoError(t, q.Ack(ctx, "job-lease"))

	// Acked for good; the reclaim loop must not resurrect it.
	time.Sleep(600 * time.Millisecond)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestRedisQueueExtendKeepsLease(t *testing.T) {
	skipWithoutDocker(t)
	addr := startRedis(t)

	client, err := store.NewRedisClient(store.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	q := store.NewRedisQueue(client, "", 300*time.Millisecond, 100*time.Millisecond, 50*time.Millisecond)
	t.Cleanup(q.Close)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-extend"))

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-extend", id)

	// Heartbeat across several lease windows keeps the id off the pending
	// list.
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		require.NoError(t, q.Extend(ctx, "job-extend"))
	}
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	require.NoError(t, q.Ack(ctx, "job-extend"))

	// After the ack there is no lease left to extend.
	assert.ErrorIs(t, q.Extend(ctx, "job-extend"), store.ErrLeaseExpired)
}

func TestExtractionPipelineOverRedis(t *testing.T) {
	skipWithoutDocker(t)
	addr := startRedis(t)

	client, err := store.NewRedisClient(store.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStore(client, "")
	q := store.NewRedisQueue(client, "", 2*time.Second, 100*time.Millisecond, 100*time.Millisecond)
	t.Cleanup(q.Close)

	logger := testLogger()
	oracle := &staticOracle{docs: map[string]string{
		"page_000.jpg": germanPage,
		"page_001.jpg": residencePage,
	}}
	extractor := extract.New(oracle, extract.Config{MaxRetries: 1}, logger)
	notifier := notify.NewNotifier(2*time.Second, logger)
	dispatcher := worker.NewDispatcher(st, q, extractor, notifier, nil, worker.Config{
		Workers:         2,
		PageConcurrency: 2,
		Heartbeat:       500 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Run(ctx)
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	job := store.NewJob("job-pipeline", "alpine.pdf", "", []store.PageRef{
		{Index: 0, ImagePath: "page_000.jpg"},
		{Index: 1, ImagePath: "page_001.jpg"},
	})
	require.NoError(t, st.Create(context.Background(), job))
	require.NoError(t, q.Enqueue(context.Background(), job.ID))

	settled := waitForTerminal(t, st, "job-pipeline", 15*time.Second)
	assert.Equal(t, store.StatusCompleted, settled.Status)
	require.NotNil(t, settled.AggregateResult)

	school := settled.AggregateResult.School
	require.NotNil(t, school)
	assert.Equal(t, "Alpine Language Institute", school.Name)
	require.Len(t, school.Locations, 1)
	assert.Len(t, school.Locations[0].Courses, 1)
	assert.Len(t, school.Locations[0].Accommodations, 1)

	// One oracle call per page: the ack landed before any lease expired, so
	// nothing was redelivered.
	assert.Equal(t, 2, oracle.callCount())
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

// staticOracle returns a fixed document per image path.
type staticOracle struct {
	mu    sync.Mutex
	calls int
	docs  map[string]string
}

func (o *staticOracle) Extract(ctx context.Context, imagePath string, prior []json.RawMessage) (*schema.School, json.RawMessage, error) {
	o.mu.Lock()
	o.calls++
	raw, ok := o.docs[imagePath]
	o.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("no document for %s", imagePath)
	}
	var school schema.School
	if err := json.Unmarshal([]byte(raw), &school); err != nil {
		return nil, nil, err
	}
	return &school, json.RawMessage(raw), nil
}

func (o *staticOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func dequeueWithin(t *testing.T, q store.Queue, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		id, err := q.Dequeue(context.Background())
		if errors.Is(err, store.ErrQueueEmpty) {
			continue
		}
		require.NoError(t, err)
		return id
	}
	t.Fatalf("nothing dequeued within %s", timeout)
	return ""
}

func waitForTerminal(t *testing.T, st store.Store, id string, timeout time.Duration) *store.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}
