// Package worker runs the extraction pipeline: it leases queued jobs,
// extracts their pages with bounded parallelism, merges the page documents
// into the job aggregate, and settles the terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spherical-ai/prospectus-engine/internal/extract"
	"github.com/spherical-ai/prospectus-engine/internal/merge"
	"github.com/spherical-ai/prospectus-engine/internal/notify"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

const noUsableData = "no page produced usable data"

// Config holds dispatcher settings.
type Config struct {
	// Workers is the number of concurrent job processors.
	Workers int
	// PageConcurrency bounds parallel page extractions within one job.
	PageConcurrency int
	// Heartbeat is the lease extension interval; keep it well under the
	// queue lease timeout.
	Heartbeat time.Duration
	// CleanupImages removes the job's rasterized page images once the job
	// is terminal.
	CleanupImages bool
}

// Dispatcher pulls job ids off the queue and drives them to a terminal
// state.
type Dispatcher struct {
	store     store.Store
	queue     store.Queue
	extractor *extract.PageExtractor
	notifier  *notify.Notifier
	archive   *storage.JobArchiveRepository
	cfg       Config
	logger    *observability.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The archive repository may be nil when
// no archive database is configured.
func NewDispatcher(
	st store.Store,
	queue store.Queue,
	extractor *extract.PageExtractor,
	notifier *notify.Notifier,
	archive *storage.JobArchiveRepository,
	cfg Config,
	logger *observability.Logger,
) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PageConcurrency < 1 {
		cfg.PageConcurrency = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Dispatcher{
		store:     st,
		queue:     queue,
		extractor: extractor,
		notifier:  notifier,
		archive:   archive,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts the worker goroutines. It returns immediately; use Wait to
// block until all workers have drained after ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(i int) {
			defer d.wg.Done()
			d.runWorker(ctx, fmt.Sprintf("worker-%d", i))
		}(i)
	}
}

// Wait blocks until every worker goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, name string) {
	logger := d.logger.WithWorker(name)
	logger.Info().Msg("Worker started")

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Worker stopped")
			return
		}

		jobID, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, store.ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				logger.Info().Msg("Worker stopped")
				return
			}
			logger.Error().Err(err).Msg("Dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		d.processJob(ctx, logger.WithJob(jobID), jobID)
	}
}

// processJob drives one leased job. The lease is acked only after the job
// record is terminal, so a crash at any earlier point leads to redelivery
// and a resume from the persisted page results.
func (d *Dispatcher) processJob(ctx context.Context, logger *observability.Logger, jobID string) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("Dequeued job has no record, dropping")
			d.ack(ctx, logger, jobID)
			return
		}
		logger.Error().Err(err).Msg("Failed to load job, leaving lease to expire")
		return
	}

	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("Job already terminal, dropping redelivery")
		d.ack(ctx, logger, jobID)
		return
	}

	job, err = d.store.Update(ctx, jobID, func(j *store.Job) error {
		return j.SetStatus(store.StatusProcessing)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark job processing, leaving lease to expire")
		return
	}

	logger.Info().Int("pages", len(job.Pages)).Msg("Processing job")
	started := time.Now()

	// The job context is canceled when the lease is lost, which stops all
	// page work for this run; another worker will pick the job up.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	heartbeatDone := make(chan struct{})
	go d.heartbeat(jobCtx, cancelJob, logger, jobID, heartbeatDone)

	d.extractPages(jobCtx, logger, job)

	if jobCtx.Err() != nil {
		logger.Warn().Msg("Job run interrupted, leaving lease to expire")
		cancelJob()
		<-heartbeatDone
		return
	}

	job, err = d.finalize(jobCtx, jobID)
	cancelJob()
	<-heartbeatDone
	if err != nil {
		logger.Error().Err(err).Msg("Failed to settle terminal state, leaving lease to expire")
		return
	}

	logger.Info().
		Str("status", string(job.Status)).
		Dur("elapsed", time.Since(started)).
		Msg("Job settled")

	// The terminal state is durable; finish the bookkeeping even when the
	// dispatcher is shutting down.
	bg := context.WithoutCancel(ctx)
	d.archiveJob(bg, logger, job)
	d.notifier.Notify(bg, job.CallbackURL, job)
	d.ack(bg, logger, jobID)
	d.cleanupImages(logger, job)
}

// extractPages runs every unfinished page through the extractor, persisting
// each result as it lands. Pages already complete from a previous run are
// skipped.
func (d *Dispatcher) extractPages(ctx context.Context, logger *observability.Logger, job *store.Job) {
	sem := make(chan struct{}, d.cfg.PageConcurrency)
	var wg sync.WaitGroup

	for _, page := range job.Pages {
		if prev, ok := job.PageResults[page.Index]; ok && prev.Complete {
			logger.Debug().Int("page_index", page.Index).Msg("Page already complete, skipping")
			continue
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(page store.PageRef) {
			defer wg.Done()
			defer func() { <-sem }()

			res := d.extractor.ExtractPage(ctx, page)
			if res.Attempts == 0 {
				// Canceled before the first oracle call; nothing to record.
				return
			}

			// Persist even when this run is being abandoned: the attempts
			// were spent, and the grow-only merge keeps whichever result
			// is stronger if another worker raced us.
			if _, err := d.store.Update(context.WithoutCancel(ctx), job.ID, func(j *store.Job) error {
				j.SetPageResult(res)
				return nil
			}); err != nil {
				logger.Error().Int("page_index", page.Index).Err(err).Msg("Failed to persist page result")
				return
			}

			logger.Info().
				Int("page_index", page.Index).
				Int("attempts", res.Attempts).
				Bool("complete", res.Complete).
				Msg("Page extracted")
		}(page)
	}

	wg.Wait()
}

// finalize merges the persisted page results into the aggregate and settles
// the terminal status in the same atomic update.
func (d *Dispatcher) finalize(ctx context.Context, jobID string) (*store.Job, error) {
	return d.store.Update(ctx, jobID, func(j *store.Job) error {
		agg := buildAggregate(j)
		if agg.School == nil || agg.School.IsZero() {
			j.AggregateResult = nil
			j.Error = noUsableData
			return j.SetStatus(store.StatusFailed)
		}
		j.AggregateResult = agg
		j.Error = ""
		return j.SetStatus(store.StatusCompleted)
	})
}

// buildAggregate merges page documents in page order, so reruns of the same
// results always produce the same aggregate.
func buildAggregate(j *store.Job) *store.Aggregate {
	acc := merge.NewAccumulator()
	summaries := make([]store.PageSummary, 0, len(j.Pages))

	for _, page := range j.Pages {
		res, ok := j.PageResults[page.Index]
		if !ok {
			summaries = append(summaries, store.PageSummary{
				PageIndex: page.Index,
				Error:     "page was not processed",
			})
			continue
		}

		summaries = append(summaries, store.PageSummary{
			PageIndex: res.PageIndex,
			Attempts:  res.Attempts,
			Complete:  res.Complete,
			Error:     res.LastError,
		})
		if res.Data != nil {
			acc.Add(res.Data, res.PageIndex)
		}
	}

	return &store.Aggregate{
		School:    acc.School(),
		Pages:     summaries,
		Conflicts: acc.Conflicts(),
	}
}

// heartbeat extends the queue lease until the job context ends. Any
// extension failure is treated as a lost lease and cancels the run.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, logger *observability.Logger, jobID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.queue.Extend(ctx, jobID); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("Lost job lease, abandoning run")
				cancel()
				return
			}
		}
	}
}

func (d *Dispatcher) archiveJob(ctx context.Context, logger *observability.Logger, job *store.Job) {
	if d.archive == nil {
		return
	}

	rec := &storage.ArchivedJob{
		JobID:      job.ID,
		Status:     string(job.Status),
		SourceFile: job.SourceFile,
		PageCount:  len(job.Pages),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
	}
	for _, res := range job.PageResults {
		if res.Complete {
			rec.PagesComplete++
		}
	}
	if agg := job.AggregateResult; agg != nil {
		rec.ConflictCount = len(agg.Conflicts)
		if agg.School != nil {
			rec.SchoolName = agg.School.Name
		}
		if data, err := json.Marshal(agg); err == nil {
			rec.Result = data
		}
	}

	if err := d.archive.Insert(ctx, rec); err != nil {
		// Redeliveries hit the unique job_id constraint; everything else
		// is worth a look.
		logger.Warn().Err(err).Msg("Failed to archive job")
		return
	}
	logger.Debug().Msg("Job archived")
}

func (d *Dispatcher) ack(ctx context.Context, logger *observability.Logger, jobID string) {
	if err := d.queue.Ack(ctx, jobID); err != nil {
		logger.Warn().Err(err).Msg("Failed to ack job, redelivery expected")
	}
}

// cleanupImages removes the job's rasterized page directory. The aggregate
// carries everything the read paths need, so the images are dead weight
// once the job is terminal.
func (d *Dispatcher) cleanupImages(logger *observability.Logger, job *store.Job) {
	if !d.cfg.CleanupImages || len(job.Pages) == 0 {
		return
	}
	dir := filepath.Dir(job.Pages[0].ImagePath)
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Str("dir", dir).Err(err).Msg("Failed to remove page images")
	}
}
