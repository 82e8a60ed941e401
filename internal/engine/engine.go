// Package engine assembles the extraction service backends from
// configuration. Both the API server and the CLI build their processes
// through it so the wiring stays in one place.
package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/prospectus-engine/internal/config"
	"github.com/spherical-ai/prospectus-engine/internal/extract"
	"github.com/spherical-ai/prospectus-engine/internal/notify"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/oracle"
	"github.com/spherical-ai/prospectus-engine/internal/pdf"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
	"github.com/spherical-ai/prospectus-engine/internal/store"
	"github.com/spherical-ai/prospectus-engine/internal/worker"
)

// Engine bundles the wired backends of one service process.
type Engine struct {
	Store      store.Store
	Queue      store.Queue
	Archive    *storage.JobArchiveRepository // nil when disabled
	Converter  *pdf.Converter
	Extractor  *extract.PageExtractor
	Notifier   *notify.Notifier
	Dispatcher *worker.Dispatcher

	logger      *observability.Logger
	archiveDB   *sql.DB
	redisClient *redis.Client
	memQueue    *store.MemoryQueue
	redisQueue  *store.RedisQueue
}

// New wires store, queue, archive, oracle client, and dispatcher per the
// configuration. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Engine, error) {
	eng := &Engine{logger: logger}

	switch cfg.Store.Driver {
	case "redis":
		client, err := store.NewRedisClient(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		eng.redisClient = client
		eng.Store = store.NewRedisStore(client, cfg.Store.Redis.Prefix)
		eng.redisQueue = store.NewRedisQueue(client, cfg.Store.Redis.Prefix,
			cfg.Queue.LeaseTimeout, cfg.Queue.DequeueBlock, cfg.Queue.ReclaimInterval)
		eng.Queue = eng.redisQueue
	default:
		eng.Store = store.NewMemoryStore()
		eng.memQueue = store.NewMemoryQueue(cfg.Queue.LeaseTimeout, cfg.Queue.DequeueBlock, cfg.Queue.ReclaimInterval)
		eng.Queue = eng.memQueue
	}

	if cfg.Archive.Enabled {
		db, err := storage.Open(cfg.Archive.Driver, cfg.ArchiveDSN())
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		eng.archiveDB = db
		if err := storage.EnsureSchema(ctx, db, cfg.Archive.Driver); err != nil {
			eng.Close()
			return nil, err
		}
		eng.Archive = storage.NewJobArchiveRepository(db)
	}

	eng.Converter = pdf.NewConverter(cfg.Extraction.JPEGQuality)
	eng.Extractor = NewExtractor(cfg, logger)
	eng.Notifier = notify.NewNotifier(cfg.Callback.Timeout, logger)

	eng.Dispatcher = worker.NewDispatcher(eng.Store, eng.Queue, eng.Extractor, eng.Notifier, eng.Archive,
		worker.Config{
			Workers:         cfg.Worker.Count,
			PageConcurrency: cfg.Extraction.PageConcurrency,
			Heartbeat:       cfg.Queue.LeaseTimeout / 3,
			CleanupImages:   cfg.Extraction.CleanupImages,
		}, logger)

	return eng, nil
}

// NewExtractor builds the page extractor with its oracle client from
// configuration. The one-shot CLI extraction uses it without the rest of
// the engine.
func NewExtractor(cfg *config.Config, logger *observability.Logger) *extract.PageExtractor {
	client := oracle.NewClient(oracle.Config{
		BaseURL:   cfg.Oracle.BaseURL,
		APIKey:    cfg.Oracle.APIKey,
		Model:     cfg.Oracle.Model,
		MaxTokens: cfg.Oracle.MaxTokens,
		Timeout:   cfg.Oracle.RequestTimeout,
	})

	return extract.New(client, extract.Config{
		MaxRetries: cfg.Extraction.MaxRetries,
		Policy:     extract.Policy(cfg.Extraction.Completeness),
		Backoff: oracle.BackoffConfig{
			Initial: cfg.Oracle.InitialBackoff,
			Max:     cfg.Oracle.MaxBackoff,
		},
	}, logger)
}

// Ready reports backend connectivity. With the in-memory store there is
// nothing to probe.
func (e *Engine) Ready(ctx context.Context) error {
	if e.redisClient != nil {
		if err := e.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if e.archiveDB != nil {
		if err := e.archiveDB.PingContext(ctx); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	return nil
}

// Close releases the backends. Safe to call on a partially built engine.
func (e *Engine) Close() {
	if e.memQueue != nil {
		e.memQueue.Close()
	}
	if e.redisQueue != nil {
		e.redisQueue.Close()
	}
	if e.archiveDB != nil {
		if err := e.archiveDB.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close archive database")
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}
