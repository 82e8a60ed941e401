// Package api provides the HTTP router for the prospectus engine, shared by
// the API binary and the CLI serve command.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spherical-ai/prospectus-engine/internal/api/handlers"
	"github.com/spherical-ai/prospectus-engine/internal/api/middleware"
	"github.com/spherical-ai/prospectus-engine/internal/api/rpc"
	"github.com/spherical-ai/prospectus-engine/internal/config"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/pdf"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

// Dependencies holds the shared backends the router serves from. The process
// entrypoint builds them once and shares them with the in-process dispatcher.
type Dependencies struct {
	Store     store.Store
	Queue     store.Queue
	Converter *pdf.Converter
	Archive   *storage.JobArchiveRepository // nil when the archive is disabled

	// Ready reports backend connectivity for the readiness probe. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"prospectus-engine"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				logger.Warn().Err(err).Msg("Readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Initialize handlers
	jobsHandler := handlers.NewJobsHandler(logger, deps.Store, deps.Queue, deps.Converter,
		cfg.Extraction.WorkDir, cfg.Server.MaxUploadBytes)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobsHandler.Submit)
			r.Get("/{jobID}", jobsHandler.Get)
			r.Get("/{jobID}/export", jobsHandler.Export)
		})
	})

	// Connect RPC surface
	jobService := rpc.NewJobService(logger, deps.Store, deps.Archive)
	path, handler := rpc.NewJobServiceHandler(jobService)
	r.Mount(path, handler)

	return r
}
