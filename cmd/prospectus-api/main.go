// Package main provides the prospectus API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spherical-ai/prospectus-engine/internal/api"
	"github.com/spherical-ai/prospectus-engine/internal/config"
	"github.com/spherical-ai/prospectus-engine/internal/engine"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
)

func main() {
	// .env for local development; a missing file is fine
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Bool("archive", cfg.Archive.Enabled).
		Msg("Starting prospectus API")

	if cfg.IsDevelopment() {
		logger.Warn().Msg("Using the in-memory store; jobs do not survive restarts")
	}

	// Wire backends
	eng, err := engine.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wire backends")
	}
	defer eng.Close()

	// Run the dispatcher in-process; dedicated worker processes scale it out
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	eng.Dispatcher.Run(dispatchCtx)

	// Initialize router with all handlers
	router := api.NewRouter(logger, cfg, &api.Dependencies{
		Store:     eng.Store,
		Queue:     eng.Queue,
		Converter: eng.Converter,
		Archive:   eng.Archive,
		Ready:     eng.Ready,
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	// Stop workers. Interrupted runs leave their leases to expire and are
	// redelivered to the next process.
	stopDispatch()
	eng.Dispatcher.Wait()

	logger.Info().Msg("Server stopped")
}
