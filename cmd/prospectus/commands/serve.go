package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/prospectus-engine/internal/api"
	"github.com/spherical-ai/prospectus-engine/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server with embedded workers",
	Long: `Start the job submission API together with an in-process worker pool.
Jobs accepted over HTTP are queued, extracted, and archived by the same
process. For horizontal scaling run additional 'prospectus worker'
processes against a shared Redis store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := serviceLogger(cfg)

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Bool("archive", cfg.Archive.Enabled).
		Msg("Starting prospectus API")

	if cfg.IsDevelopment() {
		logger.Warn().Msg("Using the in-memory store; jobs do not survive restarts")
	}

	eng, err := engine.New(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("wire backends: %w", err)
	}
	defer eng.Close()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	eng.Dispatcher.Run(dispatchCtx)

	router := api.NewRouter(logger, cfg, &api.Dependencies{
		Store:     eng.Store,
		Queue:     eng.Queue,
		Converter: eng.Converter,
		Archive:   eng.Archive,
		Ready:     eng.Ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Graceful shutdown failed, forcing close")
			_ = srv.Close()
		}

		// Stop workers. Interrupted runs leave their leases to expire and
		// are redelivered to the next process.
		stopDispatch()
		eng.Dispatcher.Wait()

		logger.Info().Msg("Server stopped")
	}

	return nil
}
