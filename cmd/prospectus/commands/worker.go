package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/prospectus-engine/internal/engine"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker pool",
	Long: `Start a worker pool without the HTTP API. Workers dequeue jobs from the
shared Redis queue, extract them, and archive the results. Run as many
worker processes as throughput requires; the lease protocol keeps each
job on a single worker at a time.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A process-local store has no way to see jobs submitted elsewhere, so a
	// standalone worker would idle forever on an empty queue.
	if cfg.Store.Driver != "redis" {
		return fmt.Errorf("worker requires the redis store driver, got %q", cfg.Store.Driver)
	}

	logger := serviceLogger(cfg)

	logger.Info().
		Int("workers", cfg.Worker.Count).
		Str("redis", cfg.Store.Redis.Addr).
		Bool("archive", cfg.Archive.Enabled).
		Msg("Starting worker pool")

	eng, err := engine.New(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("wire backends: %w", err)
	}
	defer eng.Close()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	eng.Dispatcher.Run(dispatchCtx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Interrupted runs leave their leases to expire and are redelivered to
	// another worker.
	stopDispatch()
	eng.Dispatcher.Wait()

	logger.Info().Msg("Worker pool stopped")
	return nil
}
