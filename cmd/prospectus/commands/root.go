// Package commands wires the prospectus CLI subcommands.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/prospectus-engine/internal/config"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "prospectus",
	Short: "Prospectus Engine - extract structured school data from PDF brochures",
	Long: `The prospectus CLI runs the brochure extraction service and its tooling:
the HTTP API server with embedded workers, standalone worker pools for
scaling out, one-shot local extractions, and queries against the job
archive.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env for local development; a missing file is fine.
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// serviceLogger builds the structured logger for long-running commands from
// the observability section of the configuration.
func serviceLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
}
