package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/prospectus-engine/cmd/prospectus/ui"
	"github.com/spherical-ai/prospectus-engine/internal/config"
	"github.com/spherical-ai/prospectus-engine/internal/storage"
)

var (
	jobsListStatus     string
	jobsListLimit      int
	jobsShowJSON       bool
	jobsPurgeOlderThan time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the archive of finished extraction jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived jobs, newest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one archived job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete archived jobs older than the retention window",
	RunE:  runJobsPurge,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by terminal status (COMPLETED or FAILED)")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "maximum number of jobs to list")
	jobsShowCmd.Flags().BoolVar(&jobsShowJSON, "json", false, "print the stored aggregate document as JSON")
	jobsPurgeCmd.Flags().DurationVar(&jobsPurgeOlderThan, "older-than", 720*time.Hour, "delete jobs archived longer ago than this")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ui.InitUI(noColor, verbose)

	status := strings.ToUpper(jobsListStatus)
	if status != "" && status != "COMPLETED" && status != "FAILED" {
		return fmt.Errorf("status must be COMPLETED or FAILED, got %q", jobsListStatus)
	}

	db, repo, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := repo.List(ctx, status, jobsListLimit)
	if err != nil {
		return fmt.Errorf("list archived jobs: %w", err)
	}
	if len(recs) == 0 {
		ui.Info("No archived jobs found")
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []string{
			rec.JobID,
			rec.Status,
			clip(rec.SchoolName, 30),
			fmt.Sprintf("%d/%d", rec.PagesComplete, rec.PageCount),
			strconv.Itoa(rec.ConflictCount),
			rec.ArchivedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	ui.Table([]string{"Job ID", "Status", "School", "Pages", "Conflicts", "Archived"}, rows)
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ui.InitUI(noColor, verbose)

	if _, err := uuid.Parse(args[0]); err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	db, repo, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := repo.GetByJobID(ctx, args[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("job %s is not in the archive", args[0])
		}
		return fmt.Errorf("load archived job: %w", err)
	}

	if jobsShowJSON {
		if len(rec.Result) == 0 {
			return fmt.Errorf("job %s has no stored result", rec.JobID)
		}
		_, err := os.Stdout.Write(append(rec.Result, '\n'))
		return err
	}

	ui.Section("Job " + rec.JobID)
	ui.KeyValue("Status", rec.Status)
	ui.KeyValue("Source file", rec.SourceFile)
	ui.KeyValue("School", rec.SchoolName)
	ui.KeyValue("Pages complete", fmt.Sprintf("%d/%d", rec.PagesComplete, rec.PageCount))
	ui.KeyValue("Conflicts", strconv.Itoa(rec.ConflictCount))
	ui.KeyValue("Created", rec.CreatedAt.Local().Format(time.RFC3339))
	ui.KeyValue("Archived", rec.ArchivedAt.Local().Format(time.RFC3339))
	if rec.Error != "" {
		ui.Newline()
		ui.Error("%s", rec.Error)
	}
	return nil
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ui.InitUI(noColor, verbose)

	if jobsPurgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", jobsPurgeOlderThan)
	}

	db, repo, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().Add(-jobsPurgeOlderThan)
	purged, err := repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge archived jobs: %w", err)
	}
	if purged == 0 {
		ui.Info("No archived jobs older than %s", jobsPurgeOlderThan)
		return nil
	}
	ui.Success("Purged %d archived job(s) older than %s", purged, jobsPurgeOlderThan)
	return nil
}

// openArchive opens the configured archive database. The schema check makes
// a fresh archive read as empty instead of failing on missing tables.
func openArchive(ctx context.Context, cfg *config.Config) (*sql.DB, *storage.JobArchiveRepository, error) {
	if !cfg.Archive.Enabled {
		return nil, nil, fmt.Errorf("job archive is not enabled; set archive.enabled in the configuration")
	}
	db, err := storage.Open(cfg.Archive.Driver, cfg.ArchiveDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	if err := storage.EnsureSchema(ctx, db, cfg.Archive.Driver); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, storage.NewJobArchiveRepository(db), nil
}
