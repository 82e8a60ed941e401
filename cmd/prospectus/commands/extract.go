package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/prospectus-engine/cmd/prospectus/ui"
	"github.com/spherical-ai/prospectus-engine/internal/engine"
	"github.com/spherical-ai/prospectus-engine/internal/export"
	"github.com/spherical-ai/prospectus-engine/internal/extract"
	"github.com/spherical-ai/prospectus-engine/internal/merge"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/pdf"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

var (
	extractOutputPath string
	extractCSVPath    string
	extractXLSXPath   string
	extractTimeout    time.Duration
)

var extractCmd = &cobra.Command{
	Use:   "extract <pdf>",
	Short: "Extract a brochure locally without the server",
	Long: `Run the full extraction pipeline against a single PDF in this process:
rasterize the pages, extract each one through the configured model, and
merge the results into one school document. The merged JSON is written
next to the PDF unless --output says otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtractCmd,
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutputPath, "output", "o", "", "output path for the merged JSON document (default: <pdf>.json)")
	extractCmd.Flags().StringVar(&extractCSVPath, "csv", "", "also write the flattened courses as CSV to this path")
	extractCmd.Flags().StringVar(&extractXLSXPath, "xlsx", "", "also write an Excel workbook to this path")
	extractCmd.Flags().DurationVar(&extractTimeout, "timeout", 30*time.Minute, "overall extraction deadline")
	rootCmd.AddCommand(extractCmd)
}

func runExtractCmd(cmd *cobra.Command, args []string) error {
	pdfPath := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Oracle.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required for extraction")
	}

	ui.InitUI(noColor, verbose)

	// Keep service logs off the terminal unless asked for.
	logLevel := "error"
	if verbose {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       logLevel,
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: cfg.Observability.ServiceName,
	})

	if _, err := os.Stat(pdfPath); err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	if extractOutputPath == "" {
		extractOutputPath = strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + ".json"
	}

	ui.Section("Prospectus Extraction")
	ui.KeyValue("PDF", pdfPath)
	ui.KeyValue("Model", cfg.Oracle.Model)
	ui.KeyValue("Completeness", cfg.Extraction.Completeness)
	ui.Newline()

	started := time.Now()

	// Page images live in a scratch directory that disappears with the run.
	pageDir, err := os.MkdirTemp("", "prospectus-extract-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(pageDir)

	spin := ui.NewSpinner("Rasterizing PDF pages...")
	spin.Start()
	converter := pdf.NewConverter(cfg.Extraction.JPEGQuality)
	pages, err := converter.Convert(ctx, pdfPath, pageDir)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("rasterize pdf: %w", err)
	}
	ui.Success("Rasterized %d pages", len(pages))

	extractor := engine.NewExtractor(cfg, logger)
	bar := ui.NewProgressBar(int64(len(pages)), "Extracting")
	results := extractPages(ctx, extractor, pages, cfg.Extraction.PageConcurrency, bar)
	bar.Finish()

	if ctx.Err() != nil {
		return fmt.Errorf("extraction interrupted: %w", ctx.Err())
	}

	agg, pagesComplete := aggregateResults(pages, results)

	ui.Newline()
	ui.Section("Extraction Summary")
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			strconv.Itoa(res.PageIndex + 1),
			pageStateWord(res),
			strconv.Itoa(res.Attempts),
			clip(res.LastError, 60),
		})
	}
	ui.Table([]string{"Page", "State", "Attempts", "Detail"}, rows)
	ui.Newline()

	if agg.School == nil || agg.School.IsZero() {
		return fmt.Errorf("no page produced usable data")
	}

	ui.KeyValue("School", agg.School.Name)
	ui.KeyValue("Locations", strconv.Itoa(len(agg.School.Locations)))
	ui.KeyValue("Pages complete", fmt.Sprintf("%d/%d", pagesComplete, len(pages)))
	ui.KeyValue("Duration", ui.FormatDuration(time.Since(started)))

	if pagesComplete < len(pages) {
		ui.Warning("%d of %d pages did not complete; the document is best-effort", len(pages)-pagesComplete, len(pages))
	}
	if len(agg.Conflicts) > 0 {
		ui.Warning("%d field conflicts recorded; earlier pages won", len(agg.Conflicts))
		for _, c := range agg.Conflicts {
			ui.Verbose("conflict at %s: kept %q, rejected %q (page %d)", c.Path, c.Kept, c.Rejected, c.Page)
		}
	}

	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(extractOutputPath, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	ui.Newline()
	ui.Success("Merged document saved to: %s", extractOutputPath)

	if extractCSVPath != "" {
		if err := writeCSVFile(extractCSVPath, agg); err != nil {
			return err
		}
		ui.Success("CSV saved to: %s", extractCSVPath)
	}
	if extractXLSXPath != "" {
		book, err := export.WriteXLSX(agg.School)
		if err != nil {
			return fmt.Errorf("build workbook: %w", err)
		}
		if err := os.WriteFile(extractXLSXPath, book, 0o644); err != nil {
			return fmt.Errorf("write workbook: %w", err)
		}
		ui.Success("Workbook saved to: %s", extractXLSXPath)
	}

	return nil
}

// extractPages fans the pages out over a bounded worker set, mirroring how
// the service dispatcher schedules a job. Results land at the position of
// their page.
func extractPages(ctx context.Context, extractor *extract.PageExtractor, pages []store.PageRef, concurrency int, bar *ui.ProgressBar) []store.PageResult {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]store.PageResult, len(pages))
	for i, page := range pages {
		results[i] = store.PageResult{PageIndex: page.Index, LastError: "page was not processed"}
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, page := range pages {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, page store.PageRef) {
			defer wg.Done()
			defer func() { <-sem }()

			res := extractor.ExtractPage(ctx, page)
			results[i] = res
			bar.Add(1)

			if res.Complete {
				ui.Verbose("page %d complete after %d attempts", page.Index+1, res.Attempts)
			} else {
				ui.Verbose("page %d incomplete after %d attempts: %s", page.Index+1, res.Attempts, res.LastError)
			}
		}(i, page)
	}

	wg.Wait()
	return results
}

// aggregateResults merges the page documents in page order, the same rule
// the dispatcher applies when it finalizes a job.
func aggregateResults(pages []store.PageRef, results []store.PageResult) (*store.Aggregate, int) {
	acc := merge.NewAccumulator()
	summaries := make([]store.PageSummary, 0, len(results))
	complete := 0

	for _, res := range results {
		summaries = append(summaries, store.PageSummary{
			PageIndex: res.PageIndex,
			Attempts:  res.Attempts,
			Complete:  res.Complete,
			Error:     res.LastError,
		})
		if res.Complete {
			complete++
		}
		if res.Data != nil {
			acc.Add(res.Data, res.PageIndex)
		}
	}

	return &store.Aggregate{
		School:    acc.School(),
		Pages:     summaries,
		Conflicts: acc.Conflicts(),
	}, complete
}

func writeCSVFile(path string, agg *store.Aggregate) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := export.WriteCSV(f, agg.School); err != nil {
		f.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	return f.Close()
}

func pageStateWord(res store.PageResult) string {
	switch {
	case res.Complete:
		return "complete"
	case res.Data != nil:
		return "partial"
	default:
		return "failed"
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
