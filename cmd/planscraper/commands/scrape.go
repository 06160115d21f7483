package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"planscraper/internal/components/chrono"
	"planscraper/internal/idlist"
	"planscraper/internal/notify"
	"planscraper/internal/orchestrator"
	"planscraper/internal/progress"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	scrapeDelay    *float64
	scrapeVisible  *bool
	scrapeResume   *bool
	scrapeReset    *bool
	scrapeCsv      *string
	scrapeColumn   *string
	scrapeDumpHttp *string
)

func init() {
	scrapeDelay = scrapeCmd.Flags().Float64("delay", 2, "Seconds to wait between cases.")
	scrapeVisible = scrapeCmd.Flags().Bool("visible", false, "Show the browser window.")
	scrapeResume = scrapeCmd.Flags().Bool("resume", false, "Continue the pending cases of an earlier run.")
	scrapeReset = scrapeCmd.Flags().Bool("reset", false, "Clear saved progress and exit.")
	scrapeCsv = scrapeCmd.Flags().String("csv", "", "A .csv or .xlsx file with a column of identifiers.")
	scrapeColumn = scrapeCmd.Flags().String("column", "plan_number", "The column of --csv holding identifiers.")
	scrapeDumpHttp = scrapeCmd.Flags().String("dump-http", "", "Write every http exchange into this directory.")
	rootCmd.AddCommand(scrapeCmd)
}

var errNoIdentifiers = errors.New("provide plan numbers or case ids, a --csv file, or --resume")

var scrapeCmd = &cobra.Command{
	Use:   "scrape [identifiers...] [--csv <file> [--column <name>]] [--resume] [--reset]",
	Short: "Downloads and extracts the attachments of one or more plans.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if cmd.Flags().Changed("delay") {
			cfg.DelaySeconds = scrapeDelay
		}
		if *scrapeVisible {
			headless := false
			cfg.Browser.Headless = &headless
		}
		if *scrapeDumpHttp != "" {
			cfg.DumpHttpDir = *scrapeDumpHttp
		}

		if *scrapeReset {
			return resetProgress(cfg.OutputDir)
		}

		ids := args
		if *scrapeCsv != "" {
			loaded, err := idlist.Load(*scrapeCsv, *scrapeColumn)
			if err != nil {
				return err
			}
			slog.Info("loaded identifiers", "file", *scrapeCsv, "count", len(loaded))
			ids = loaded
		}
		if len(ids) == 0 && !*scrapeResume {
			cmd.Usage()
			return errNoIdentifiers
		}

		e, err := newEnv(cmd.Context(), cfg, "planscraper")
		if err != nil {
			return err
		}
		defer e.Close()

		if len(ids) == 1 && !*scrapeResume {
			result, err := e.orchestrator.ScrapeOne(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		}

		tracker, err := progress.Open(cfg.OutputDir, e.time)
		if err != nil {
			return err
		}
		summary, err := e.orchestrator.ScrapeBatch(cmd.Context(), ids, orchestrator.BatchOptions{
			Delay:        cfg.Delay(),
			Tracker:      tracker,
			Resume:       *scrapeResume,
			WriteSummary: true,
			Sink: func(p orchestrator.Progress) {
				if p.Err != nil {
					slog.Warn("case failed", "progress", progressLabel(p), "id", p.Id, "err", p.Err)
					return
				}
				slog.Info("case done", "progress", progressLabel(p), "id", p.Id, "downloaded", p.Result.Downloaded())
			},
		})
		printSummary(summary)
		notify.NewMailer(cfg.Notify, e.tel).SendBatchSummary(cmd.Context(), summary)
		return err
	},
}

// progressLabel is "i/n" with i counting from 1.
func progressLabel(p orchestrator.Progress) string {
	return fmt.Sprintf("%d/%d", p.Index, p.Total)
}

func printResult(result orchestrator.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s (%s)", result.PlanNumber, result.CaseId))
	t.AppendHeader(table.Row{"File", "Strategy", "Status"})
	for _, o := range result.Outcomes {
		status := "ok"
		if !o.Success {
			status = o.Error
		}
		t.AppendRow(table.Row{o.Attachment.FileName, o.Strategy, status})
	}
	t.AppendFooter(table.Row{"", "downloaded", fmt.Sprintf("%d/%d", result.Downloaded(), len(result.Attachments))})
	t.Render()

	fmt.Printf("folder: %s\ndiscovered via: %s\n", result.Folder, result.DiscoveryTier)
}

func printSummary(summary orchestrator.BatchSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Batch " + summary.RunId)
	t.AppendRow(table.Row{"Total", summary.Total})
	t.AppendRow(table.Row{"Completed", len(summary.Completed)})
	t.AppendRow(table.Row{"Failed", len(summary.Failed)})
	t.Render()

	if len(summary.Failed) > 0 {
		failures := table.NewWriter()
		failures.SetOutputMirror(os.Stdout)
		failures.SetStyle(table.StyleRounded)
		failures.AppendHeader(table.Row{"Id", "Error"})
		for _, f := range summary.Failed {
			failures.AppendRow(table.Row{f.Id, f.Error})
		}
		failures.Render()
	}
	if summary.Path != "" {
		fmt.Printf("summary saved: %s\n", summary.Path)
	}
}

// resetProgress clears the progress file of an output directory.
func resetProgress(dir string) error {
	tracker, err := progress.Open(dir, chrono.NewStandardTime())
	if err != nil {
		return err
	}
	err = tracker.Reset()
	if err != nil {
		return err
	}
	slog.Info("progress reset", "path", tracker.Path())
	return nil
}
