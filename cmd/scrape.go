package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/citation-crawler/internal/worker"
)

func newScrapeCmd() *cobra.Command {
	var (
		budget    int
		journalID int64
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one crawl cycle",
		Long: `Crawls the next journal that lags the catalog, or the journal given with
--journal, ingesting at most --budget new issues (-1 for no limit).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("budget") {
				budget = a.Config().Crawler.DefaultBudget
			}
			ctx, cancel := runContext(cmd.Context(), a)
			defer cancel()

			var sum worker.Summary
			if journalID > 0 {
				journal, err := a.Store().GetJournal(ctx, journalID)
				if err != nil {
					return fmt.Errorf("load journal: %w", err)
				}
				sum, err = a.Worker().ScrapeJournal(ctx, journal, budget)
				if err != nil {
					return err
				}
			} else {
				sum, err = a.Worker().RunCycle(ctx, budget)
				if err != nil {
					return err
				}
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "maximum new issues to ingest (default crawler.default_budget)")
	cmd.Flags().Int64Var(&journalID, "journal", 0, "journal ID to crawl instead of the next candidate")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Sync the catalog and crawl every lagging journal in one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.Worker().Backfill(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
}

// runContext applies crawler.run_timeout to a single cycle.
func runContext(ctx context.Context, a App) (context.Context, context.CancelFunc) {
	if d := a.Config().Crawler.RunTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
