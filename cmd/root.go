// Package cmd defines the citation-crawler CLI.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/api"
	"github.com/JakeFAU/citation-crawler/internal/app"
	"github.com/JakeFAU/citation-crawler/internal/catalog"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/logging"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

type appKeyType struct{}

var appKey appKeyType

// App is what the commands need from the application container.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Store() crawler.Store
	Worker() *worker.Worker
	Catalog() *catalog.Synchronizer
	Progress() *progress.Tracker
	Server() *api.Server
	Migrate(ctx context.Context) error
}

// newApp is the application factory. Tests swap it out.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "citation-crawler",
		Short: "Crawls journal issue pages and ingests their citation exports.",
		Long: `citation-crawler keeps a catalog of journals in sync with the publisher's
title list, walks each journal's issue listing in a headless browser, and
merges every new issue's BibTeX export into the article store.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CITES_* environment variables apply without one)")

	cmd.AddCommand(
		newServeCmd(),
		newScrapeCmd(),
		newBackfillCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
