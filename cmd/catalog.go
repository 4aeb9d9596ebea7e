package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download the journal catalog and reconcile it into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Catalog().Sync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

type statusReport struct {
	Catalog  crawler.CatalogState `json:"catalog"`
	Accounts []crawler.Account    `json:"accounts"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print journal progress counts and accounts with archived articles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			state, err := a.Progress().State(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := a.Store().AccountsWithScrapes(cmd.Context())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			if accounts == nil {
				accounts = []crawler.Account{}
			}
			return printJSON(cmd, statusReport{Catalog: state, Accounts: accounts})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.Logger().Info("schema up to date")
			return nil
		},
	}
}
