package main

import (
	"fmt"

	"github.com/spf13/cobra"

	repopg "github.com/tendant/blob-reconcile/pkg/reconcile/repo/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending schema migrations to the Postgres database named by
DATABASE_URL. Concurrent runs are serialized by the migration lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
			return fmt.Errorf("migrate needs a postgres DATABASE_URL")
		}
		if err := repopg.Migrate(cmd.Context(), cfg.DatabaseURL, logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
		return nil
	},
}
