package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lotbot/pkg/config"
	"lotbot/pkg/lots"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the lot tables in Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is not configured")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := lots.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := lots.Migrate(ctx, pool); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
