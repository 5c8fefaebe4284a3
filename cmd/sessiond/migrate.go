package main

import (
	"errors"

	"github.com/aura-webinar/stagecore/config"
	"github.com/aura-webinar/stagecore/pkg/database"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dsn := cfg.Database.DSN()
			if dsn == "" {
				return errors.New("DATABASE_URL or DB_HOST is required")
			}
			pool, err := database.NewPostgresPool(cmd.Context(), dsn, 2, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(cmd.Context(), pool, logger)
		},
	}
}
