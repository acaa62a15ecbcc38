package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		db, err := database.New(ctx, databaseConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate(ctx)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("Database migrations completed")
		return nil
	},
}
