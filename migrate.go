package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/config"
	"github.com/nexus-im/kindred/internal/logging"
	"github.com/nexus-im/kindred/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Development)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := openDB(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("schema applied", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}
