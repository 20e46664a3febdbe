package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/larder/pkg/inventory/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the PostgreSQL schema",
	Long: `Apply the catalog and undo-ledger schema to storage.postgres_dsn.
Migrations are idempotent; running them twice is harmless.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, closeLog := setupLogger(cfg.Server)
	defer closeLog()

	if cfg.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is not set; nothing to migrate")
	}
	// NewStore migrates before returning.
	store, err := postgres.NewStore(cmd.Context(), cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	store.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (embedding dimensions: %d)\n", cfg.Storage.EmbeddingDimensions)
	return nil
}
