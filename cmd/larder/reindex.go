package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/larder/internal/app"
	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/internal/resolve"
	"github.com/MrWong99/larder/pkg/inventory/postgres"
)

var (
	seedPath     string
	reindexBatch int
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute catalog embeddings",
	Long: `Embed every catalog item's name with the configured embeddings provider
and store the vectors. Run it after changing the embeddings model.

With --seed, the items of a catalog YAML file are created first; items whose
name already exists are skipped.`,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().StringVar(&seedPath, "seed", "", "catalog YAML file to import before reindexing")
	reindexCmd.Flags().IntVar(&reindexBatch, "batch", 32, "items per embeddings request")
}

func runReindex(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, closeLog := setupLogger(cfg.Server)
	defer closeLog()

	if cfg.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is not set; the in-memory catalog is indexed at startup")
	}

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}
	if providers.Embeddings == nil {
		return errors.New("no embeddings provider configured")
	}

	ctx := cmd.Context()
	store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	defer store.Close()

	ix := resolve.NewIndexer(store, providers.Embeddings, resolve.WithBatchSize(reindexBatch))
	out := cmd.OutOrStdout()

	if seedPath != "" {
		cf, err := app.LoadCatalogFile(seedPath)
		if err != nil {
			return err
		}
		n, err := app.ImportCatalog(ctx, ix, cf)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "imported %d of %d items from %s\n", n, len(cf.Items), seedPath)
	}

	n, err := ix.Reindex(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reindexed %d items with %s\n", n, providers.Embeddings.ModelID())
	return nil
}
