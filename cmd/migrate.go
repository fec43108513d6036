package main

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/docsqa/pkg/config"
	"github.com/xhad/docsqa/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the PostgreSQL schema",
	Long: `Migrate applies the embedded schema migrations, sizing the embedding
column to embedding.dimension, then creates the configured vector index.
The dimension cannot change once chunks exist.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Store != config.StorePostgres {
		return errors.New("migrate requires the postgres store")
	}
	ctx := cmd.Context()
	log := newLogger(cfg)

	if err := store.ApplyMigrationsWithLock(ctx, cfg.Database.URL, cfg.Embedding.Dimension); err != nil {
		return err
	}
	st, err := openPostgres(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureIndex(ctx, cfg.Database.Index); err != nil {
		return err
	}
	color.Green("✓ Schema ready (dimension %d, index %s)", cfg.Embedding.Dimension, cfg.Database.Index)
	return nil
}
