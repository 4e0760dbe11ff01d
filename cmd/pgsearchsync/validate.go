package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgsearchsync/pgsearchsync/internal/config"
	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile every configured schema against the live catalog and exit",
	Long: `Loads configuration, connects to the database, and compiles every schema
document in sync.schema_dir against the live catalog. Reports the first
compilation error (cycle, missing foreign key, unresolved relationship
attribute, scalar column count mismatch) without running any part of the
pipeline.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	log.Info().Msg("configuration validation successful")

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection test failed: %w", err)
	}
	defer db.Close()
	log.Info().Msg("database connection test successful")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eng := engine.New(cfg, db, nil)
	if err := eng.LoadIndexes(ctx); err != nil {
		return fmt.Errorf("schema compilation failed: %w", err)
	}

	log.Info().Msg("all configured schemas compiled successfully")
	return nil
}
