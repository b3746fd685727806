package di

import (
	"fmt"

	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/database"
	"github.com/aristath/evolver/internal/modules/lineage"
	"github.com/rs/zerolog"
)

// InitializeStorage opens the lineage backend and the artifact store.
func InitializeStorage(container *Container, cfg *config.Config, log zerolog.Logger) error {
	artifacts, err := lineage.NewFileArtifactStore(cfg.StrategiesDir(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	container.Artifacts = artifacts

	switch cfg.LineageBackend {
	case config.BackendSQLite:
		// lineage.db - append-only evolution history, maximum durability
		db, err := database.New(database.Config{
			Path:    cfg.LineageDBPath(),
			Profile: database.ProfileLedger,
			Name:    "lineage",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize lineage database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate lineage database: %w", err)
		}
		container.LineageDB = db
		container.Lineage = lineage.NewSQLiteStore(db.Conn(), log)

	default:
		store, err := lineage.NewFileStore(cfg.StrategiesDir(), log)
		if err != nil {
			return fmt.Errorf("failed to initialize lineage store: %w", err)
		}
		container.Lineage = store
	}

	log.Info().Str("backend", cfg.LineageBackend).Str("dir", cfg.StrategiesDir()).Msg("Lineage storage initialized")
	return nil
}
