// Package di wires the evolution engine's components together.
package di

import (
	"github.com/aristath/evolver/internal/clients/backtest"
	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/database"
	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/events"
	"github.com/aristath/evolver/internal/modules/evolution"
	evolutionhandlers "github.com/aristath/evolver/internal/modules/evolution/handlers"
	"github.com/aristath/evolver/internal/modules/lineage"
	lineagehandlers "github.com/aristath/evolver/internal/modules/lineage/handlers"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	"github.com/aristath/evolver/internal/reliability"
	"github.com/aristath/evolver/internal/scheduler"
	"github.com/aristath/evolver/internal/server"
)

// Container holds every long-lived component. It is the single source of
// truth for service instances; commands and the server read from it.
type Container struct {
	Config *config.Config

	// Storage
	LineageDB *database.DB // nil with the file backend
	Lineage   domain.LineageStore
	Artifacts *lineage.FileArtifactStore

	// Collaborators
	Parser    *parser.Parser
	Namer     *versioning.Namer
	Runner    *backtest.ProcessRunner
	Generator domain.CandidateGenerator
	Archiver  *reliability.ArchiveService // nil when archiving is disabled
	EventBus  *events.Bus

	// Evolution
	Controller *evolution.Controller
	Sessions   *evolution.SessionManager

	// Background jobs
	Scheduler   *scheduler.Scheduler
	Maintenance *reliability.MaintenanceJob
	Evolve      *scheduler.EvolveJob // nil without EVOLVE_SCHEDULE

	// HTTP
	LineageHandler   *lineagehandlers.Handler
	EvolutionHandler *evolutionhandlers.Handler
	SystemHandlers   *server.SystemHandlers
}

// ScoreFunc scores a metrics map with the controller's metric keys.
func (c *Container) ScoreFunc() lineage.ScoreFunc {
	keys := c.Controller.Config().Keys
	return func(metrics map[string]string) float64 {
		return evolution.Score(metrics, keys)
	}
}

// Close releases the database connection.
func (c *Container) Close() error {
	if c.LineageDB != nil {
		return c.LineageDB.Close()
	}
	return nil
}
