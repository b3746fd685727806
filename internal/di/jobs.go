package di

import (
	"fmt"

	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/reliability"
	"github.com/aristath/evolver/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the scheduler and registers the maintenance and
// scheduled evolution jobs. The scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Scheduler = scheduler.New(log)

	container.Maintenance = reliability.NewMaintenanceJob(container.LineageDB, cfg.DataDir, log)
	if cfg.MaintenanceSchedule != "" {
		if err := container.Scheduler.AddJob(cfg.MaintenanceSchedule, container.Maintenance); err != nil {
			return fmt.Errorf("failed to register maintenance job: %w", err)
		}
	}

	if cfg.EvolveSchedule != "" {
		container.Evolve = scheduler.NewEvolveJob(container.Sessions, cfg.EvolveFamilies, cfg.MaxIterations, cfg.BacktestMode, log)
		if err := container.Scheduler.AddJob(cfg.EvolveSchedule, container.Evolve); err != nil {
			return fmt.Errorf("failed to register evolve job: %w", err)
		}
	}

	return nil
}
