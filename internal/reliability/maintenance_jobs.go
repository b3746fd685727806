// Package reliability keeps evolution data durable: result folder archiving
// and periodic maintenance of the lineage database and data directory.
package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/evolver/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	// CriticalFreeBytes halts maintenance with an error.
	CriticalFreeBytes = 500 << 20
	// LowFreeBytes logs a warning.
	LowFreeBytes = 5 << 30
	// walWarnFrames is the WAL size that triggers a TRUNCATE checkpoint.
	walWarnFrames = 1000
)

// MaintenanceJob checks the lineage database and the data directory.
type MaintenanceJob struct {
	db      *database.DB // nil with the file lineage backend
	dataDir string
	log     zerolog.Logger
	usage   func(ctx context.Context, path string) (uint64, error)
}

// NewMaintenanceJob creates a maintenance job. db may be nil.
func NewMaintenanceJob(db *database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:      db,
		dataDir: dataDir,
		log:     log.With().Str("job", "maintenance").Logger(),
		usage:   freeBytes,
	}
}

// Name returns the job name for the scheduler
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance job
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	j.log.Info().Msg("Starting maintenance")
	start := time.Now()

	if j.db != nil {
		if err := j.db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", j.db.Name()).Msg("CRITICAL: Lineage database failed integrity check")
			return err
		}
		j.checkpoint(ctx)
	}

	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}

	j.log.Info().Dur("duration", time.Since(start)).Msg("Maintenance completed")
	return nil
}

func (j *MaintenanceJob) checkpoint(ctx context.Context) {
	var busy, frames, checkpointed int
	err := j.db.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		j.log.Warn().Err(err).Str("database", j.db.Name()).Msg("Failed to check WAL checkpoint")
		return
	}
	if frames <= walWarnFrames {
		j.log.Debug().Int("wal_frames", frames).Msg("WAL checkpoint status OK")
		return
	}

	j.log.Warn().Int("wal_frames", frames).Int("checkpointed", checkpointed).Msg("WAL file is large, truncating")
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
}

func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) error {
	if j.dataDir == "" {
		return nil
	}
	free, err := j.usage(ctx, j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}

	availableGB := float64(free) / 1e9
	switch {
	case free < CriticalFreeBytes:
		j.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space for backtest results")
		return fmt.Errorf("only %.2f GB free in %s", availableGB, j.dataDir)
	case free < LowFreeBytes:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
	return nil
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
