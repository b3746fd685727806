package scheduler

import (
	"errors"
	"fmt"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/evolution"
	"github.com/rs/zerolog"
)

// SessionStarter starts background evolution sessions.
type SessionStarter interface {
	Start(opts evolution.RunOptions) (evolution.SessionInfo, error)
}

// EvolveJob starts an evolution session for each configured family.
// Families that already have a running session are skipped.
type EvolveJob struct {
	sessions   SessionStarter
	families   []string
	iterations int
	mode       domain.ExecutionMode
	log        zerolog.Logger
}

// NewEvolveJob creates an evolve job. iterations <= 0 uses the controller default.
func NewEvolveJob(sessions SessionStarter, families []string, iterations int, mode domain.ExecutionMode, log zerolog.Logger) *EvolveJob {
	return &EvolveJob{
		sessions:   sessions,
		families:   families,
		iterations: iterations,
		mode:       mode,
		log:        log.With().Str("job", "evolve").Logger(),
	}
}

// Name returns the job name
func (j *EvolveJob) Name() string {
	return "evolve"
}

// Run starts the sessions. It fails only if no family could be started
// for a reason other than an already running session.
func (j *EvolveJob) Run() error {
	var started, skipped int
	var errs []error
	for _, family := range j.families {
		info, err := j.sessions.Start(evolution.RunOptions{
			Family:        family,
			MaxIterations: j.iterations,
			Mode:          j.mode,
		})
		switch {
		case errors.Is(err, domain.ErrConflict):
			skipped++
			j.log.Debug().Str("family", family).Msg("Session already running, skipping")
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", family, err))
			j.log.Error().Err(err).Str("family", family).Msg("Failed to start scheduled session")
		default:
			started++
			j.log.Info().Str("family", family).Str("session", info.ID).Msg("Scheduled session started")
		}
	}

	if started == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	j.log.Info().Int("started", started).Int("skipped", skipped).Int("failed", len(errs)).Msg("Evolve job completed")
	return nil
}
