package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a family or version entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version id is already taken.
	ErrConflict = errors.New("conflict")
	// ErrInvalidVersion is returned for identifiers outside the dotted integer pattern.
	ErrInvalidVersion = errors.New("invalid version id")
	// ErrNoArtifact is returned when the generator reply holds no usable code block.
	ErrNoArtifact = errors.New("no strategy artifact in generator reply")
	// ErrUnknownMode is returned for an execution mode the runner has no command for.
	ErrUnknownMode = errors.New("unknown execution mode")
)

// GenerationError reports that the candidate generator could not produce an artifact.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("candidate generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RunnerError reports that the backtest runner could not be reached or started.
type RunnerError struct {
	Mode ExecutionMode
	Err  error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("backtest runner (%s) unavailable: %v", e.Mode, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }
