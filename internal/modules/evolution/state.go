// Package evolution drives the generate, backtest, evaluate and accept/reject
// loop for one strategy family at a time.
package evolution

import (
	"fmt"
	"time"

	"github.com/aristath/evolver/internal/domain"
)

// Decision is the outcome of comparing a candidate against the head.
type Decision string

const (
	DecisionAdvance Decision = "ADVANCE"
	DecisionDiscard Decision = "DISCARD"
)

// Termination reasons reported in SessionResult.Reason.
const (
	ReasonIterationCap = "iteration_cap"
	ReasonCancelled    = "cancelled"
	ReasonFatal        = "fatal"
)

// EvolutionState is the controller's working memory for one session.
// It is rebuilt from the lineage when a session starts and never persisted.
type EvolutionState struct {
	SessionID   string
	Family      string
	HeadID      string                  // empty until a candidate has been accepted
	HeadSource  string                  // source text of the head, passed to the generator as context
	HeadOutcome *domain.BacktestOutcome // latest outcome of the head
	Iteration   int
	Scenario    domain.Scenario

	// Most recent candidate, used as the reference while there is no head so
	// that a failing first attempt is fed back as an error to fix.
	LastOutcome *domain.BacktestOutcome
	LastSource  string
}

// HasHead reports whether a version has been accepted.
func (s *EvolutionState) HasHead() bool {
	return s.HeadID != ""
}

// Reference returns the outcome and source the next iteration builds on: the
// head when there is one, otherwise the most recent candidate.
func (s *EvolutionState) Reference() (*domain.BacktestOutcome, string) {
	if s.HasHead() {
		return s.HeadOutcome, s.HeadSource
	}
	return s.LastOutcome, s.LastSource
}

// IterationRecord summarizes one completed iteration.
type IterationRecord struct {
	Iteration int             `json:"iteration"`
	Scenario  domain.Scenario `json:"scenario"`
	Version   string          `json:"version"`
	Decision  Decision        `json:"decision"`
	Score     float64         `json:"score"`
	Delta     float64         `json:"delta"`
	Succeeded bool            `json:"succeeded"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	Ambiguous bool            `json:"ambiguous,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// SessionResult is what a session reports when it stops, for any reason.
type SessionResult struct {
	SessionID   string                  `json:"session_id"`
	Family      string                  `json:"family"`
	HeadID      string                  `json:"head_version"`
	HeadOutcome *domain.BacktestOutcome `json:"head_outcome,omitempty"`
	Iterations  []IterationRecord       `json:"iterations"`
	Advanced    int                     `json:"advanced"`
	Discarded   int                     `json:"discarded"`
	Reason      string                  `json:"reason"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
}

// TerminationError is returned when the loop stops on an unrecoverable failure.
// Head is the last accepted version at the time of the failure.
type TerminationError struct {
	Family    string
	Head      string
	Iteration int
	Stage     string
	Cause     error
}

func (e *TerminationError) Error() string {
	head := e.Head
	if head == "" {
		head = "none"
	}
	return fmt.Sprintf("evolution of %s terminated during %s (iteration %d, head %s): %v",
		e.Family, e.Stage, e.Iteration, head, e.Cause)
}

func (e *TerminationError) Unwrap() error { return e.Cause }
