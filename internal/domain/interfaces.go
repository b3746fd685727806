package domain

import (
	"context"
	"time"
)

// LineageStore persists the append-only history of each strategy family.
// Every mutation is a read-modify-write of the whole family document under
// exclusion; readers never observe a partially written document.
type LineageStore interface {
	// Read returns the family history in stored order, or an empty slice.
	Read(ctx context.Context, family string) ([]LineageEntry, error)

	// AppendVersion adds a new entry. Returns ErrConflict if the id exists.
	AppendVersion(ctx context.Context, family string, version StrategyVersion) error

	// AppendBacktest appends an outcome to an existing entry.
	// Returns ErrNotFound if the version entry does not exist.
	AppendBacktest(ctx context.Context, family, versionID string, outcome BacktestOutcome) error

	// Families lists every family with persisted history.
	Families(ctx context.Context) ([]string, error)
}

// ArtifactStore keeps the opaque strategy source text and raw run output.
type ArtifactStore interface {
	// SaveSource stores source text and returns its file reference.
	// Returns ErrConflict if the version already has a stored source.
	SaveSource(family, versionID, source string) (string, error)

	// LoadSource reads source text back by reference.
	LoadSource(reference string) (string, error)

	// SaveOutput keeps a copy of a run's raw output and returns its reference.
	SaveOutput(family, versionID, raw string) (string, error)
}

// GenerationRequest is the input to the candidate generator.
type GenerationRequest struct {
	Family      string
	Instruction string
	PriorSource string // empty when there is no head yet
}

// CandidateGenerator turns an instruction into new strategy source text.
type CandidateGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// RunRequest describes one backtest execution.
type RunRequest struct {
	Family     string
	VersionID  string
	SourcePath string
	Mode       ExecutionMode
	Timeout    time.Duration
}

// RunResult is the raw process contract of the backtest runner.
type RunResult struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	ResultFolder string
	TimedOut     bool
	Duration     time.Duration
}

// CombinedOutput joins stdout and stderr the way the parser expects them.
func (r *RunResult) CombinedOutput() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// BacktestRunner executes a strategy artifact and returns its raw output.
// Returning an error means the runner itself is unavailable; a failing
// backtest is reported through RunResult.
type BacktestRunner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ModeLister is implemented by runners that know their execution modes up front.
type ModeLister interface {
	Modes() []ExecutionMode
}

// Reviewer lets an operator amend an instruction before it is sent to the generator.
type Reviewer interface {
	Review(ctx context.Context, scenario Scenario, instruction string) (string, error)
}

// Archiver copies a backtest result folder to durable storage and returns its locator.
type Archiver interface {
	Archive(ctx context.Context, family, versionID, folder string) (string, error)
}
