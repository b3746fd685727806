// Package domain provides the core strategy evolution models and the
// collaborator interfaces the evolution loop depends on.
package domain

import "time"

// Scenario is the classification that drives which instruction is generated next.
type Scenario string

const (
	// ScenarioError means the head's last backtest produced error blocks.
	ScenarioError Scenario = "ERROR"
	// ScenarioLowTrades means the head traded less than the configured minimum.
	ScenarioLowTrades Scenario = "LOW_TRADES"
	// ScenarioImprovementNeeded means the head ran cleanly and should be improved.
	ScenarioImprovementNeeded Scenario = "IMPROVEMENT_NEEDED"
)

// ExecutionMode selects which command template the backtest runner uses (local, cloud, ...).
type ExecutionMode string

const (
	ModeLocal ExecutionMode = "local"
	ModeCloud ExecutionMode = "cloud"
)

// StrategyVersion is an immutable strategy artifact record.
type StrategyVersion struct {
	ID            string    `json:"version"`
	ParentID      string    `json:"parent_version,omitempty"` // empty for the root of a family
	SourceText    string    `json:"-"`
	FileReference string    `json:"file_reference"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"timestamp"`
}

// IsRoot reports whether the version has no parent.
func (v StrategyVersion) IsRoot() bool {
	return v.ParentID == ""
}

// BacktestOutcome is the result of running one StrategyVersion once.
type BacktestOutcome struct {
	VersionID          string            `json:"-"`
	Succeeded          bool              `json:"backtest_successful"`
	Metrics            map[string]string `json:"results_summary"`
	Errors             []string          `json:"errors"`
	Warnings           []string          `json:"-"`
	FailedDataRequests []string          `json:"failed_data_requests"`
	RawOutput          string            `json:"-"`
	FolderReference    string            `json:"backtest_folder"`
	ExitCode           int               `json:"-"`
	TimedOut           bool              `json:"-"`
	Ambiguous          bool              `json:"-"`
	Timestamp          time.Time         `json:"timestamp"`
}

// HasErrors reports whether any error block was extracted.
func (o *BacktestOutcome) HasErrors() bool {
	return o != nil && len(o.Errors) > 0
}

// LineageEntry is one row of a family's persisted history.
type LineageEntry struct {
	Version   StrategyVersion
	Backtests []BacktestOutcome
}

// LatestBacktest returns the most recent outcome of the entry, or nil if the
// version has never been tested.
func (e *LineageEntry) LatestBacktest() *BacktestOutcome {
	if len(e.Backtests) == 0 {
		return nil
	}
	return &e.Backtests[len(e.Backtests)-1]
}

// VersionIDs lists the version ids of a family history in stored order.
func VersionIDs(entries []LineageEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Version.ID)
	}
	return ids
}

// FindEntry returns the entry with the given version id, or nil.
func FindEntry(entries []LineageEntry, versionID string) *LineageEntry {
	for i := range entries {
		if entries[i].Version.ID == versionID {
			return &entries[i]
		}
	}
	return nil
}

// CountBacktests returns the total number of outcomes recorded across a family.
func CountBacktests(entries []LineageEntry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Backtests)
	}
	return n
}
