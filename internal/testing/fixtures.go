package testing

import (
	"fmt"
	"time"

	"github.com/aristath/evolver/internal/domain"
)

// SuccessfulOutput returns backtest console output carrying a statistics
// table with the given CAGR, Sharpe and trade count.
func SuccessfulOutput(cagr, sharpe string, trades int) string {
	return fmt.Sprintf(`20240101 00:00:00 Launching analysis for BasicTemplateAlgorithm
20240101 00:00:05 Algorithm initialized.
┌──────────────────────────┬──────────┐
│ Statistic                │ Value    │
├──────────────────────────┼──────────┤
│ Total Orders             │ %d       │
│ Compounding Annual Return│ %s       │
│ Sharpe Ratio             │ %s       │
│ Net Profit               │ 12.5%%    │
└──────────────────────────┴──────────┘
`, trades, cagr, sharpe)
}

// MarkerOutput returns console output using sentinel statistics lines only.
func MarkerOutput(metrics map[string]string) string {
	out := "Launching analysis\n"
	for k, v := range metrics {
		out += "STATISTICS:: " + k + ": " + v + "\n"
	}
	return out
}

// FailingOutput returns console output with a traceback and no statistics.
func FailingOutput() string {
	return `Launching analysis
Traceback (most recent call last):
  File "main.py", line 12, in Initialize
    self.AddEquity("SPY")
NameError: name 'Resolution' is not defined
`
}

// NewVersion builds a version record with a fixed timestamp.
func NewVersion(id, parent string) domain.StrategyVersion {
	return domain.StrategyVersion{
		ID:            id,
		ParentID:      parent,
		FileReference: "strategies/" + id + ".py",
		Description:   "version " + id,
		CreatedAt:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// NewOutcome builds a successful outcome with the given score inputs.
func NewOutcome(versionID, cagr, sharpe, trades string) domain.BacktestOutcome {
	return domain.BacktestOutcome{
		VersionID: versionID,
		Succeeded: true,
		Metrics: map[string]string{
			"Compounding Annual Return": cagr,
			"Sharpe Ratio":              sharpe,
			"Total Orders":              trades,
		},
		Errors:             []string{},
		FailedDataRequests: []string{},
		FolderReference:    "backtests/" + versionID,
		Timestamp:          time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}
}

// NewFailedOutcome builds an outcome carrying one error block.
func NewFailedOutcome(versionID, errText string) domain.BacktestOutcome {
	return domain.BacktestOutcome{
		VersionID:          versionID,
		Succeeded:          false,
		Metrics:            map[string]string{},
		Errors:             []string{errText},
		FailedDataRequests: []string{},
		Timestamp:          time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}
}
