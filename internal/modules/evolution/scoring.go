package evolution

import (
	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/parser"
)

// DefaultMinTrades is the trade count below which a head is classified LOW_TRADES.
const DefaultMinTrades = 100

// MetricKeys names the metrics the loop reads. Each list is tried in order and
// the first key present wins, so both engine vocabularies can be supported.
type MetricKeys struct {
	CAGR   []string
	Sharpe []string
	Trades []string
}

// DefaultMetricKeys covers the statistics names of common backtest engines.
func DefaultMetricKeys() MetricKeys {
	return MetricKeys{
		CAGR:   []string{"Compounding Annual Return", "CAGR", "Annual Return"},
		Sharpe: []string{"Sharpe Ratio", "Sharpe"},
		Trades: []string{"Total Orders", "Total Trades", "Trades"},
	}
}

func lookup(metrics map[string]string, names []string) string {
	for _, name := range names {
		if v, ok := metrics[name]; ok {
			return v
		}
	}
	return ""
}

// Score is CAGR × Sharpe. Missing or unparseable values count as zero.
func Score(metrics map[string]string, keys MetricKeys) float64 {
	cagr := parser.ParseFloat(lookup(metrics, keys.CAGR))
	sharpe := parser.ParseFloat(lookup(metrics, keys.Sharpe))
	return cagr * sharpe
}

// TradeCount parses the trade count metric, zero when missing or unparseable.
func TradeCount(metrics map[string]string, keys MetricKeys) int {
	return parser.ParseInt(lookup(metrics, keys.Trades))
}

// Classify picks the scenario for the next iteration from the head's latest outcome.
// Priority: ERROR, then LOW_TRADES, then IMPROVEMENT_NEEDED. Without an outcome
// there is nothing to fix, so the loop aims for improvement.
func Classify(outcome *domain.BacktestOutcome, keys MetricKeys, minTrades int) domain.Scenario {
	if outcome == nil {
		return domain.ScenarioImprovementNeeded
	}
	if len(outcome.Errors) > 0 {
		return domain.ScenarioError
	}
	if TradeCount(outcome.Metrics, keys) < minTrades {
		return domain.ScenarioLowTrades
	}
	return domain.ScenarioImprovementNeeded
}

// Delta is score(candidate) - score(head); with no head it is the candidate's score.
func Delta(candidate, head *domain.BacktestOutcome, keys MetricKeys) float64 {
	c := Score(candidate.Metrics, keys)
	if head == nil {
		return c
	}
	return c - Score(head.Metrics, keys)
}

// Decide compares a candidate with the head. A candidate advances when its delta
// is positive, or when it ran successfully and there is no head to compare with.
func Decide(candidate, head *domain.BacktestOutcome, keys MetricKeys) (Decision, float64) {
	delta := Delta(candidate, head, keys)
	if delta > 0 || (head == nil && candidate.Succeeded) {
		return DecisionAdvance, delta
	}
	return DecisionDiscard, delta
}
