package evolution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/parser"
)

// maxErrorChars bounds how much error text is fed back to the generator.
const maxErrorChars = 4000

// riskMetrics are quoted back to the generator when asking for an improvement.
var riskMetrics = []string{
	"Drawdown",
	"Sortino Ratio",
	"Win Rate",
	"Loss Rate",
	"Profit-Loss Ratio",
	"Annual Standard Deviation",
	"Net Profit",
}

// InstructionBuilder turns the current state into the instruction for the generator.
type InstructionBuilder struct {
	keys      MetricKeys
	minTrades int
}

// NewInstructionBuilder creates an instruction builder.
func NewInstructionBuilder(keys MetricKeys, minTrades int) *InstructionBuilder {
	return &InstructionBuilder{keys: keys, minTrades: minTrades}
}

// Build returns the instruction for the given scenario. goal is the operator's
// description of the family and opens every instruction when set.
func (b *InstructionBuilder) Build(state *EvolutionState, goal string) string {
	var sb strings.Builder
	if goal != "" {
		sb.WriteString("Strategy goal: ")
		sb.WriteString(strings.TrimSpace(goal))
		sb.WriteString("\n\n")
	}

	outcome, _ := state.Reference()
	if outcome == nil {
		fmt.Fprintf(&sb, "Write a complete new trading strategy for the %q family. ", state.Family)
		sb.WriteString("It must run in the backtest engine without errors and place a meaningful number of trades.\n")
		return sb.String()
	}

	switch state.Scenario {
	case domain.ScenarioError:
		b.errorInstruction(&sb, outcome)
	case domain.ScenarioLowTrades:
		b.lowTradesInstruction(&sb, outcome)
	default:
		b.improvementInstruction(&sb, outcome)
	}
	return sb.String()
}

func (b *InstructionBuilder) errorInstruction(sb *strings.Builder, outcome *domain.BacktestOutcome) {
	sb.WriteString("The last backtest of the strategy failed with the following errors:\n\n")
	text := strings.Join(outcome.Errors, "\n\n")
	if len(text) > maxErrorChars {
		text = text[:maxErrorChars] + "\n... (truncated)"
	}
	sb.WriteString(text)
	sb.WriteString("\n\nFix these errors. Keep the trading logic unchanged unless it causes them.\n")
}

func (b *InstructionBuilder) lowTradesInstruction(sb *strings.Builder, outcome *domain.BacktestOutcome) {
	trades := TradeCount(outcome.Metrics, b.keys)
	fmt.Fprintf(sb, "The strategy placed only %d trades, %d short of the minimum of %d. ",
		trades, b.minTrades-trades, b.minTrades)
	sb.WriteString("Loosen entry conditions, widen the traded universe or shorten holding periods ")
	sb.WriteString("so that it trades more often, without abandoning its core idea.\n")
}

func (b *InstructionBuilder) improvementInstruction(sb *strings.Builder, outcome *domain.BacktestOutcome) {
	metrics := outcome.Metrics
	cagr := lookup(metrics, b.keys.CAGR)
	sharpe := lookup(metrics, b.keys.Sharpe)

	sb.WriteString("The strategy runs cleanly. Current performance:\n")
	fmt.Fprintf(sb, "- CAGR: %s\n", orNA(cagr))
	fmt.Fprintf(sb, "- Sharpe Ratio: %s\n", orNA(sharpe))
	for _, name := range presentRiskMetrics(metrics) {
		fmt.Fprintf(sb, "- %s: %s\n", name, metrics[name])
	}
	fmt.Fprintf(sb, "Score (CAGR x Sharpe): %.4f\n\n", Score(metrics, b.keys))

	switch {
	case parser.ParseFloat(cagr) <= 0:
		sb.WriteString("Returns are not positive. Rework the signal so the strategy earns a positive annual return.\n")
	case parser.ParseFloat(sharpe) < 1:
		sb.WriteString("Risk-adjusted return is weak. Reduce volatility and drawdown while keeping returns.\n")
	default:
		sb.WriteString("Improve the product of annual return and Sharpe ratio without increasing drawdown.\n")
	}
}

func presentRiskMetrics(metrics map[string]string) []string {
	var names []string
	for _, name := range riskMetrics {
		if v, ok := metrics[name]; ok && v != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func orNA(v string) string {
	if v == "" {
		return "n/a"
	}
	return v
}
