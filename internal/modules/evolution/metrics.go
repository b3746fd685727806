package evolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// iterationsTotal counts completed iterations by family and decision
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolver_iterations_total",
		Help: "Completed evolution iterations by family and decision",
	}, []string{"family", "decision"})

	// scenariosTotal counts classified scenarios
	scenariosTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolver_scenarios_total",
		Help: "Scenarios selected by the classifier",
	}, []string{"family", "scenario"})

	// backtestDuration tracks wall time of backtest runs
	backtestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evolver_backtest_duration_seconds",
		Help:    "Backtest run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	}, []string{"family", "mode"})

	// backtestsTotal counts backtests by result
	backtestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolver_backtests_total",
		Help: "Backtests by result (succeeded, failed, timed_out, ambiguous)",
	}, []string{"family", "result"})

	// terminationsTotal counts session terminations by reason
	terminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolver_session_terminations_total",
		Help: "Evolution sessions ended, by reason",
	}, []string{"family", "reason"})

	// headScore is the score of the current head per family
	headScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evolver_head_score",
		Help: "Score (CAGR x Sharpe) of the current head version",
	}, []string{"family"})

	// activeSessions is the number of running sessions
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evolver_active_sessions",
		Help: "Number of evolution sessions currently running",
	})
)

func backtestResultLabel(succeeded, timedOut, ambiguous bool) string {
	switch {
	case timedOut:
		return "timed_out"
	case ambiguous:
		return "ambiguous"
	case succeeded:
		return "succeeded"
	default:
		return "failed"
	}
}
