package lineage

import (
	"math"

	"github.com/aristath/evolver/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// ScoreFunc turns a metrics map into a comparable score.
type ScoreFunc func(metrics map[string]string) float64

// Summary is a read-only digest of a family history.
type Summary struct {
	Family      string  `json:"family"`
	Versions    int     `json:"versions"`
	Backtests   int     `json:"backtests"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
	BestVersion string  `json:"best_version,omitempty"`
	BestScore   float64 `json:"best_score"`
	MeanScore   float64 `json:"mean_score"`
	StdDevScore float64 `json:"stddev_score"`
	LatestID    string  `json:"latest_version,omitempty"`
}

// Summarize computes per-family statistics. Scores are taken from successful
// backtests only; the standard deviation is zero with fewer than two samples.
func Summarize(family string, entries []domain.LineageEntry, score ScoreFunc) Summary {
	s := Summary{
		Family:    family,
		Versions:  len(entries),
		BestScore: math.Inf(-1),
	}
	if len(entries) > 0 {
		s.LatestID = entries[len(entries)-1].Version.ID
	}

	var scores []float64
	for _, e := range entries {
		for _, o := range e.Backtests {
			s.Backtests++
			if !o.Succeeded {
				continue
			}
			s.Succeeded++
			v := score(o.Metrics)
			scores = append(scores, v)
			if v > s.BestScore {
				s.BestScore = v
				s.BestVersion = e.Version.ID
			}
		}
	}

	if s.Backtests > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Backtests)
	}
	if len(scores) == 0 {
		s.BestScore = 0
		return s
	}
	s.MeanScore = stat.Mean(scores, nil)
	if len(scores) > 1 {
		s.StdDevScore = stat.StdDev(scores, nil)
	}
	return s
}
