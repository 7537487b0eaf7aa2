package loadtest

import (
	"math"
	"sort"
	"strconv"

	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"gonum.org/v1/gonum/stat"
)

const (
	MethodEmpirical = "empirical"
	MethodLinear    = "linear"
)

// summarize считает min/max/avg и перцентили по задержкам в миллисекундах.
// Входной срез сортируется на месте.
func summarize(latencies []float64, percentiles []float64, method string) domain.LatencyStats {
	if len(latencies) == 0 {
		return domain.LatencyStats{}
	}
	sort.Float64s(latencies)

	st := domain.LatencyStats{
		MinMs: round2(latencies[0]),
		MaxMs: round2(latencies[len(latencies)-1]),
		AvgMs: round2(stat.Mean(latencies, nil)),
	}
	// Округление среднего не должно вывести его за границы выборки
	st.AvgMs = math.Min(math.Max(st.AvgMs, st.MinMs), st.MaxMs)

	if len(percentiles) == 0 {
		return st
	}

	kind := stat.Empirical
	if method == MethodLinear {
		kind = stat.LinInterp
	}

	st.Percentiles = make(map[string]float64, len(percentiles))
	for _, p := range percentiles {
		if p < 0 || p > 100 {
			continue
		}
		st.Percentiles[percentileKey(p)] = round2(stat.Quantile(p/100, kind, latencies, nil))
	}
	return st
}

func percentileKey(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
