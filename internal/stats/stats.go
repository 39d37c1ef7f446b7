// Package stats computes window aggregates over metric values.
package stats

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Aggregations accepted by Reduce.
const (
	AggAvg   = "avg"
	AggSum   = "sum"
	AggLast  = "last"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// Compute returns count/sum/avg/min/max and nearest-rank percentiles for
// values. Percentile index is floor(n*p) clamped to n-1, without
// interpolation. An empty input yields all-zero stats. values is not modified.
func Compute(values []float64) model.AggregatedStats {
	n := len(values)
	if n == 0 {
		return model.AggregatedStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := floats.Sum(sorted)
	minV, maxV := sorted[0], sorted[n-1]
	avg := sum / float64(n)
	// Rounding in sum/n can land one ulp outside [min, max].
	avg = math.Min(math.Max(avg, minV), maxV)

	return model.AggregatedStats{
		Count: n,
		Sum:   sum,
		Avg:   avg,
		Min:   minV,
		Max:   maxV,
		P50:   Percentile(sorted, 0.50),
		P95:   Percentile(sorted, 0.95),
		P99:   Percentile(sorted, 0.99),
	}
}

// Percentile returns sorted[floor(len*p)] with the index clamped to the
// slice bounds. sorted must be in ascending order.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// StdDev returns the sample standard deviation, or 0 for fewer than two values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// Mean returns the arithmetic mean, or 0 for an empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Reduce collapses a series into one value. Unknown aggregations fall back
// to the last value.
func Reduce(values []float64, aggregation string) float64 {
	if len(values) == 0 {
		return 0
	}
	switch strings.ToLower(aggregation) {
	case AggAvg:
		return Mean(values)
	case AggSum:
		return floats.Sum(values)
	case AggMin:
		return floats.Min(values)
	case AggMax:
		return floats.Max(values)
	case AggCount:
		return float64(len(values))
	default:
		return values[len(values)-1]
	}
}

// DefaultAggregation picks the reduction for a metric name: avg for rates
// and latencies, sum for counts, otherwise the last value.
func DefaultAggregation(metric string) string {
	name := strings.ToLower(metric)
	switch {
	case strings.Contains(name, "rate"),
		strings.Contains(name, "latency"),
		strings.Contains(name, "time"),
		strings.Contains(name, "duration"),
		strings.Contains(name, "usage"):
		return AggAvg
	case strings.Contains(name, "count"),
		strings.Contains(name, "total"),
		strings.HasSuffix(name, "errors"),
		strings.HasSuffix(name, "requests"):
		return AggSum
	default:
		return AggLast
	}
}
