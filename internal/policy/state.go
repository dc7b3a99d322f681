package policy

import (
	"fmt"

	"github.com/omnimesh/fabric-core/internal/telemetry"
)

const stateBuckets = 20

// StateKey discretizes the node situation into the tabular state. Each
// dimension maps to one of 20 buckets; buckets concatenate into a string.
func StateKey(cpuPct, memoryPct, loadTrend float64, hour int) string {
	return fmt.Sprintf("%d_%d_%d_%d",
		bucket(cpuPct, 0, 100),
		bucket(memoryPct, 0, 100),
		bucket(loadTrend, -10, 10),
		bucket(float64(hour), 0, 24),
	)
}

func bucket(v, lo, hi float64) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	b := int((v - lo) / (hi - lo) * stateBuckets)
	if b >= stateBuckets {
		b = stateBuckets - 1
	}
	return b
}

// LoadTrend is the per-sample slope over the last 20 load scores, clamped
// to the [-10, 10] range the state key expects.
func LoadTrend(window []telemetry.Sample) float64 {
	const trendWindow = 20
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	if len(window) < 2 {
		return 0
	}
	// Least-squares slope over sample index.
	n := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range window {
		x := float64(i)
		sumX += x
		sumY += s.LoadScore
		sumXY += x * s.LoadScore
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	if slope < -10 {
		return -10
	}
	if slope > 10 {
		return 10
	}
	return slope
}
