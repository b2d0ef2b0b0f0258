package metrics

import (
	"sort"
	"time"

	"github.com/saveenergy/speedkit/pkg/types"
)

// CalculateLatency summarizes successful round-trip samples. Probes and Lost
// are left for the caller, which knows how many probes were sent.
func CalculateLatency(samples []time.Duration) types.LatencyResult {
	if len(samples) == 0 {
		return types.LatencyResult{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	sum := time.Duration(0)
	for _, s := range sorted {
		sum += s
	}

	return types.LatencyResult{
		MinMs:    toMs(sorted[0]),
		MaxMs:    toMs(sorted[len(sorted)-1]),
		AvgMs:    float64(sum) / float64(len(sorted)) / float64(time.Millisecond),
		P50Ms:    toMs(sorted[len(sorted)*50/100]),
		P95Ms:    toMs(sorted[len(sorted)*95/100]),
		JitterMs: CalculateJitter(samples),
	}
}

// CalculateJitter is the mean absolute difference between consecutive
// samples, in milliseconds. Order matters: pass samples as observed.
func CalculateJitter(samples []time.Duration) float64 {
	if len(samples) < 2 {
		return 0
	}

	var sum float64
	for i := 1; i < len(samples); i++ {
		diff := float64(samples[i] - samples[i-1])
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}

	return sum / float64(len(samples)-1) / float64(time.Millisecond)
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
