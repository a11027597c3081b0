package analyzer

import (
	"math"
	"sort"
)

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev returns the population standard deviation around mu.
func stddev(values []float64, mu float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sq := 0.0
	for _, v := range values {
		d := v - mu
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// zScore returns |v-mu|/sigma. ok is false when sigma is not positive.
func zScore(v, mu, sigma float64) (z float64, ok bool) {
	if !(sigma > 0) {
		return 0, false
	}
	return math.Abs(v-mu) / sigma, true
}

// longestRun returns the length and start index of the longest run of
// consecutive values satisfying same(prev, cur) and keep(cur).
func longestRun(values []float64, keep func(float64) bool, same func(a, b float64) bool) (length, start int) {
	cur, curStart := 0, 0
	for i, v := range values {
		switch {
		case !keep(v):
			cur = 0
		case cur > 0 && same(values[i-1], v):
			cur++
		default:
			cur, curStart = 1, i
		}
		if cur > length {
			length, start = cur, curStart
		}
	}
	return length, start
}
