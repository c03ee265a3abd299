package detection

import (
	"math"
	"sort"
	"time"
)

// Point is one sample in a per-device series, ordered by timestamp.
type Point struct {
	TS    time.Time
	Value float64
}

// Stat holds the rolling baseline at one point of the series. Z is NaN when
// the window dispersion is zero, so flat stretches never classify.
type Stat struct {
	Median float64
	Sigma  float64
	Z      float64
}

// madToSigma scales a median absolute deviation to an approximate normal
// standard deviation.
const madToSigma = 1.4826

// RollingStats computes, for each point, the median, robust sigma and
// z-score over a window of the given width centered on the point's
// timestamp. Points must be sorted by timestamp ascending.
func RollingStats(points []Point, window time.Duration) []Stat {
	stats := make([]Stat, len(points))
	if len(points) == 0 {
		return stats
	}
	half := window / 2
	lo, hi := 0, 0
	buf := make([]float64, 0, len(points))
	for i, p := range points {
		start := p.TS.Add(-half)
		end := p.TS.Add(half)
		for lo < len(points) && points[lo].TS.Before(start) {
			lo++
		}
		if hi <= i {
			hi = i
		}
		for hi < len(points) && !points[hi].TS.After(end) {
			hi++
		}

		buf = buf[:0]
		for j := lo; j < hi; j++ {
			buf = append(buf, points[j].Value)
		}
		mu := median(buf)
		sigma := madToSigma * mad(buf, mu)

		z := math.NaN()
		if sigma > 0 {
			z = (p.Value - mu) / sigma
		}
		stats[i] = Stat{Median: mu, Sigma: sigma, Z: z}
	}
	return stats
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func mad(values []float64, center float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - center)
	}
	return median(deviations)
}
