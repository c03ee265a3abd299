package detection

import (
	"math"
	"testing"
	"time"
)

func seriesAt(start time.Time, step time.Duration, values []float64) []Point {
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{TS: start.Add(time.Duration(i) * step), Value: v}
	}
	return points
}

func TestRollingStatsFlatSeriesHasNoZScore(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100
	}
	points := seriesAt(start, time.Minute, values)

	stats := RollingStats(points, 15*time.Minute)
	if len(stats) != len(points) {
		t.Fatalf("expected %d stats, got %d", len(points), len(stats))
	}
	for i, s := range stats {
		if s.Median != 100 {
			t.Fatalf("point %d: expected median 100, got %f", i, s.Median)
		}
		if s.Sigma != 0 {
			t.Fatalf("point %d: expected zero sigma, got %f", i, s.Sigma)
		}
		if !math.IsNaN(s.Z) {
			t.Fatalf("point %d: expected NaN z-score on flat series, got %f", i, s.Z)
		}
	}
}

func TestRollingStatsFlagsInjectedSpike(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	values := make([]float64, 40)
	for i := range values {
		values[i] = 100 + float64(i%5) // small jitter so sigma is nonzero
	}
	spikeIdx := 20
	values[spikeIdx] = 400
	points := seriesAt(start, time.Minute, values)

	stats := RollingStats(points, 15*time.Minute)
	z := stats[spikeIdx].Z
	if math.IsNaN(z) {
		t.Fatal("expected defined z-score at spike")
	}
	if z <= 3 {
		t.Fatalf("expected spike z-score above 3, got %f", z)
	}
	for i, s := range stats {
		if i == spikeIdx || math.IsNaN(s.Z) {
			continue
		}
		if s.Z > 3 {
			t.Fatalf("point %d: unexpected z-score %f outside spike", i, s.Z)
		}
	}
}

func TestRollingStatsWindowIsCentered(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Step change at the midpoint. A centered window sees both levels near
	// the boundary, so the median there falls between them.
	values := make([]float64, 20)
	for i := range values {
		if i < 10 {
			values[i] = 10
		} else {
			values[i] = 20
		}
	}
	points := seriesAt(start, time.Minute, values)

	stats := RollingStats(points, 10*time.Minute)
	if stats[0].Median != 10 {
		t.Fatalf("expected leading median 10, got %f", stats[0].Median)
	}
	if stats[len(stats)-1].Median != 20 {
		t.Fatalf("expected trailing median 20, got %f", stats[len(stats)-1].Median)
	}
	boundary := stats[10].Median
	if boundary < 10 || boundary > 20 {
		t.Fatalf("expected boundary median between levels, got %f", boundary)
	}
}

func TestMedianEvenAndOdd(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("odd median: expected 2, got %f", got)
	}
	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Fatalf("even median: expected 2.5, got %f", got)
	}
	if got := mad([]float64{1, 2, 3, 4, 100}, 3); got != 1 {
		t.Fatalf("mad: expected 1, got %f", got)
	}
}
