package patterns

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

// AnalyzeTrend fits the pattern's occurrence timeline over the window and
// returns its direction, rate of change, and a one-period forecast. Fewer than
// two populated sub-intervals is not enough signal and returns
// ErrInsufficientData.
func (d *Detector) AnalyzeTrend(ctx context.Context, patternID string, window time.Duration, now time.Time) (models.PatternTrend, error) {
	if window <= 0 {
		window = d.cfg.Window
	}
	pattern, err := d.store.GetPattern(ctx, patternID)
	if err != nil {
		return models.PatternTrend{}, err
	}

	start := now.Add(-window)
	counts := make([]float64, d.cfg.SubIntervals)
	for _, clusterID := range pattern.ClusterIDs {
		entries, err := d.store.ListEntriesByCluster(ctx, clusterID)
		if err != nil {
			return models.PatternTrend{}, utils.NewAppError("patterns.AnalyzeTrend", "load cluster members", err)
		}
		for _, entry := range entries {
			if idx := utils.BucketIndex(entry.Timestamp, start, now, d.cfg.SubIntervals); idx >= 0 {
				counts[idx]++
			}
		}
	}

	populated := 0
	var total float64
	for _, count := range counts {
		if count > 0 {
			populated++
		}
		total += count
	}
	if populated < 2 {
		return models.PatternTrend{}, utils.ErrInsufficientData
	}

	xs := make([]float64, len(counts))
	for i := range xs {
		xs[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(xs, counts, nil, false)

	// Direction follows the fitted slope, normalized by the mean so the
	// noise floor is scale-free.
	mean := total / float64(len(counts))
	slope := 0.0
	if mean > 0 {
		slope = beta / mean
	}

	direction := models.TrendStable
	switch {
	case slope > d.cfg.NoiseFloor:
		direction = models.TrendIncreasing
	case slope < -d.cfg.NoiseFloor:
		direction = models.TrendDecreasing
	}

	// Change rate is the relative delta between the first and last
	// sub-interval. A zero first interval reports the last count itself.
	first := counts[0]
	last := counts[len(counts)-1]
	changeRate := 0.0
	switch {
	case first > 0:
		changeRate = (last - first) / first
	case last > 0:
		changeRate = last
	}

	forecast := alpha + beta*float64(len(counts))
	if forecast < 0 {
		forecast = 0
	}

	trend := models.PatternTrend{
		PatternID:          patternID,
		Window:             window,
		Direction:          direction,
		ChangeRate:         changeRate,
		IsAccelerating:     accelerating(counts),
		ForecastNextPeriod: int(math.Round(forecast)),
		SubIntervalCounts:  toInts(counts),
	}
	return trend, nil
}

// accelerating reports whether the occurrence curve bends upward: the sum of
// second differences over the sub-interval counts is positive.
func accelerating(ys []float64) bool {
	if len(ys) < 3 {
		return false
	}
	sum := 0.0
	for i := 2; i < len(ys); i++ {
		sum += ys[i] - 2*ys[i-1] + ys[i-2]
	}
	return sum > 0
}

func toInts(values []float64) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out
}
