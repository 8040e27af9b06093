// Package stats holds the pure analyzers run over a metric window. Functions never retain or
// modify their inputs and are safe to call concurrently.
package stats

import (
	"math"

	"github.com/miradorstack/mirador-governance/internal/utils"
)

// ZScoreResult captures the per-sample standardised scores of a window.
type ZScoreResult struct {
	Mean      float64
	StdDev    float64
	Threshold float64
	Scores    []float64
	// Outliers holds indexes into the input with |score| > Threshold.
	Outliers []int
	MaxAbs   float64
}

// Detected reports whether any outlier was flagged.
func (r ZScoreResult) Detected() bool {
	return len(r.Outliers) > 0
}

// ZScore scores every sample against the window mean and sample standard deviation.
// NaN values are nulls: excluded from the moments and scored 0.
func ZScore(values []float64, threshold float64) (ZScoreResult, error) {
	if threshold <= 0 || math.IsNaN(threshold) {
		return ZScoreResult{}, &utils.InvalidThresholdError{Field: "z_score_threshold", Value: threshold}
	}

	mean, stdDev, _ := Moments(values)
	result := ZScoreResult{
		Mean:      mean,
		StdDev:    stdDev,
		Threshold: threshold,
		Scores:    make([]float64, len(values)),
	}

	for i, v := range values {
		if math.IsNaN(v) || stdDev == 0 {
			continue
		}
		score := (v - mean) / stdDev
		result.Scores[i] = score
		abs := math.Abs(score)
		if abs > result.MaxAbs {
			result.MaxAbs = abs
		}
		if abs > threshold {
			result.Outliers = append(result.Outliers, i)
		}
	}
	return result, nil
}

// Moments returns the mean and sample (n-1) standard deviation of the non-NaN values,
// plus how many values contributed.
func Moments(values []float64) (mean, stdDev float64, n int) {
	sum := 0.0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0, n
	}

	variance := 0.0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n - 1)
	stdDev = math.Sqrt(variance)
	// Floating point noise on a constant series must not register as dispersion.
	if stdDev < 1e-12*math.Max(1, math.Abs(mean)) {
		stdDev = 0
	}
	return mean, stdDev, n
}
