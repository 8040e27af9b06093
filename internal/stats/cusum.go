package stats

import (
	"math"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

const (
	// DefaultCUSUMThreshold is the decision interval h in standard deviations.
	DefaultCUSUMThreshold = 5.0
	// DefaultCUSUMSlack is the allowance k in standard deviations.
	DefaultCUSUMSlack = 0.5
)

// CUSUMOptions tunes the tabular CUSUM.
type CUSUMOptions struct {
	Threshold float64
	Slack     float64
}

// CUSUMResult describes the shifts found in a window.
type CUSUMResult struct {
	Threshold float64
	Direction models.ShiftDirection
	// ShiftPoints holds indexes into the input where a statistic crossed the threshold.
	ShiftPoints    []int
	UpwardShifts   int
	DownwardShifts int
	MaxStatistic   float64
}

// Detected reports whether any shift was signalled.
func (r CUSUMResult) Detected() bool {
	return len(r.ShiftPoints) > 0
}

// CUSUM runs a two-sided tabular CUSUM over deviations standardised against the window mean and
// sample standard deviation. A statistic resets to zero after each signal.
func CUSUM(values []float64, opts CUSUMOptions) (CUSUMResult, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultCUSUMThreshold
	}
	if opts.Threshold < 0 || math.IsNaN(opts.Threshold) {
		return CUSUMResult{}, &utils.InvalidThresholdError{Field: "cusum_threshold", Value: opts.Threshold}
	}
	if opts.Slack < 0 || math.IsNaN(opts.Slack) {
		return CUSUMResult{}, &utils.InvalidThresholdError{Field: "cusum_slack", Value: opts.Slack}
	}

	result := CUSUMResult{Threshold: opts.Threshold, Direction: models.ShiftNone}
	mean, stdDev, n := Moments(values)
	if n < 2 || stdDev == 0 {
		return result, nil
	}

	var upper, lower float64
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		z := (v - mean) / stdDev
		upper = math.Max(0, upper+z-opts.Slack)
		lower = math.Max(0, lower-z-opts.Slack)
		result.MaxStatistic = math.Max(result.MaxStatistic, math.Max(upper, lower))

		signalled := false
		if upper > opts.Threshold {
			result.UpwardShifts++
			upper = 0
			signalled = true
		}
		if lower > opts.Threshold {
			result.DownwardShifts++
			lower = 0
			signalled = true
		}
		if signalled {
			result.ShiftPoints = append(result.ShiftPoints, i)
		}
	}

	switch {
	case result.UpwardShifts > 0 && result.DownwardShifts > 0:
		result.Direction = models.ShiftBoth
	case result.UpwardShifts > 0:
		result.Direction = models.ShiftUpward
	case result.DownwardShifts > 0:
		result.Direction = models.ShiftDownward
	}
	return result, nil
}
