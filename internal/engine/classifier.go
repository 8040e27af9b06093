package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/stats"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// ClassifierConfig tunes the anomaly verdict.
type ClassifierConfig struct {
	Method          models.AnalysisMethod
	ZScoreThreshold float64
	CUSUM           stats.CUSUMOptions
	AlertConfidence float64
	MinSamples      int
	LookbackMonths  int
}

// DefaultClassifierConfig mirrors the shipped configuration.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Method:          models.MethodCombination,
		ZScoreThreshold: 2.5,
		CUSUM:           stats.CUSUMOptions{Threshold: stats.DefaultCUSUMThreshold, Slack: stats.DefaultCUSUMSlack},
		AlertConfidence: 0.70,
		MinSamples:      3,
		LookbackMonths:  12,
	}
}

// Classifier combines analyzer output into an AnalysisResult.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier validates cfg and returns a classifier.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.Method == "" {
		cfg.Method = models.MethodCombination
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.LookbackMonths <= 0 {
		cfg.LookbackMonths = 12
	}
	if cfg.ZScoreThreshold <= 0 {
		return nil, &utils.InvalidThresholdError{Field: "z_score_threshold", Value: cfg.ZScoreThreshold}
	}
	if cfg.AlertConfidence <= 0 || cfg.AlertConfidence > 1 {
		return nil, &utils.InvalidThresholdError{Field: "alert_confidence", Value: cfg.AlertConfidence}
	}
	if cfg.CUSUM.Threshold < 0 {
		return nil, &utils.InvalidThresholdError{Field: "cusum_threshold", Value: cfg.CUSUM.Threshold}
	}
	if cfg.CUSUM.Threshold == 0 {
		cfg.CUSUM.Threshold = stats.DefaultCUSUMThreshold
	}
	return &Classifier{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Classifier) Config() ClassifierConfig {
	return c.cfg
}

// ClassifyInput is one (property, metric, analysis date) window.
type ClassifyInput struct {
	Key          models.SeriesKey
	AnalysisDate time.Time
	WindowStart  time.Time
	// Samples must be ordered by AsOf.
	Samples []models.MetricSample
	// Method overrides the configured method when set.
	Method models.AnalysisMethod
}

// Classify runs the analyzers selected by the method and returns the verdict. It never persists.
func (c *Classifier) Classify(in ClassifyInput) (models.AnalysisResult, error) {
	method := in.Method
	if method == "" {
		method = c.cfg.Method
	}
	runZ, runCUSUM, err := analyzersFor(method)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	values := make([]float64, 0, len(in.Samples))
	dates := make([]time.Time, 0, len(in.Samples))
	for _, s := range in.Samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		values = append(values, s.Value)
		dates = append(dates, s.AsOf)
	}
	if len(values) < c.cfg.MinSamples {
		return models.AnalysisResult{}, &utils.InsufficientDataError{
			PropertyID: in.Key.PropertyID,
			MetricName: in.Key.MetricName,
			Need:       c.cfg.MinSamples,
			Have:       len(values),
		}
	}

	result := models.AnalysisResult{
		PropertyID:     in.Key.PropertyID,
		MetricName:     in.Key.MetricName,
		AnalysisDate:   in.AnalysisDate,
		Status:         models.AnalysisCompleted,
		WindowStart:    in.WindowStart,
		WindowEnd:      in.AnalysisDate,
		LookbackMonths: c.cfg.LookbackMonths,
		SamplesCount:   len(values),
		Method:         method,
		CUSUMDirection: models.ShiftNone,
	}
	if result.WindowStart.IsZero() {
		result.WindowStart = dates[0]
	}

	flagged := newFlagSet(values, dates)
	var zComponent, cusumComponent float64

	if runZ {
		z, err := stats.ZScore(values, c.cfg.ZScoreThreshold)
		if err != nil {
			return models.AnalysisResult{}, err
		}
		result.ZScoreThreshold = z.Threshold
		result.ZScores = z.Scores
		result.ZScoreFlagged = len(z.Outliers)
		for _, idx := range z.Outliers {
			side := "above"
			if z.Scores[idx] < 0 {
				side = "below"
			}
			flagged.add(idx, fmt.Sprintf("%s %.4f is %.1fσ %s the window mean %.4f",
				in.Key.MetricName, values[idx], math.Abs(z.Scores[idx]), side, z.Mean))
		}
		if z.Detected() {
			zComponent = zScoreConfidence(z, len(values))
		}
	}

	if runCUSUM {
		cs, err := stats.CUSUM(values, c.cfg.CUSUM)
		if err != nil {
			return models.AnalysisResult{}, err
		}
		result.CUSUMThreshold = cs.Threshold
		result.CUSUMDirection = cs.Direction
		result.CUSUMFlagged = len(cs.ShiftPoints)
		result.CUSUMMax = cs.MaxStatistic
		for _, idx := range cs.ShiftPoints {
			word := string(cs.Direction)
			if cs.Direction == models.ShiftBoth {
				word = shiftWord(values, idx)
			}
			flagged.add(idx, fmt.Sprintf("%s sustained %s shift detected at %.4f",
				in.Key.MetricName, word, values[idx]))
		}
		if cs.Detected() {
			cusumComponent = cusumConfidence(cs)
		}
	}

	zFired := result.ZScoreFlagged > 0
	cusumFired := result.CUSUMFlagged > 0
	result.AnomaliesFound = zFired || cusumFired
	switch {
	case zFired && cusumFired:
		result.AnomalyType = models.AnomalyMultiple
	case zFired:
		result.AnomalyType = models.AnomalyOutlier
	case cusumFired:
		result.AnomalyType = models.AnomalyTrendShift
	}
	result.Confidence = blendConfidence(zComponent, cusumComponent)
	result.Flagged = flagged.points()
	result.RequiresReview = result.AnomaliesFound
	result.RequiresAlert = result.AnomaliesFound && result.Confidence >= c.cfg.AlertConfidence
	return result, nil
}

func analyzersFor(method models.AnalysisMethod) (z, cusum bool, err error) {
	switch method {
	case models.MethodZScore:
		return true, false, nil
	case models.MethodCUSUM:
		return false, true, nil
	case models.MethodCombination:
		return true, true, nil
	case models.MethodMLModel, models.MethodEnsemble:
		return false, false, fmt.Errorf("%s: %w", method, utils.ErrUnsupportedMethod)
	default:
		return false, false, fmt.Errorf("unknown method %q: %w", method, utils.ErrUnsupportedMethod)
	}
}

// zScoreConfidence lands in [0.5, 1]: magnitude of the worst outlier beyond the threshold plus
// the share of the window that was flagged.
func zScoreConfidence(z stats.ZScoreResult, n int) float64 {
	excess := (z.MaxAbs - z.Threshold) / z.Threshold
	fraction := float64(len(z.Outliers)) / float64(n)
	return 0.5 + 0.3*clamp(excess, 0, 1) + 0.2*clamp(fraction*4, 0, 1)
}

// cusumConfidence lands in [0.5, 1] by how far the peak statistic exceeded h.
func cusumConfidence(cs stats.CUSUMResult) float64 {
	excess := (cs.MaxStatistic - cs.Threshold) / cs.Threshold
	return 0.5 + 0.5*clamp(excess, 0, 1)
}

func blendConfidence(a, b float64) float64 {
	hi, lo := math.Max(a, b), math.Min(a, b)
	return clamp(hi+0.25*lo, 0, 1)
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func shiftWord(values []float64, idx int) string {
	if idx > 0 && values[idx] < values[idx-1] {
		return "downward"
	}
	if idx > 0 && values[idx] > values[idx-1] {
		return "upward"
	}
	return "level"
}

// flagSet merges flags from both analyzers so each sample appears once, in window order.
type flagSet struct {
	values []float64
	dates  []time.Time
	notes  map[int][]string
}

func newFlagSet(values []float64, dates []time.Time) *flagSet {
	return &flagSet{values: values, dates: dates, notes: make(map[int][]string)}
}

func (f *flagSet) add(idx int, note string) {
	f.notes[idx] = append(f.notes[idx], note)
}

func (f *flagSet) points() []models.FlaggedPoint {
	idxs := make([]int, 0, len(f.notes))
	for idx := range f.notes {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]models.FlaggedPoint, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, models.FlaggedPoint{
			Value:       f.values[idx],
			Date:        f.dates[idx],
			Description: strings.Join(f.notes[idx], "; "),
		})
	}
	return out
}
