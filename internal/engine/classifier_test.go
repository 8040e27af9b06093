package engine

import (
	"errors"
	"testing"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func samplesOf(values ...float64) []models.MetricSample {
	out := make([]models.MetricSample, len(values))
	for i, v := range values {
		out[i] = models.MetricSample{PropertyID: "prop-1", MetricName: "dscr", Value: v, AsOf: baseTime.AddDate(0, 0, -7*(len(values)-1-i))}
	}
	return out
}

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(DefaultClassifierConfig())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func classifyValues(t *testing.T, c *Classifier, method models.AnalysisMethod, values ...float64) models.AnalysisResult {
	t.Helper()
	result, err := c.Classify(ClassifyInput{
		Key:          models.SeriesKey{PropertyID: "prop-1", MetricName: "dscr"},
		AnalysisDate: baseTime,
		Samples:      samplesOf(values...),
		Method:       method,
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	return result
}

func TestClassifyConstantSeriesIsQuiet(t *testing.T) {
	c := newTestClassifier(t)
	result := classifyValues(t, c, "", 1.4, 1.4, 1.4, 1.4, 1.4, 1.4)

	if result.AnomaliesFound {
		t.Fatalf("constant series flagged: %+v", result.Flagged)
	}
	if result.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", result.Confidence)
	}
	if result.RequiresAlert || result.RequiresReview {
		t.Fatalf("constant series should need neither alert nor review")
	}
	if result.AnomalyType != models.AnomalyNone {
		t.Fatalf("anomaly type = %q", result.AnomalyType)
	}
	if result.SamplesCount != 6 {
		t.Fatalf("samples count = %d", result.SamplesCount)
	}
}

func TestClassifySharpDropIsMultiple(t *testing.T) {
	c := newTestClassifier(t)
	result := classifyValues(t, c, models.MethodCombination, shiftedSeries()...)

	if !result.AnomaliesFound {
		t.Fatalf("expected anomaly")
	}
	if result.AnomalyType != models.AnomalyMultiple {
		t.Fatalf("anomaly type = %q, want multiple", result.AnomalyType)
	}
	if result.ZScoreFlagged != 1 || result.CUSUMFlagged != 1 {
		t.Fatalf("flagged z=%d cusum=%d, want 1/1", result.ZScoreFlagged, result.CUSUMFlagged)
	}
	if result.CUSUMDirection != models.ShiftDownward {
		t.Fatalf("direction = %q", result.CUSUMDirection)
	}
	if len(result.Flagged) != 1 {
		t.Fatalf("expected the drop to be reported once, got %d points", len(result.Flagged))
	}
	if result.Flagged[0].Value != 0.95 {
		t.Fatalf("flagged value = %v", result.Flagged[0].Value)
	}
	if result.Confidence < 0.85 || result.Confidence > 1 {
		t.Fatalf("confidence = %v, want in [0.85, 1]", result.Confidence)
	}
	if !result.RequiresAlert {
		t.Fatalf("high confidence anomaly should require an alert")
	}
}

func TestClassifyMethodSelectsAnalyzers(t *testing.T) {
	c := newTestClassifier(t)

	z := classifyValues(t, c, models.MethodZScore, shiftedSeries()...)
	if z.AnomalyType != models.AnomalyOutlier {
		t.Fatalf("z_score type = %q", z.AnomalyType)
	}
	if z.CUSUMFlagged != 0 || z.CUSUMDirection != models.ShiftNone {
		t.Fatalf("z_score run should not carry cusum output: %+v", z)
	}

	cs := classifyValues(t, c, models.MethodCUSUM, shiftedSeries()...)
	if cs.AnomalyType != models.AnomalyTrendShift {
		t.Fatalf("cusum type = %q", cs.AnomalyType)
	}
	if cs.ZScores != nil || cs.ZScoreFlagged != 0 {
		t.Fatalf("cusum run should not carry z scores")
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	c := newTestClassifier(t)
	for _, values := range [][]float64{nil, {1.4}, {1.4, 1.3}} {
		_, err := c.Classify(ClassifyInput{
			Key:     models.SeriesKey{PropertyID: "prop-1", MetricName: "dscr"},
			Samples: samplesOf(values...),
		})
		var short *utils.InsufficientDataError
		if !errors.As(err, &short) {
			t.Fatalf("%d samples: err = %v, want InsufficientDataError", len(values), err)
		}
		if short.Have != len(values) || short.Need != 3 {
			t.Fatalf("error = %+v", short)
		}
	}
}

func TestClassifyUnsupportedMethod(t *testing.T) {
	c := newTestClassifier(t)
	for _, method := range []models.AnalysisMethod{models.MethodMLModel, models.MethodEnsemble, "bogus"} {
		_, err := c.Classify(ClassifyInput{Samples: samplesOf(1, 2, 3), Method: method})
		if !errors.Is(err, utils.ErrUnsupportedMethod) {
			t.Fatalf("method %q: err = %v", method, err)
		}
	}
}

func TestNewClassifierRejectsBadThresholds(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.ZScoreThreshold = 0
	var invalid *utils.InvalidThresholdError
	if _, err := NewClassifier(cfg); !errors.As(err, &invalid) {
		t.Fatalf("zero z threshold: err = %v", err)
	}

	cfg = DefaultClassifierConfig()
	cfg.AlertConfidence = 1.5
	if _, err := NewClassifier(cfg); !errors.As(err, &invalid) {
		t.Fatalf("confidence above one: err = %v", err)
	}
}

func TestConfidenceStaysInRange(t *testing.T) {
	for _, pair := range [][2]float64{{0, 0}, {1, 1}, {0.9, 0.8}, {0.2, 0}} {
		got := blendConfidence(pair[0], pair[1])
		if got < 0 || got > 1 {
			t.Fatalf("blend(%v) = %v", pair, got)
		}
	}
	if blendConfidence(0, 0) != 0 {
		t.Fatalf("no evidence should give zero confidence")
	}
}
