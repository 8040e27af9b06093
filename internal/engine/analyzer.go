package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// AnalysisRequest asks for one (property, metric, date) run.
type AnalysisRequest struct {
	PropertyID   string
	MetricName   string
	AnalysisDate time.Time
	// Method overrides the configured analysis method.
	Method models.AnalysisMethod
}

// AnalysisOutcome is a persisted result plus the alert decision it triggered.
type AnalysisOutcome struct {
	Result models.AnalysisResult
	Alert  *AlertOutcome
}

// SeriesFailure is one failed or skipped pair in a batch.
type SeriesFailure struct {
	Key models.SeriesKey
	Err error
}

// BatchReport summarises a batch run. A failed pair never aborts the batch.
type BatchReport struct {
	AnalysisDate  time.Time
	Pairs         int
	Completed     int
	Anomalies     int
	AlertsCreated int
	Suppressed    int
	Skipped       []SeriesFailure
	Failures      []SeriesFailure
	Duration      time.Duration
}

// Analyzer runs analyses against metric history and persists their results.
type Analyzer struct {
	deps       Deps
	history    HistorySource
	classifier *Classifier
	alerts     *AlertGenerator
	workers    int
}

// NewAnalyzer wires the analysis runner. alerts may be nil to record results without alerting.
func NewAnalyzer(deps Deps, history HistorySource, classifier *Classifier, alerts *AlertGenerator, workers int) (*Analyzer, error) {
	deps, err := deps.normalise()
	if err != nil {
		return nil, err
	}
	if history == nil {
		return nil, fmt.Errorf("engine: metric history is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("engine: classifier is required")
	}
	if workers <= 0 {
		workers = 4
	}
	return &Analyzer{deps: deps, history: history, classifier: classifier, alerts: alerts, workers: workers}, nil
}

// RunAnalysis analyses one series over the lookback window ending at the analysis date. The
// result is appended in a single write; a window too short returns *utils.InsufficientDataError
// and persists nothing.
func (a *Analyzer) RunAnalysis(ctx context.Context, req AnalysisRequest) (AnalysisOutcome, error) {
	if req.PropertyID == "" || req.MetricName == "" {
		return AnalysisOutcome{}, fmt.Errorf("run_analysis: property and metric are required")
	}
	start := time.Now()
	date := req.AnalysisDate
	if date.IsZero() {
		date = a.deps.Now()
	}
	windowStart := date.AddDate(0, -a.classifier.Config().LookbackMonths, 0)

	raw, err := a.history.FetchMetricHistory(ctx, req.PropertyID, req.MetricName, windowStart, date)
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError, false)
		return AnalysisOutcome{}, utils.NewAppError("run_analysis", "fetch metric history", err)
	}
	samples := windowed(raw, windowStart, date)

	result, err := a.classifier.Classify(ClassifyInput{
		Key:          models.SeriesKey{PropertyID: req.PropertyID, MetricName: req.MetricName},
		AnalysisDate: date,
		WindowStart:  windowStart,
		Samples:      samples,
		Method:       req.Method,
	})
	if err != nil {
		var short *utils.InsufficientDataError
		if errors.As(err, &short) {
			metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeInsufficientData, false)
			return AnalysisOutcome{}, err
		}
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError, false)
		return AnalysisOutcome{}, utils.NewAppError("run_analysis", "classify", err)
	}

	result.ID = a.deps.NewID()
	result.CreatedAt = a.deps.Now()
	result.Duration = time.Since(start)

	// A run cancelled or timed out before the write leaves no row.
	if err := ctx.Err(); err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError, false)
		return AnalysisOutcome{}, err
	}
	if err := a.deps.Store.Atomically(ctx, func(tx store.Tx) error {
		return tx.InsertAnalysisResult(result)
	}); err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError, false)
		return AnalysisOutcome{}, utils.NewAppError("run_analysis", "persist result", err)
	}
	metrics.ObserveAnalysis(result.Duration, metrics.OutcomeSuccess, result.AnomaliesFound)

	outcome := AnalysisOutcome{Result: result}
	if result.RequiresAlert && a.alerts != nil {
		alert, err := a.alerts.FromAnalysis(ctx, result)
		if err != nil {
			return outcome, utils.NewAppError("run_analysis", "raise anomaly alert", err)
		}
		outcome.Alert = &alert
	}
	return outcome, nil
}

// RunBatch analyses every pair on a bounded worker pool. Short windows are reported as skipped,
// other errors as failures; successful results are kept either way.
func (a *Analyzer) RunBatch(ctx context.Context, date time.Time, keys []models.SeriesKey) BatchReport {
	start := time.Now()
	if date.IsZero() {
		date = a.deps.Now()
	}
	report := BatchReport{AnalysisDate: date, Pairs: len(keys)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(a.workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				report.Failures = append(report.Failures, SeriesFailure{Key: key, Err: err})
				mu.Unlock()
				return nil
			}
			outcome, err := a.RunAnalysis(ctx, AnalysisRequest{PropertyID: key.PropertyID, MetricName: key.MetricName, AnalysisDate: date})

			mu.Lock()
			defer mu.Unlock()
			var short *utils.InsufficientDataError
			switch {
			case errors.As(err, &short):
				report.Skipped = append(report.Skipped, SeriesFailure{Key: key, Err: err})
				return nil
			case err != nil && outcome.Result.ID == "":
				report.Failures = append(report.Failures, SeriesFailure{Key: key, Err: err})
				a.deps.Logger.Warn("analysis failed", slog.String("series", key.String()), slog.Any("error", err))
				return nil
			case err != nil:
				// Result persisted, alert path failed.
				report.Failures = append(report.Failures, SeriesFailure{Key: key, Err: err})
				a.deps.Logger.Warn("anomaly alert failed", slog.String("series", key.String()), slog.Any("error", err))
			}
			report.Completed++
			if outcome.Result.AnomaliesFound {
				report.Anomalies++
			}
			if outcome.Alert != nil {
				if outcome.Alert.Created {
					report.AlertsCreated++
				}
				if outcome.Alert.Suppressed {
					report.Suppressed++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sortFailures(report.Skipped)
	sortFailures(report.Failures)
	report.Duration = time.Since(start)
	return report
}

// Keys expands properties × metrics into series keys.
func Keys(propertyIDs, metricNames []string) []models.SeriesKey {
	keys := make([]models.SeriesKey, 0, len(propertyIDs)*len(metricNames))
	for _, p := range propertyIDs {
		for _, m := range metricNames {
			keys = append(keys, models.SeriesKey{PropertyID: p, MetricName: m})
		}
	}
	return keys
}

func windowed(samples []models.MetricSample, start, end time.Time) []models.MetricSample {
	out := make([]models.MetricSample, 0, len(samples))
	for _, s := range samples {
		if s.AsOf.Before(start) || s.AsOf.After(end) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
	return out
}

func sortFailures(failures []SeriesFailure) {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Key.String() < failures[j].Key.String()
	})
}
