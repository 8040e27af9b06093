package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func storedResults(t *testing.T, h *harness, propertyID, metric string) []models.AnalysisResult {
	t.Helper()
	var results []models.AnalysisResult
	err := h.store.View(context.Background(), func(tx store.Reader) error {
		var err error
		results, err = tx.ListAnalysisResults(propertyID, metric)
		return err
	})
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	return results
}

func TestRunAnalysisRaisesAnomalyAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())
	h.history.put("prop-1", "dscr", baseTime, shiftedSeries()...)

	outcome, err := h.analyzer.RunAnalysis(ctx, AnalysisRequest{PropertyID: "prop-1", MetricName: "dscr", AnalysisDate: baseTime})
	if err != nil {
		t.Fatalf("run analysis: %v", err)
	}
	if outcome.Result.ID == "" || outcome.Result.AnomalyType != models.AnomalyMultiple {
		t.Fatalf("result = %+v", outcome.Result)
	}
	if outcome.Alert == nil || !outcome.Alert.Created {
		t.Fatalf("expected anomaly alert, got %+v", outcome.Alert)
	}
	alert := outcome.Alert.Alert
	if alert.Condition != models.ConditionAnomaly || alert.Severity != models.SeverityCritical || alert.AnalysisResultID != outcome.Result.ID {
		t.Fatalf("alert = %+v", alert)
	}
	mustBlocked(t, h, "prop-1", models.ActionRefinance, true)

	if got := storedResults(t, h, "prop-1", "dscr"); len(got) != 1 {
		t.Fatalf("stored results = %d", len(got))
	}

	// A rerun appends a result and the pending alert suppresses a duplicate.
	again, err := h.analyzer.RunAnalysis(ctx, AnalysisRequest{PropertyID: "prop-1", MetricName: "dscr", AnalysisDate: baseTime})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if again.Alert == nil || !again.Alert.Suppressed {
		t.Fatalf("rerun alert = %+v", again.Alert)
	}
	if got := storedResults(t, h, "prop-1", "dscr"); len(got) != 2 {
		t.Fatalf("stored results after rerun = %d", len(got))
	}
}

func TestRunAnalysisShortWindowPersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())
	h.history.put("prop-1", "dscr", baseTime, 1.4)

	_, err := h.analyzer.RunAnalysis(ctx, AnalysisRequest{PropertyID: "prop-1", MetricName: "dscr", AnalysisDate: baseTime})
	var short *utils.InsufficientDataError
	if !errors.As(err, &short) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
	if got := storedResults(t, h, "prop-1", "dscr"); len(got) != 0 {
		t.Fatalf("stored results = %d", len(got))
	}
}

func TestRunAnalysisCancelledWritesNothing(t *testing.T) {
	h := newHarness(t, DefaultLockConfig())
	h.history.put("prop-1", "dscr", baseTime, shiftedSeries()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.analyzer.RunAnalysis(ctx, AnalysisRequest{PropertyID: "prop-1", MetricName: "dscr", AnalysisDate: baseTime}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := storedResults(t, h, "prop-1", "dscr"); len(got) != 0 {
		t.Fatalf("stored results = %d", len(got))
	}
	pending, _ := h.alerts.PendingAlerts(context.Background(), "")
	if len(pending) != 0 {
		t.Fatalf("pending alerts = %d", len(pending))
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())
	h.history.put("prop-1", "dscr", baseTime, shiftedSeries()...)
	h.history.put("prop-2", "dscr", baseTime, 1.4, 1.3)
	h.history.failFor[models.SeriesKey{PropertyID: "prop-3", MetricName: "dscr"}] = errors.New("metric store unavailable")
	h.history.put("prop-4", "dscr", baseTime, 1.4, 1.4, 1.4, 1.4, 1.4)

	report := h.analyzer.RunBatch(ctx, baseTime, Keys([]string{"prop-1", "prop-2", "prop-3", "prop-4"}, []string{"dscr"}))

	if report.Pairs != 4 || report.Completed != 2 {
		t.Fatalf("pairs=%d completed=%d", report.Pairs, report.Completed)
	}
	if report.Anomalies != 1 || report.AlertsCreated != 1 {
		t.Fatalf("anomalies=%d alerts=%d", report.Anomalies, report.AlertsCreated)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Key.PropertyID != "prop-2" {
		t.Fatalf("skipped = %+v", report.Skipped)
	}
	if len(report.Failures) != 1 || report.Failures[0].Key.PropertyID != "prop-3" {
		t.Fatalf("failures = %+v", report.Failures)
	}
	if got := storedResults(t, h, "prop-4", "dscr"); len(got) != 1 || got[0].AnomaliesFound {
		t.Fatalf("quiet series results = %+v", got)
	}
}

func TestKeysExpandsPairs(t *testing.T) {
	keys := Keys([]string{"a", "b"}, []string{"dscr", "ltv"})
	if len(keys) != 4 || keys[1] != (models.SeriesKey{PropertyID: "a", MetricName: "ltv"}) {
		t.Fatalf("keys = %v", keys)
	}
}
