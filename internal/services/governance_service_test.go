package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store/memory"
)

var now = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type historyStub struct {
	series map[models.SeriesKey][]models.MetricSample
}

func (h *historyStub) put(propertyID, metric string, values ...float64) {
	samples := make([]models.MetricSample, len(values))
	for i, v := range values {
		samples[i] = models.MetricSample{PropertyID: propertyID, MetricName: metric, Value: v, AsOf: now.AddDate(0, 0, -7*(len(values)-1-i))}
	}
	h.series[models.SeriesKey{PropertyID: propertyID, MetricName: metric}] = samples
}

func (h *historyStub) FetchMetricHistory(_ context.Context, propertyID, metric string, start, end time.Time) ([]models.MetricSample, error) {
	out := make([]models.MetricSample, 0)
	for _, s := range h.series[models.SeriesKey{PropertyID: propertyID, MetricName: metric}] {
		if !s.AsOf.Before(start) && !s.AsOf.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

type listerStub struct {
	ids []string
	err error
}

func (l listerStub) ListPropertyIDs(context.Context) ([]string, error) {
	return l.ids, l.err
}

func newTestService(t *testing.T, lister PropertyLister) (*GovernanceService, *historyStub) {
	t.Helper()
	history := &historyStub{series: make(map[models.SeriesKey][]models.MetricSample)}
	var n atomic.Int64
	deps := engine.Deps{
		Store: memory.New(),
		Now:   func() time.Time { return now },
		NewID: func() string { return fmt.Sprintf("id-%03d", n.Add(1)) },
	}
	rules := engine.DefaultRuleTable()
	locks, err := engine.NewLockEngine(deps, rules, engine.DefaultLockConfig())
	if err != nil {
		t.Fatalf("lock engine: %v", err)
	}
	alerts, err := engine.NewAlertGenerator(deps, rules, locks, history, engine.DefaultAlertConfig())
	if err != nil {
		t.Fatalf("alert generator: %v", err)
	}
	classifier, err := engine.NewClassifier(engine.DefaultClassifierConfig())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	analyzer, err := engine.NewAnalyzer(deps, history, classifier, alerts, 2)
	if err != nil {
		t.Fatalf("analyzer: %v", err)
	}
	svc, err := NewGovernanceService(Options{
		Store:        deps.Store,
		Locks:        locks,
		Alerts:       alerts,
		Analyzer:     analyzer,
		Properties:   lister,
		BatchMetrics: []string{"dscr"},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, history
}

func TestCanProceedReportsBlockingLocks(t *testing.T) {
	svc, history := newTestService(t, nil)
	ctx := context.Background()
	history.put("prop-1", "dscr", 1.40, 1.38, 1.35, 0.95)

	outcomes, err := svc.CheckThresholds(ctx, "prop-1")
	if err != nil {
		t.Fatalf("check thresholds: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Lock == nil {
		t.Fatalf("expected one locked alert, got %+v", outcomes)
	}
	lockID := outcomes[0].Lock.ID

	decision, err := svc.CanProceed(ctx, "prop-1", "refinance")
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if decision.Allowed || len(decision.BlockingLockIDs) != 1 || decision.BlockingLockIDs[0] != lockID {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if len(decision.Reasons) != 1 {
		t.Fatalf("expected one reason, got %v", decision.Reasons)
	}

	decision, err = svc.CanProceed(ctx, "prop-1", "acquire")
	if err != nil || !decision.Allowed {
		t.Fatalf("acquire should be allowed: %+v, %v", decision, err)
	}
	decision, err = svc.CanProceed(ctx, "prop-2", "refinance")
	if err != nil || !decision.Allowed {
		t.Fatalf("unlocked property should be allowed: %+v, %v", decision, err)
	}

	if _, err := svc.CanProceed(ctx, "prop-1", "demolish"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := svc.CanProceed(ctx, "", "sell"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestPropertySummaryAndResolution(t *testing.T) {
	svc, history := newTestService(t, nil)
	ctx := context.Background()
	history.put("prop-1", "dscr", 1.40, 1.38, 1.35, 0.95)
	history.put("prop-1", "occupancy", 0.95, 0.88)

	outcomes, err := svc.CheckThresholds(ctx, "prop-1")
	if err != nil {
		t.Fatalf("check thresholds: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected critical dscr and warning occupancy, got %d", len(outcomes))
	}

	summary, err := svc.PropertySummary(ctx, "prop-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.HasActiveRestriction || summary.Alerts.Total != 2 || summary.Alerts.Pending != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Locks.ActiveLocks != 1 || summary.Alerts.BySeverity[models.SeverityWarning] != 1 {
		t.Fatalf("unexpected lock/alert breakdown: %+v", summary)
	}

	pending, err := svc.PendingAlerts(ctx, "finance_subcommittee")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}

	if _, err := svc.ResolveAlert(ctx, engine.ResolveRequest{AlertID: pending[0].ID, Actor: "ana", Role: engine.RoleSupervisor, Decision: "maybe"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	resolved, err := svc.ResolveAlert(ctx, engine.ResolveRequest{AlertID: pending[0].ID, Actor: "ana", Role: engine.RoleSupervisor, Decision: models.DecisionApprove})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Alert.Status != models.AlertApproved || len(resolved.Unlocked) != 1 {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	summary, err = svc.PropertySummary(ctx, "prop-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.HasActiveRestriction || summary.Locks.ActiveLocks != 0 || summary.Alerts.Pending != 1 {
		t.Fatalf("unexpected summary after resolution: %+v", summary)
	}
}

func TestRunNightlyBatchAndTrend(t *testing.T) {
	svc, history := newTestService(t, listerStub{ids: []string{"prop-1", "prop-2"}})
	ctx := context.Background()
	values := make([]float64, 0, 36)
	for i := 0; i < 35; i++ {
		values = append(values, 1.40+0.01*float64(i%3))
	}
	history.put("prop-1", "dscr", append(values, 0.95)...)

	report, err := svc.RunNightlyBatch(ctx, now)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if report.Pairs != 2 || report.Completed != 1 || len(report.Skipped) != 1 || report.Anomalies != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rerun, err := svc.RunAnalysis(ctx, engine.AnalysisRequest{PropertyID: "prop-1", MetricName: "dscr", AnalysisDate: now})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rerun.Alert == nil || !rerun.Alert.Suppressed {
		t.Fatalf("rerun should be suppressed by the pending anomaly alert: %+v", rerun.Alert)
	}

	trends, err := svc.AnomalyTrend(ctx, "prop-1", "dscr")
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trends) != 1 || trends[0].Runs != 2 || trends[0].AnomalousRuns != 2 {
		t.Fatalf("unexpected trends: %+v", trends)
	}
	if svc.LatencyP95() <= 0 {
		t.Fatalf("expected latency to be tracked")
	}
}

func TestRunNightlyBatchListFailure(t *testing.T) {
	svc, _ := newTestService(t, listerStub{err: errors.New("metric store down")})
	if _, err := svc.RunNightlyBatch(context.Background(), now); err == nil {
		t.Fatalf("expected list failure to surface")
	}
}

func TestSweepsAndHealth(t *testing.T) {
	svc, history := newTestService(t, nil)
	ctx := context.Background()
	history.put("prop-1", "ltv", 0.70, 0.85)
	if _, err := svc.CheckThresholds(ctx, "prop-1"); err != nil {
		t.Fatalf("check thresholds: %v", err)
	}

	report, err := svc.ExpireOldLocks(ctx, 0)
	if err != nil {
		t.Fatalf("expire locks: %v", err)
	}
	if report.Examined != 0 || report.Affected != 0 {
		t.Fatalf("fresh lock should not be examined: %+v", report)
	}
	if _, err := svc.ExpirePendingAlerts(ctx); err != nil {
		t.Fatalf("expire alerts: %v", err)
	}
	if _, err := svc.UnlockLock(ctx, "", "ops", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	status, err := svc.HealthCheck(ctx)
	if err != nil || status != "SERVING" {
		t.Fatalf("health = %s, err = %v", status, err)
	}
}
