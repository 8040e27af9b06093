package api

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-governance/internal/config"
	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/services"
	"github.com/miradorstack/mirador-governance/internal/store/memory"
)

var testNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type staticHistory map[models.SeriesKey][]float64

func (h staticHistory) FetchMetricHistory(_ context.Context, propertyID, metric string, _, _ time.Time) ([]models.MetricSample, error) {
	values := h[models.SeriesKey{PropertyID: propertyID, MetricName: metric}]
	out := make([]models.MetricSample, len(values))
	for i, v := range values {
		out[i] = models.MetricSample{PropertyID: propertyID, MetricName: metric, Value: v, AsOf: testNow.AddDate(0, 0, -7*(len(values)-1-i))}
	}
	return out, nil
}

func newTestClient(t *testing.T, history staticHistory) *grpc.ClientConn {
	t.Helper()
	n := 0
	deps := engine.Deps{
		Store: memory.New(),
		Now:   func() time.Time { return testNow },
		NewID: func() string { n++; return fmt.Sprintf("id-%03d", n) },
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
	analyzer, err := engine.NewAnalyzer(deps, history, classifier, alerts, 1)
	if err != nil {
		t.Fatalf("analyzer: %v", err)
	}
	svc, err := services.NewGovernanceService(services.Options{Store: deps.Store, Locks: locks, Alerts: alerts, Analyzer: analyzer})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewServerOnListener(lis, config.ServerConfig{GracefulTimeout: time.Second}, NewHandler(svc, nil))
	go func() { _ = srv.Start() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	out := new(structpb.Struct)
	err := conn.Invoke(context.Background(), "/"+ServiceName+"/"+method, mustStruct(t, fields), out)
	return out, err
}

func TestGovernanceEngineOverGRPC(t *testing.T) {
	conn := newTestClient(t, staticHistory{
		{PropertyID: "prop-1", MetricName: "dscr"}: {1.40, 1.38, 1.35, 0.95},
	})

	health, err := invoke(t, conn, "HealthCheck", nil)
	if err != nil || health.GetFields()["status"].GetStringValue() != "SERVING" {
		t.Fatalf("health = %v, err = %v", health, err)
	}

	checked, err := invoke(t, conn, "CheckThresholds", map[string]any{"property_id": "prop-1"})
	if err != nil {
		t.Fatalf("check thresholds: %v", err)
	}
	outcomes := checked.GetFields()["outcomes"].GetListValue().GetValues()
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	alertID := outcomes[0].GetStructValue().GetFields()["alert"].GetStructValue().GetFields()["id"].GetStringValue()

	decision, err := invoke(t, conn, "CanProceed", map[string]any{"property_id": "prop-1", "action": "refinance"})
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if decision.GetFields()["allowed"].GetBoolValue() || len(decision.GetFields()["blocking_lock_ids"].GetListValue().GetValues()) != 1 {
		t.Fatalf("expected refinance to be blocked: %v", decision)
	}

	pending, err := invoke(t, conn, "PendingAlerts", map[string]any{"committee": "finance_subcommittee"})
	if err != nil || pending.GetFields()["count"].GetNumberValue() != 1 {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}

	_, err = invoke(t, conn, "ResolveAlert", map[string]any{"alert_id": alertID, "actor": "ana", "role": "analyst", "decision": "approve"})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	resolved, err := invoke(t, conn, "ResolveAlert", map[string]any{"alert_id": alertID, "actor": "sam", "role": "supervisor", "decision": "approve"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved.GetFields()["unlocked"].GetListValue().GetValues()) != 1 {
		t.Fatalf("expected one released lock: %v", resolved)
	}
	_, err = invoke(t, conn, "ResolveAlert", map[string]any{"alert_id": alertID, "actor": "sam", "role": "supervisor", "decision": "reject"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition on resolved alert, got %v", err)
	}

	summary, err := invoke(t, conn, "PropertySummary", map[string]any{"property_id": "prop-1"})
	if err != nil || summary.GetFields()["has_active_restriction"].GetBoolValue() {
		t.Fatalf("summary = %v, err = %v", summary, err)
	}
}

func TestGovernanceEngineErrorCodes(t *testing.T) {
	conn := newTestClient(t, staticHistory{
		{PropertyID: "prop-1", MetricName: "dscr"}: {1.40},
	})

	if _, err := invoke(t, conn, "RunAnalysis", map[string]any{"property_id": "prop-1"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := invoke(t, conn, "RunAnalysis", map[string]any{"property_id": "prop-1", "metric_name": "dscr"}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition for a short window, got %v", err)
	}
	if _, err := invoke(t, conn, "CanProceed", map[string]any{"property_id": "prop-1", "action": "demolish"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := invoke(t, conn, "UnlockLock", map[string]any{"lock_id": "missing", "actor": "ops"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := invoke(t, conn, "ExpireOldLocks", map[string]any{"age_days": -1}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for negative age, got %v", err)
	}
	sweep, err := invoke(t, conn, "ExpirePendingAlerts", nil)
	if err != nil || sweep.GetFields()["affected"].GetNumberValue() != 0 {
		t.Fatalf("sweep = %v, err = %v", sweep, err)
	}
}
