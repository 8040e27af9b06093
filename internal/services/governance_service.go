package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/trends"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// ErrInvalidRequest marks caller input the service refuses before touching the engine.
var ErrInvalidRequest = errors.New("invalid request")

// PropertyLister enumerates the properties a nightly batch covers.
type PropertyLister interface {
	ListPropertyIDs(ctx context.Context) ([]string, error)
}

// Options wires the service collaborators.
type Options struct {
	Logger     *slog.Logger
	Store      store.Store
	Locks      *engine.LockEngine
	Alerts     *engine.AlertGenerator
	Analyzer   *engine.Analyzer
	Miner      *trends.Miner
	Properties PropertyLister
	// BatchMetrics overrides the rule table metrics analysed by the nightly batch.
	BatchMetrics  []string
	ExpiryAgeDays int
	// RunTimeout bounds a single on-demand analysis; 0 leaves it to the caller's deadline.
	RunTimeout time.Duration
}

// GovernanceService is the query and command surface over the governance engine.
type GovernanceService struct {
	logger        *slog.Logger
	store         store.Store
	locks         *engine.LockEngine
	alerts        *engine.AlertGenerator
	analyzer      *engine.Analyzer
	miner         *trends.Miner
	properties    PropertyLister
	batchMetrics  []string
	expiryAgeDays int
	runTimeout    time.Duration
	latencies     *utils.LatencyTracker
}

// NewGovernanceService constructs the service. Store, Locks and Alerts are required.
func NewGovernanceService(opts Options) (*GovernanceService, error) {
	if opts.Store == nil || opts.Locks == nil || opts.Alerts == nil {
		return nil, fmt.Errorf("governance service: store, locks and alerts are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	miner := opts.Miner
	if miner == nil {
		miner = trends.NewMiner(logger, nil)
	}
	if opts.ExpiryAgeDays <= 0 {
		opts.ExpiryAgeDays = 90
	}
	return &GovernanceService{
		logger:        logger,
		store:         opts.Store,
		locks:         opts.Locks,
		alerts:        opts.Alerts,
		analyzer:      opts.Analyzer,
		miner:         miner,
		properties:    opts.Properties,
		batchMetrics:  append([]string(nil), opts.BatchMetrics...),
		expiryAgeDays: opts.ExpiryAgeDays,
		runTimeout:    opts.RunTimeout,
		latencies:     utils.NewLatencyTracker(1024),
	}, nil
}

// CanProceed decides whether action may run on the property and names every lock in the way.
func (s *GovernanceService) CanProceed(ctx context.Context, propertyID, action string) (models.ActionDecision, error) {
	if propertyID == "" {
		return models.ActionDecision{}, fmt.Errorf("%w: property_id is required", ErrInvalidRequest)
	}
	act, ok := models.ParseAction(action)
	if !ok {
		return models.ActionDecision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
	}

	locks, err := s.locks.GetActiveLocks(ctx, propertyID)
	if err != nil {
		return models.ActionDecision{}, err
	}
	decision := models.ActionDecision{PropertyID: propertyID, Action: act, Allowed: true}
	for _, l := range locks {
		if !l.Blocks(act) {
			continue
		}
		decision.Allowed = false
		decision.BlockingLockIDs = append(decision.BlockingLockIDs, l.ID)
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s %s lock %s from alert %s since %s",
			l.Severity, l.LockType, l.ID, l.AlertID, l.LockedAt.UTC().Format(time.RFC3339)))
	}
	return decision, nil
}

// PendingAlerts lists a committee's open alerts in review order. An empty committee lists all.
func (s *GovernanceService) PendingAlerts(ctx context.Context, committee string) ([]models.Alert, error) {
	return s.alerts.PendingAlerts(ctx, committee)
}

// PropertySummary reads alerts, locks and the restriction flag from one snapshot.
func (s *GovernanceService) PropertySummary(ctx context.Context, propertyID string) (models.PropertySummary, error) {
	if propertyID == "" {
		return models.PropertySummary{}, fmt.Errorf("%w: property_id is required", ErrInvalidRequest)
	}
	var (
		alerts []models.Alert
		locks  []models.WorkflowLock
		state  models.PropertyState
	)
	err := s.store.View(ctx, func(tx store.Reader) error {
		var err error
		if alerts, err = tx.ListAlerts(models.AlertFilter{PropertyID: propertyID}); err != nil {
			return err
		}
		if locks, err = tx.ListLocks(propertyID); err != nil {
			return err
		}
		state, err = tx.GetPropertyState(propertyID)
		return err
	})
	if err != nil {
		return models.PropertySummary{}, utils.NewAppError("property_summary", propertyID, err)
	}
	return models.PropertySummary{
		PropertyID:           propertyID,
		HasActiveRestriction: state.HasActiveRestriction,
		BlockedActions:       state.BlockedActions,
		Alerts:               engine.SummariseAlerts(alerts),
		Locks:                engine.SummariseLocks(propertyID, locks),
	}, nil
}

// RunAnalysis runs one analysis and records its latency.
func (s *GovernanceService) RunAnalysis(ctx context.Context, req engine.AnalysisRequest) (engine.AnalysisOutcome, error) {
	if s.analyzer == nil {
		return engine.AnalysisOutcome{}, fmt.Errorf("run_analysis: analyzer not configured")
	}
	if req.PropertyID == "" || req.MetricName == "" {
		return engine.AnalysisOutcome{}, fmt.Errorf("%w: property_id and metric_name are required", ErrInvalidRequest)
	}
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	start := time.Now()
	outcome, err := s.analyzer.RunAnalysis(ctx, req)
	s.observeLatency(time.Since(start))
	return outcome, err
}

// RunNightlyBatch analyses every listed property over the batch metrics.
func (s *GovernanceService) RunNightlyBatch(ctx context.Context, date time.Time) (engine.BatchReport, error) {
	if s.analyzer == nil || s.properties == nil {
		return engine.BatchReport{}, fmt.Errorf("nightly batch: analyzer and property lister are required")
	}
	props, err := s.properties.ListPropertyIDs(ctx)
	if err != nil {
		return engine.BatchReport{}, utils.NewAppError("nightly_batch", "list properties", err)
	}
	metricNames := s.batchMetrics
	if len(metricNames) == 0 {
		metricNames = s.alerts.Rules().Metrics()
	}
	report := s.analyzer.RunBatch(ctx, date, engine.Keys(props, metricNames))
	s.logger.Info("nightly analysis finished",
		slog.Int("pairs", report.Pairs),
		slog.Int("completed", report.Completed),
		slog.Int("anomalies", report.Anomalies),
		slog.Int("alerts_created", report.AlertsCreated),
		slog.Int("suppressed", report.Suppressed),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("elapsed", report.Duration),
	)
	if len(report.Failures) > 0 && report.Completed == 0 && len(report.Skipped) == 0 {
		return report, fmt.Errorf("nightly batch: all %d pairs failed: %w", len(report.Failures), report.Failures[0].Err)
	}
	return report, nil
}

// CheckThresholds evaluates the latest value of every rule metric for a property.
func (s *GovernanceService) CheckThresholds(ctx context.Context, propertyID string) ([]engine.AlertOutcome, error) {
	if propertyID == "" {
		return nil, fmt.Errorf("%w: property_id is required", ErrInvalidRequest)
	}
	outcomes, err := s.alerts.CheckThresholds(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	s.refreshActiveLocks(ctx)
	return outcomes, nil
}

// ResolveAlert records a committee decision and releases the alert's locks.
func (s *GovernanceService) ResolveAlert(ctx context.Context, req engine.ResolveRequest) (engine.ResolveOutcome, error) {
	if req.AlertID == "" || req.Actor == "" {
		return engine.ResolveOutcome{}, fmt.Errorf("%w: alert_id and actor are required", ErrInvalidRequest)
	}
	if req.Decision != models.DecisionApprove && req.Decision != models.DecisionReject {
		return engine.ResolveOutcome{}, fmt.Errorf("%w: decision must be approve or reject", ErrInvalidRequest)
	}
	outcome, err := s.alerts.ResolveAlert(ctx, req)
	if err != nil {
		return engine.ResolveOutcome{}, err
	}
	s.refreshActiveLocks(ctx)
	return outcome, nil
}

// UnlockLock manually releases one lock.
func (s *GovernanceService) UnlockLock(ctx context.Context, lockID, actor, reason string) (models.WorkflowLock, error) {
	if lockID == "" || actor == "" {
		return models.WorkflowLock{}, fmt.Errorf("%w: lock_id and actor are required", ErrInvalidRequest)
	}
	lock, err := s.locks.UnlockLock(ctx, lockID, actor, reason)
	if err != nil {
		return models.WorkflowLock{}, err
	}
	s.refreshActiveLocks(ctx)
	return lock, nil
}

// ExpireOldLocks runs the lock-age sweep; ageDays 0 uses the configured age.
func (s *GovernanceService) ExpireOldLocks(ctx context.Context, ageDays int) (engine.SweepReport, error) {
	if ageDays == 0 {
		ageDays = s.expiryAgeDays
	}
	report, err := s.locks.ExpireOldLocks(ctx, ageDays)
	if err != nil {
		return report, err
	}
	s.refreshActiveLocks(ctx)
	return report, nil
}

// ExpirePendingAlerts moves overdue pending alerts to expired.
func (s *GovernanceService) ExpirePendingAlerts(ctx context.Context) (engine.SweepReport, error) {
	return s.locks.ExpirePendingAlerts(ctx)
}

// AnomalyTrend mines the retained results of a property, optionally narrowed to one metric.
func (s *GovernanceService) AnomalyTrend(ctx context.Context, propertyID, metricName string) ([]models.AnomalyTrend, error) {
	if propertyID == "" {
		return nil, fmt.Errorf("%w: property_id is required", ErrInvalidRequest)
	}
	var results []models.AnalysisResult
	err := s.store.View(ctx, func(tx store.Reader) error {
		var err error
		results, err = tx.ListAnalysisResults(propertyID, metricName)
		return err
	})
	if err != nil {
		return nil, utils.NewAppError("anomaly_trend", propertyID, err)
	}
	return s.miner.Mine(ctx, results)
}

// HealthCheck reports whether the store answers reads.
func (s *GovernanceService) HealthCheck(ctx context.Context) (string, error) {
	err := s.store.View(ctx, func(tx store.Reader) error {
		_, err := tx.GetPropertyState("__health__")
		return err
	})
	if err != nil {
		return "NOT_SERVING", err
	}
	return "SERVING", nil
}

// LatencyP95 exposes the current 95th percentile analysis latency.
func (s *GovernanceService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *GovernanceService) observeLatency(d time.Duration) {
	s.latencies.Observe(d)
	if s.latencies.Count()%20 == 0 {
		s.logger.Info("analysis latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Duration("mean", s.latencies.Mean()))
	}
}

var openEnded = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// refreshActiveLocks updates the active lock gauge; a failed count is only logged.
func (s *GovernanceService) refreshActiveLocks(ctx context.Context) {
	var active []models.WorkflowLock
	err := s.store.View(ctx, func(tx store.Reader) error {
		var err error
		active, err = tx.ListActiveLocksBefore(openEnded)
		return err
	})
	if err != nil {
		s.logger.Warn("count active locks", slog.Any("error", err))
		return
	}
	metrics.SetActiveLocks(len(active))
}
