package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/notify"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// AlertConfig tunes the alert generator.
type AlertConfig struct {
	DefaultTTL         time.Duration
	CriticalConfidence float64
	// ThresholdLookback bounds how far back the latest value for a threshold check is searched.
	ThresholdLookback time.Duration
}

// DefaultAlertConfig uses a 30 day TTL and escalates anomalies at 0.85 confidence.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		DefaultTTL:         30 * 24 * time.Hour,
		CriticalConfidence: 0.85,
		ThresholdLookback:  366 * 24 * time.Hour,
	}
}

// AlertOutcome reports one generator decision.
type AlertOutcome struct {
	Alert      models.Alert
	Created    bool
	Suppressed bool
	// Escalated marks a pending alert raised to a more severe tier by this breach.
	Escalated bool
	Lock      *models.WorkflowLock
	// Err is ErrDuplicateAlertSuppressed for suppressed outcomes.
	Err error
}

// ResolveRequest is a committee decision on a pending alert.
type ResolveRequest struct {
	AlertID  string
	Actor    string
	Role     Role
	Decision models.Decision
	Notes    string
}

// ResolveOutcome is the resolved alert plus the locks its resolution released.
type ResolveOutcome struct {
	Alert    models.Alert
	Unlocked []models.WorkflowLock
}

// AlertGenerator turns threshold breaches and anomaly verdicts into committee alerts.
type AlertGenerator struct {
	deps    Deps
	cfg     AlertConfig
	rules   *RuleTable
	locks   *LockEngine
	history HistorySource
}

// NewAlertGenerator wires the generator. history may be nil when only CheckValue and FromAnalysis
// are used.
func NewAlertGenerator(deps Deps, rules *RuleTable, locks *LockEngine, history HistorySource, cfg AlertConfig) (*AlertGenerator, error) {
	deps, err := deps.normalise()
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = DefaultRuleTable()
	}
	if locks == nil {
		return nil, fmt.Errorf("engine: lock engine is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * 24 * time.Hour
	}
	if cfg.CriticalConfidence <= 0 || cfg.CriticalConfidence > 1 {
		return nil, &utils.InvalidThresholdError{Field: "critical_confidence", Value: cfg.CriticalConfidence}
	}
	if cfg.ThresholdLookback <= 0 {
		cfg.ThresholdLookback = 366 * 24 * time.Hour
	}
	return &AlertGenerator{deps: deps, cfg: cfg, rules: rules, locks: locks, history: history}, nil
}

// Rules exposes the routing table.
func (g *AlertGenerator) Rules() *RuleTable {
	return g.rules
}

// draft is an alert before dedupe and persistence.
type draft struct {
	alert models.Alert
	ttl   time.Duration
}

// CheckThresholds compares the latest value of every whitelisted metric against its rule.
func (g *AlertGenerator) CheckThresholds(ctx context.Context, propertyID string) ([]AlertOutcome, error) {
	if g.history == nil {
		return nil, fmt.Errorf("check_thresholds: metric history not configured")
	}
	now := g.deps.Now()
	drafts := make([]draft, 0)
	for _, metric := range g.rules.Metrics() {
		samples, err := g.history.FetchMetricHistory(ctx, propertyID, metric, now.Add(-g.cfg.ThresholdLookback), now)
		if err != nil {
			return nil, utils.NewAppError("check_thresholds", fmt.Sprintf("fetch %s history", metric), err)
		}
		latest, ok := latestSample(samples)
		if !ok {
			continue
		}
		if d, breached := g.thresholdDraft(propertyID, metric, latest.Value, now); breached {
			drafts = append(drafts, d)
		}
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	return g.persist(ctx, propertyID, drafts)
}

// CheckValue evaluates one observed value for a whitelisted metric. A zero ttl uses the default.
func (g *AlertGenerator) CheckValue(ctx context.Context, propertyID, metric string, value float64, ttl time.Duration) (AlertOutcome, error) {
	d, breached := g.thresholdDraft(propertyID, metric, value, g.deps.Now())
	if !breached {
		return AlertOutcome{}, nil
	}
	d.ttl = ttl
	outcomes, err := g.persist(ctx, propertyID, []draft{d})
	if err != nil {
		return AlertOutcome{}, err
	}
	return outcomes[0], nil
}

func (g *AlertGenerator) thresholdDraft(propertyID, metric string, value float64, now time.Time) (draft, bool) {
	rule, ok := g.rules.Lookup(metric)
	if !ok {
		return draft{}, false
	}
	breach, ok := rule.Evaluate(value)
	if !ok {
		return draft{}, false
	}
	variance := VariancePct(value, breach.Threshold)
	alert := models.Alert{
		PropertyID:           propertyID,
		Type:                 rule.AlertType,
		Title:                rule.Title,
		Description:          fmt.Sprintf("%s %.4f is %s the %s threshold %.4f (%+.1f%%)", rule.Metric, value, rule.Direction, breach.Severity, breach.Threshold, variance),
		Severity:             breach.Severity,
		MetricName:           rule.Metric,
		MetricValue:          value,
		ThresholdValue:       breach.Threshold,
		VariancePct:          variance,
		Condition:            rule.AlertType,
		ResponsibleCommittee: rule.Committee,
		CreatedAt:            now,
		CreatedBy:            audit.SystemActor,
	}
	return draft{alert: alert}, true
}

// FromAnalysis raises an anomaly alert for a result that requires one. Results that do not
// require an alert yield a zero outcome.
func (g *AlertGenerator) FromAnalysis(ctx context.Context, result models.AnalysisResult) (AlertOutcome, error) {
	if !result.RequiresAlert {
		return AlertOutcome{}, nil
	}
	severity := models.SeverityWarning
	if result.Confidence >= g.cfg.CriticalConfidence {
		severity = models.SeverityCritical
	}
	description := strings.Join(result.Descriptions(), "; ")
	if description == "" {
		description = fmt.Sprintf("%s anomaly detected", result.MetricName)
	}

	latest := 0.0
	if n := len(result.Flagged); n > 0 {
		latest = result.Flagged[n-1].Value
	}
	alert := models.Alert{
		PropertyID:           result.PropertyID,
		Type:                 result.MetricName + "_anomaly",
		Title:                fmt.Sprintf("%s anomaly detected (%s)", result.MetricName, result.AnomalyType),
		Description:          description,
		Severity:             severity,
		MetricName:           result.MetricName,
		MetricValue:          latest,
		Condition:            models.ConditionAnomaly,
		ResponsibleCommittee: g.rules.Committee(result.MetricName),
		AnalysisResultID:     result.ID,
		CreatedAt:            g.deps.Now(),
		CreatedBy:            audit.SystemActor,
	}
	outcomes, err := g.persist(ctx, result.PropertyID, []draft{{alert: alert}})
	if err != nil {
		return AlertOutcome{}, err
	}
	return outcomes[0], nil
}

// persist dedupes and writes drafts for one property in a single unit of work, locking the
// lockable ones when auto-create is on.
func (g *AlertGenerator) persist(ctx context.Context, propertyID string, drafts []draft) ([]AlertOutcome, error) {
	var outcomes []AlertOutcome
	err := g.deps.mutate(ctx, propertyID, func(tx store.Tx, eff *effects) error {
		outcomes = make([]AlertOutcome, 0, len(drafts))
		now := g.deps.Now()
		for _, d := range drafts {
			outcome, err := g.createAlertTx(tx, eff, d, now)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError("generate_alert", propertyID, err)
	}
	for _, o := range outcomes {
		result := "created"
		if o.Escalated {
			result = "escalated"
			g.deps.Logger.Info("pending alert escalated",
				slog.String("property_id", propertyID),
				slog.String("metric", o.Alert.MetricName),
				slog.String("alert_id", o.Alert.ID),
				slog.String("severity", string(o.Alert.Severity)))
		}
		if o.Suppressed {
			result = "suppressed"
			g.deps.Logger.Debug("duplicate alert suppressed",
				slog.String("property_id", propertyID),
				slog.String("metric", o.Alert.MetricName),
				slog.String("existing_alert_id", o.Alert.ID))
		}
		metrics.ObserveAlert(result, string(o.Alert.Severity))
	}
	return outcomes, nil
}

func (g *AlertGenerator) createAlertTx(tx store.Tx, eff *effects, d draft, now time.Time) (AlertOutcome, error) {
	alert := d.alert
	existing, found, err := tx.FindPendingAlert(alert.DedupeKey())
	if err != nil {
		return AlertOutcome{}, err
	}
	if found {
		if alert.Severity.Rank() < existing.Severity.Rank() {
			return g.escalateAlertTx(tx, eff, existing, alert, now)
		}
		return AlertOutcome{Alert: existing, Suppressed: true, Err: utils.ErrDuplicateAlertSuppressed}, nil
	}

	ttl := d.ttl
	if ttl <= 0 {
		ttl = g.cfg.DefaultTTL
	}
	alert.ID = g.deps.NewID()
	alert.Status = models.AlertPending
	alert.CreatedAt = now
	alert.ExpiresAt = now.Add(ttl)
	alert.RequiredApproverRole = string(RequiredRole(alert.Severity))
	alert.RequiresAction = alert.Severity == models.SeverityCritical
	if err := tx.InsertAlert(alert); err != nil {
		return AlertOutcome{}, err
	}

	eff.fact(audit.Fact{
		Action:     audit.ActionAlertCreated,
		Actor:      alert.CreatedBy,
		Entity:     "alert",
		EntityID:   alert.ID,
		PropertyID: alert.PropertyID,
		NewState:   string(models.AlertPending),
		Reason:     alert.Type,
		Timestamp:  now,
	})
	eff.notify(notify.Notification{
		Kind:       notify.KindAlertCreated,
		PropertyID: alert.PropertyID,
		AlertID:    alert.ID,
		Committee:  alert.ResponsibleCommittee,
		Severity:   string(alert.Severity),
		Title:      alert.Title,
		DueAt:      now,
	})

	outcome := AlertOutcome{Alert: alert, Created: true}
	if g.locks.AutoCreate() && g.locks.Lockable(alert.Severity) {
		lock, err := g.locks.createLockTx(tx, eff, alert, LockOptions{}, now)
		if err != nil {
			return AlertOutcome{}, err
		}
		outcome.Lock = &lock
	}
	return outcome, nil
}

// escalateAlertTx raises a pending alert to the severity of a newer breach of the same condition.
// The alert keeps its ID and expiry; the approver role and lock follow the new severity.
func (g *AlertGenerator) escalateAlertTx(tx store.Tx, eff *effects, existing, breach models.Alert, now time.Time) (AlertOutcome, error) {
	previous := existing.Severity
	existing.Severity = breach.Severity
	existing.Title = breach.Title
	existing.Description = breach.Description
	existing.MetricValue = breach.MetricValue
	existing.ThresholdValue = breach.ThresholdValue
	existing.VariancePct = breach.VariancePct
	if breach.AnalysisResultID != "" {
		existing.AnalysisResultID = breach.AnalysisResultID
	}
	existing.RequiredApproverRole = string(RequiredRole(existing.Severity))
	existing.RequiresAction = existing.Severity == models.SeverityCritical
	if err := tx.UpdateAlert(existing); err != nil {
		return AlertOutcome{}, err
	}

	eff.fact(audit.Fact{
		Action:     audit.ActionAlertEscalated,
		Actor:      breach.CreatedBy,
		Entity:     "alert",
		EntityID:   existing.ID,
		PropertyID: existing.PropertyID,
		OldState:   string(previous),
		NewState:   string(existing.Severity),
		Reason:     existing.Description,
		Timestamp:  now,
	})
	eff.notify(notify.Notification{
		Kind:       notify.KindAlertEscalated,
		PropertyID: existing.PropertyID,
		AlertID:    existing.ID,
		Committee:  existing.ResponsibleCommittee,
		Severity:   string(existing.Severity),
		Title:      existing.Title,
		DueAt:      now,
	})

	outcome := AlertOutcome{Alert: existing, Escalated: true}
	if g.locks.AutoCreate() && g.locks.Lockable(existing.Severity) {
		lock, err := g.locks.createLockTx(tx, eff, existing, LockOptions{}, now)
		if err != nil {
			return AlertOutcome{}, err
		}
		outcome.Lock = &lock
	}
	return outcome, nil
}

// ResolveAlert approves or rejects a pending alert and releases its locks in the same unit.
func (g *AlertGenerator) ResolveAlert(ctx context.Context, req ResolveRequest) (ResolveOutcome, error) {
	if req.Decision != models.DecisionApprove && req.Decision != models.DecisionReject {
		return ResolveOutcome{}, fmt.Errorf("resolve_alert: unknown decision %q", req.Decision)
	}
	if req.Actor == "" {
		return ResolveOutcome{}, fmt.Errorf("resolve_alert: actor required")
	}
	alert, err := g.locks.readAlert(ctx, req.AlertID)
	if err != nil {
		return ResolveOutcome{}, utils.NewAppError("resolve_alert", req.AlertID, err)
	}

	var outcome ResolveOutcome
	err = g.deps.mutate(ctx, alert.PropertyID, func(tx store.Tx, eff *effects) error {
		current, err := tx.GetAlert(req.AlertID)
		if err != nil {
			return err
		}
		if current.Status != models.AlertPending {
			return fmt.Errorf("alert %s is %s: %w", current.ID, current.Status, utils.ErrInvalidTransition)
		}
		if !RoleSatisfies(req.Role, Role(current.RequiredApproverRole)) {
			return fmt.Errorf("role %q below required %q: %w", req.Role, current.RequiredApproverRole, utils.ErrInsufficientAuthority)
		}

		now := g.deps.Now()
		status := models.AlertApproved
		if req.Decision == models.DecisionReject {
			status = models.AlertRejected
		}
		current.Status = status
		current.ResolvedAt = &now
		current.ResolvedBy = req.Actor
		current.Decision = req.Decision
		current.ResolutionNotes = req.Notes
		if err := tx.UpdateAlert(current); err != nil {
			return err
		}
		eff.fact(audit.Fact{
			Action:     audit.ActionAlertResolved,
			Actor:      req.Actor,
			Entity:     "alert",
			EntityID:   current.ID,
			PropertyID: current.PropertyID,
			OldState:   string(models.AlertPending),
			NewState:   string(status),
			Reason:     req.Notes,
			Timestamp:  now,
		})

		reason := fmt.Sprintf("alert %s %s", current.ID, status)
		if req.Notes != "" {
			reason += ": " + req.Notes
		}
		unlocked, err := g.locks.unlockAlertTx(tx, eff, current.ID, req.Actor, reason, now)
		if err != nil {
			return err
		}
		outcome = ResolveOutcome{Alert: current, Unlocked: unlocked}
		return nil
	})
	if err != nil {
		return ResolveOutcome{}, utils.NewAppError("resolve_alert", req.AlertID, err)
	}
	return outcome, nil
}

// DeleteAlert removes an alert with its owned locks and recomputes the property aggregate.
func (g *AlertGenerator) DeleteAlert(ctx context.Context, alertID, actor string) error {
	alert, err := g.locks.readAlert(ctx, alertID)
	if err != nil {
		return utils.NewAppError("delete_alert", alertID, err)
	}
	if actor == "" {
		actor = audit.SystemActor
	}
	err = g.deps.mutate(ctx, alert.PropertyID, func(tx store.Tx, eff *effects) error {
		current, err := tx.GetAlert(alertID)
		if err != nil {
			return err
		}
		if err := tx.DeleteAlert(alertID); err != nil {
			return err
		}
		now := g.deps.Now()
		if _, err := syncPropertyState(tx, current.PropertyID, now); err != nil {
			return err
		}
		eff.fact(audit.Fact{
			Action:     audit.ActionAlertDeleted,
			Actor:      actor,
			Entity:     "alert",
			EntityID:   current.ID,
			PropertyID: current.PropertyID,
			OldState:   string(current.Status),
			NewState:   "deleted",
			Timestamp:  now,
		})
		return nil
	})
	if err != nil {
		return utils.NewAppError("delete_alert", alertID, err)
	}
	return nil
}

// PendingAlerts lists pending alerts, optionally for one committee, critical first then oldest.
func (g *AlertGenerator) PendingAlerts(ctx context.Context, committee string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := g.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		alerts, err = tx.ListAlerts(models.AlertFilter{Committee: committee, Status: models.AlertPending})
		return err
	})
	if err != nil {
		return nil, utils.NewAppError("pending_alerts", committee, err)
	}
	SortAlertsForReview(alerts)
	return alerts, nil
}

// IsSuppressed reports whether err marks a deliberate duplicate no-op.
func IsSuppressed(err error) bool {
	return errors.Is(err, utils.ErrDuplicateAlertSuppressed)
}

func latestSample(samples []models.MetricSample) (models.MetricSample, bool) {
	var latest models.MetricSample
	found := false
	for _, s := range samples {
		if math.IsNaN(s.Value) {
			continue
		}
		if !found || s.AsOf.After(latest.AsOf) {
			latest = s
			found = true
		}
	}
	return latest, found
}
