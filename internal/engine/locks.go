package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/notify"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// LockConfig tunes the workflow lock engine.
type LockConfig struct {
	AutoCreate         bool
	LockableSeverities []models.Severity
	ExpiryAgeDays      int
}

// DefaultLockConfig locks critical alerts and expires locks after 90 days.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		AutoCreate:         true,
		LockableSeverities: []models.Severity{models.SeverityCritical},
		ExpiryAgeDays:      90,
	}
}

// LockOptions narrows or overrides what a new lock blocks.
type LockOptions struct {
	LockType       models.LockType
	BlockedActions []models.Action
	Actor          string
}

// SweepReport summarises a batch expiry pass.
type SweepReport struct {
	Examined int
	Affected int
	IDs      []string
	Failures []error
}

// LockEngine owns the locked → unlocked | expired state machine.
type LockEngine struct {
	deps  Deps
	cfg   LockConfig
	rules *RuleTable
}

// NewLockEngine wires the lock engine.
func NewLockEngine(deps Deps, rules *RuleTable, cfg LockConfig) (*LockEngine, error) {
	deps, err := deps.normalise()
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = DefaultRuleTable()
	}
	if len(cfg.LockableSeverities) == 0 {
		cfg.LockableSeverities = []models.Severity{models.SeverityCritical}
	}
	if cfg.ExpiryAgeDays <= 0 {
		cfg.ExpiryAgeDays = 90
	}
	return &LockEngine{deps: deps, cfg: cfg, rules: rules}, nil
}

// Lockable reports whether alerts of severity produce locks.
func (e *LockEngine) Lockable(severity models.Severity) bool {
	for _, s := range e.cfg.LockableSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

// AutoCreate reports whether the alert generator should lock qualifying alerts itself.
func (e *LockEngine) AutoCreate() bool {
	return e.cfg.AutoCreate
}

// LockTypeFor maps a metric's family onto its lock type.
func (e *LockEngine) LockTypeFor(metric string) models.LockType {
	switch e.rules.Family(metric) {
	case FamilyDebt:
		return models.LockRefinanceBlock
	case FamilyOccupancy:
		return models.LockSaleHold
	case FamilyAcquisition:
		return models.LockAcquisitionFreeze
	default:
		return models.LockDispositionBlock
	}
}

// CreateLockFromAlert locks the alert's property. It is idempotent for an alert that already owns
// a locked lock.
func (e *LockEngine) CreateLockFromAlert(ctx context.Context, alertID string, opts LockOptions) (models.WorkflowLock, error) {
	alert, err := e.readAlert(ctx, alertID)
	if err != nil {
		return models.WorkflowLock{}, err
	}

	var lock models.WorkflowLock
	err = e.deps.mutate(ctx, alert.PropertyID, func(tx store.Tx, eff *effects) error {
		current, err := tx.GetAlert(alertID)
		if err != nil {
			return err
		}
		lock, err = e.createLockTx(tx, eff, current, opts, e.deps.Now())
		return err
	})
	if err != nil {
		return models.WorkflowLock{}, utils.NewAppError("create_lock_from_alert", alertID, err)
	}
	return lock, nil
}

func (e *LockEngine) createLockTx(tx store.Tx, eff *effects, alert models.Alert, opts LockOptions, now time.Time) (models.WorkflowLock, error) {
	if alert.Status != models.AlertPending {
		return models.WorkflowLock{}, fmt.Errorf("alert %s is %s: %w", alert.ID, alert.Status, utils.ErrInvalidTransition)
	}
	if !e.Lockable(alert.Severity) {
		return models.WorkflowLock{}, fmt.Errorf("alert %s severity %s: %w", alert.ID, alert.Severity, ErrSeverityNotLockable)
	}

	owned, err := tx.ListLocksByAlert(alert.ID)
	if err != nil {
		return models.WorkflowLock{}, err
	}
	for _, l := range owned {
		if l.Status == models.LockLocked {
			return l, nil
		}
		return models.WorkflowLock{}, fmt.Errorf("alert %s lock %s already %s: %w", alert.ID, l.ID, l.Status, utils.ErrInvalidTransition)
	}

	actions, err := resolveActions(opts.BlockedActions)
	if err != nil {
		return models.WorkflowLock{}, err
	}
	lockType := opts.LockType
	if lockType == "" {
		lockType = e.LockTypeFor(alert.MetricName)
	}
	actor := opts.Actor
	if actor == "" {
		actor = audit.SystemActor
	}

	lock := models.WorkflowLock{
		ID:             e.deps.NewID(),
		PropertyID:     alert.PropertyID,
		AlertID:        alert.ID,
		LockType:       lockType,
		Severity:       alert.Severity,
		BlockedActions: actions,
		Status:         models.LockLocked,
		LockedAt:       now,
		LockedBy:       actor,
	}
	if err := tx.InsertLock(lock); err != nil {
		return models.WorkflowLock{}, err
	}
	if _, err := syncPropertyState(tx, alert.PropertyID, now); err != nil {
		return models.WorkflowLock{}, err
	}

	eff.fact(audit.Fact{
		Action:     audit.ActionLockCreated,
		Actor:      actor,
		Entity:     "workflow_lock",
		EntityID:   lock.ID,
		PropertyID: lock.PropertyID,
		NewState:   string(models.LockLocked),
		Reason:     fmt.Sprintf("%s from alert %s", lockType, alert.ID),
		Timestamp:  now,
	})
	eff.notify(notify.Notification{
		Kind:       notify.KindLockCreated,
		PropertyID: lock.PropertyID,
		AlertID:    alert.ID,
		LockID:     lock.ID,
		Committee:  alert.ResponsibleCommittee,
		Severity:   string(alert.Severity),
		Title:      fmt.Sprintf("%s placed on property %s", lockType, lock.PropertyID),
		DueAt:      now,
	})
	eff.transition(string(models.LockLocked))
	return lock, nil
}

func resolveActions(requested []models.Action) ([]models.Action, error) {
	if requested == nil {
		return models.DefaultBlockedActions(), nil
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("empty blocked action set: %w", ErrInvalidLockOptions)
	}
	seen := make(map[models.Action]struct{}, len(requested))
	for _, a := range requested {
		if _, ok := models.ParseAction(string(a)); !ok {
			return nil, fmt.Errorf("unknown action %q: %w", a, ErrInvalidLockOptions)
		}
		seen[a] = struct{}{}
	}
	out := make([]models.Action, 0, len(seen))
	for _, a := range models.KnownActions() {
		if _, ok := seen[a]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// UnlockFromAlertResolution releases every locked lock owned by alertID.
func (e *LockEngine) UnlockFromAlertResolution(ctx context.Context, alertID, actor, reason string) ([]models.WorkflowLock, error) {
	alert, err := e.readAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	var released []models.WorkflowLock
	err = e.deps.mutate(ctx, alert.PropertyID, func(tx store.Tx, eff *effects) error {
		released, err = e.unlockAlertTx(tx, eff, alert.ID, actor, reason, e.deps.Now())
		return err
	})
	if err != nil {
		return nil, utils.NewAppError("unlock_from_alert_resolution", alertID, err)
	}
	return released, nil
}

func (e *LockEngine) unlockAlertTx(tx store.Tx, eff *effects, alertID, actor, reason string, now time.Time) ([]models.WorkflowLock, error) {
	owned, err := tx.ListLocksByAlert(alertID)
	if err != nil {
		return nil, err
	}
	released := make([]models.WorkflowLock, 0, len(owned))
	propertyID := ""
	for _, l := range owned {
		if l.Status != models.LockLocked {
			continue
		}
		closed, err := closeLock(tx, eff, l, models.LockUnlocked, actor, reason, now)
		if err != nil {
			return nil, err
		}
		released = append(released, closed)
		propertyID = l.PropertyID
	}
	if propertyID != "" {
		if _, err := syncPropertyState(tx, propertyID, now); err != nil {
			return nil, err
		}
	}
	return released, nil
}

// UnlockLock manually releases one lock.
func (e *LockEngine) UnlockLock(ctx context.Context, lockID, actor, reason string) (models.WorkflowLock, error) {
	var lock models.WorkflowLock
	err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		lock, err = tx.GetLock(lockID)
		return err
	})
	if err != nil {
		return models.WorkflowLock{}, utils.NewAppError("unlock_lock", lockID, err)
	}
	if reason == "" {
		reason = "manual release"
	}

	var closed models.WorkflowLock
	err = e.deps.mutate(ctx, lock.PropertyID, func(tx store.Tx, eff *effects) error {
		current, err := tx.GetLock(lockID)
		if err != nil {
			return err
		}
		if current.Status != models.LockLocked {
			return fmt.Errorf("lock %s is %s: %w", lockID, current.Status, utils.ErrInvalidTransition)
		}
		now := e.deps.Now()
		if closed, err = closeLock(tx, eff, current, models.LockUnlocked, actor, reason, now); err != nil {
			return err
		}
		_, err = syncPropertyState(tx, current.PropertyID, now)
		return err
	})
	if err != nil {
		return models.WorkflowLock{}, utils.NewAppError("unlock_lock", lockID, err)
	}
	return closed, nil
}

// closeLock moves a locked lock into a terminal state. unlocked_at never precedes locked_at.
func closeLock(tx store.Tx, eff *effects, lock models.WorkflowLock, to models.LockStatus, actor, reason string, now time.Time) (models.WorkflowLock, error) {
	if actor == "" {
		actor = audit.SystemActor
	}
	at := now
	if at.Before(lock.LockedAt) {
		at = lock.LockedAt
	}
	lock.Status = to
	lock.UnlockedAt = &at
	lock.UnlockedBy = actor
	lock.UnlockReason = reason
	lock.LockDuration = at.Sub(lock.LockedAt)
	if err := tx.UpdateLock(lock); err != nil {
		return models.WorkflowLock{}, err
	}

	action := audit.ActionLockUnlocked
	if to == models.LockExpired {
		action = audit.ActionLockExpired
		eff.notify(notify.Notification{
			Kind:       notify.KindLockExpired,
			PropertyID: lock.PropertyID,
			AlertID:    lock.AlertID,
			LockID:     lock.ID,
			Severity:   string(lock.Severity),
			Title:      fmt.Sprintf("%s on property %s expired unresolved", lock.LockType, lock.PropertyID),
			DueAt:      at,
		})
	}
	eff.fact(audit.Fact{
		Action:     action,
		Actor:      actor,
		Entity:     "workflow_lock",
		EntityID:   lock.ID,
		PropertyID: lock.PropertyID,
		OldState:   string(models.LockLocked),
		NewState:   string(to),
		Reason:     reason,
		Timestamp:  at,
	})
	eff.transition(string(to))
	return lock, nil
}

// ExpireOldLocks expires every lock still locked after ageDays (0 uses the configured default).
// Properties are swept independently; a failure on one is reported and the sweep continues.
func (e *LockEngine) ExpireOldLocks(ctx context.Context, ageDays int) (SweepReport, error) {
	if ageDays < 0 {
		return SweepReport{}, &utils.InvalidThresholdError{Field: "age_threshold_days", Value: float64(ageDays)}
	}
	if ageDays == 0 {
		ageDays = e.cfg.ExpiryAgeDays
	}
	cutoff := utils.DaysAgo(e.deps.Now(), ageDays)
	reason := fmt.Sprintf("auto-expired after %d days", ageDays)

	var candidates []models.WorkflowLock
	if err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		candidates, err = tx.ListActiveLocksBefore(cutoff)
		return err
	}); err != nil {
		return SweepReport{}, utils.NewAppError("expire_old_locks", "list candidates", err)
	}

	report := SweepReport{Examined: len(candidates)}
	for _, propertyID := range propertiesOf(candidates) {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, err)
			break
		}
		var expired []string
		err := e.deps.mutate(ctx, propertyID, func(tx store.Tx, eff *effects) error {
			expired = expired[:0]
			locks, err := tx.ListLocks(propertyID)
			if err != nil {
				return err
			}
			now := e.deps.Now()
			for _, l := range locks {
				if l.Status != models.LockLocked || !l.LockedAt.Before(cutoff) {
					continue
				}
				if _, err := closeLock(tx, eff, l, models.LockExpired, audit.SystemActor, reason, now); err != nil {
					return err
				}
				expired = append(expired, l.ID)
			}
			if len(expired) == 0 {
				return nil
			}
			_, err = syncPropertyState(tx, propertyID, now)
			return err
		})
		if err != nil {
			e.deps.Logger.Error("lock expiry failed", slog.String("property_id", propertyID), slog.Any("error", err))
			report.Failures = append(report.Failures, fmt.Errorf("property %s: %w", propertyID, err))
			continue
		}
		report.Affected += len(expired)
		report.IDs = append(report.IDs, expired...)
	}
	metrics.ObserveSweep("locks", report.Affected)
	return report, nil
}

// ExpirePendingAlerts moves pending alerts past their expiry to expired. Their locks stay in place
// until resolved manually or swept by ExpireOldLocks.
func (e *LockEngine) ExpirePendingAlerts(ctx context.Context) (SweepReport, error) {
	now := e.deps.Now()
	var candidates []models.Alert
	if err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		candidates, err = tx.ListPendingAlertsExpiringBefore(now)
		return err
	}); err != nil {
		return SweepReport{}, utils.NewAppError("expire_pending_alerts", "list candidates", err)
	}

	byProperty := make(map[string][]string)
	order := make([]string, 0)
	for _, a := range candidates {
		if _, ok := byProperty[a.PropertyID]; !ok {
			order = append(order, a.PropertyID)
		}
		byProperty[a.PropertyID] = append(byProperty[a.PropertyID], a.ID)
	}

	report := SweepReport{Examined: len(candidates)}
	for _, propertyID := range order {
		var expired []string
		err := e.deps.mutate(ctx, propertyID, func(tx store.Tx, eff *effects) error {
			expired = expired[:0]
			at := e.deps.Now()
			for _, id := range byProperty[propertyID] {
				alert, err := tx.GetAlert(id)
				if errors.Is(err, utils.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if alert.Status != models.AlertPending || !alert.ExpiresAt.Before(at) {
					continue
				}
				alert.Status = models.AlertExpired
				alert.ResolvedAt = &at
				alert.ResolvedBy = audit.SystemActor
				if err := tx.UpdateAlert(alert); err != nil {
					return err
				}
				expired = append(expired, alert.ID)
				eff.fact(audit.Fact{
					Action:     audit.ActionAlertExpired,
					Actor:      audit.SystemActor,
					Entity:     "alert",
					EntityID:   alert.ID,
					PropertyID: alert.PropertyID,
					OldState:   string(models.AlertPending),
					NewState:   string(models.AlertExpired),
					Reason:     "time to live elapsed",
					Timestamp:  at,
				})
				eff.notify(notify.Notification{
					Kind:       notify.KindAlertExpired,
					PropertyID: alert.PropertyID,
					AlertID:    alert.ID,
					Committee:  alert.ResponsibleCommittee,
					Severity:   string(alert.Severity),
					Title:      alert.Title,
					DueAt:      at,
				})
			}
			return nil
		})
		if err != nil {
			e.deps.Logger.Error("alert expiry failed", slog.String("property_id", propertyID), slog.Any("error", err))
			report.Failures = append(report.Failures, fmt.Errorf("property %s: %w", propertyID, err))
			continue
		}
		report.Affected += len(expired)
		report.IDs = append(report.IDs, expired...)
	}
	metrics.ObserveSweep("alerts", report.Affected)
	return report, nil
}

// IsActionBlocked reports whether any locked lock on the property blocks action.
func (e *LockEngine) IsActionBlocked(ctx context.Context, propertyID string, action models.Action) (bool, error) {
	locks, err := e.GetActiveLocks(ctx, propertyID)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.Blocks(action) {
			return true, nil
		}
	}
	return false, nil
}

// GetActiveLocks lists the property's locked locks, oldest first.
func (e *LockEngine) GetActiveLocks(ctx context.Context, propertyID string) ([]models.WorkflowLock, error) {
	var locks []models.WorkflowLock
	err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		all, err := tx.ListLocks(propertyID)
		if err != nil {
			return err
		}
		locks = activeOnly(all)
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError("get_active_locks", propertyID, err)
	}
	return locks, nil
}

// GetBlockedActions is the union of blocked actions across active locks.
func (e *LockEngine) GetBlockedActions(ctx context.Context, propertyID string) ([]models.Action, error) {
	locks, err := e.GetActiveLocks(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	return unionActions(locks), nil
}

// GetPropertyState returns the stored restriction aggregate.
func (e *LockEngine) GetPropertyState(ctx context.Context, propertyID string) (models.PropertyState, error) {
	var st models.PropertyState
	err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		st, err = tx.GetPropertyState(propertyID)
		return err
	})
	return st, err
}

// GetLockSummary aggregates the property's locks by status and severity.
func (e *LockEngine) GetLockSummary(ctx context.Context, propertyID string) (models.LockSummary, error) {
	var locks []models.WorkflowLock
	err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		locks, err = tx.ListLocks(propertyID)
		return err
	})
	if err != nil {
		return models.LockSummary{}, utils.NewAppError("get_lock_summary", propertyID, err)
	}
	return summariseLocks(propertyID, locks), nil
}

func summariseLocks(propertyID string, locks []models.WorkflowLock) models.LockSummary {
	summary := models.LockSummary{
		PropertyID: propertyID,
		Total:      len(locks),
		ByStatus:   make(map[models.LockStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	var total time.Duration
	closed := 0
	for _, l := range locks {
		summary.ByStatus[l.Status]++
		summary.BySeverity[l.Severity]++
		if l.Status == models.LockLocked {
			summary.ActiveLocks++
			continue
		}
		total += l.LockDuration
		closed++
	}
	if closed > 0 {
		summary.MeanLockDuration = total / time.Duration(closed)
	}
	return summary
}

func (e *LockEngine) readAlert(ctx context.Context, alertID string) (models.Alert, error) {
	var alert models.Alert
	err := e.deps.Store.View(ctx, func(tx store.Reader) error {
		var err error
		alert, err = tx.GetAlert(alertID)
		return err
	})
	return alert, err
}

func propertiesOf(locks []models.WorkflowLock) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, l := range locks {
		if _, ok := seen[l.PropertyID]; ok {
			continue
		}
		seen[l.PropertyID] = struct{}{}
		out = append(out, l.PropertyID)
	}
	return out
}
