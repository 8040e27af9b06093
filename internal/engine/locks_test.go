package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func TestLocksReleaseOneByOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())

	breaches := []struct {
		metric string
		value  float64
	}{{"dscr", 0.9}, {"ltv", 0.9}, {"debt_yield", 0.05}}
	ids := make([]string, 0, len(breaches))
	for _, b := range breaches {
		out, err := h.alerts.CheckValue(ctx, "prop-1", b.metric, b.value, 0)
		if err != nil {
			t.Fatalf("%s: %v", b.metric, err)
		}
		if out.Lock == nil {
			t.Fatalf("%s: expected lock", b.metric)
		}
		ids = append(ids, out.Alert.ID)
	}

	state, _ := h.locks.GetPropertyState(ctx, "prop-1")
	if state.ActiveLockCount != 3 || !state.HasActiveRestriction {
		t.Fatalf("state = %+v", state)
	}

	for i, id := range ids {
		mustBlocked(t, h, "prop-1", models.ActionRefinance, true)
		if _, err := h.alerts.ResolveAlert(ctx, ResolveRequest{AlertID: id, Actor: "jane", Role: RoleSupervisor, Decision: models.DecisionApprove}); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		state, _ = h.locks.GetPropertyState(ctx, "prop-1")
		if state.ActiveLockCount != len(ids)-i-1 {
			t.Fatalf("after %d releases active = %d", i+1, state.ActiveLockCount)
		}
	}
	mustBlocked(t, h, "prop-1", models.ActionRefinance, false)
	actions, err := h.locks.GetBlockedActions(ctx, "prop-1")
	if err != nil || len(actions) != 0 {
		t.Fatalf("blocked actions = %v, err = %v", actions, err)
	}
	if state.HasActiveRestriction {
		t.Fatalf("restriction flag left set")
	}
}

func TestExpireOldLocksOnlyTouchesAgedLocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())

	h.clock.Set(baseTime.AddDate(0, 0, -91))
	old, err := h.alerts.CheckValue(ctx, "prop-a", "dscr", 0.9, 0)
	if err != nil {
		t.Fatalf("old alert: %v", err)
	}
	h.clock.Set(baseTime.AddDate(0, 0, -10))
	recent, err := h.alerts.CheckValue(ctx, "prop-b", "ltv", 0.9, 0)
	if err != nil {
		t.Fatalf("recent alert: %v", err)
	}
	h.clock.Set(baseTime)

	report, err := h.locks.ExpireOldLocks(ctx, 90)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.Affected != 1 || len(report.IDs) != 1 || report.IDs[0] != old.Lock.ID {
		t.Fatalf("report = %+v", report)
	}
	mustBlocked(t, h, "prop-a", models.ActionRefinance, false)
	mustBlocked(t, h, "prop-b", models.ActionRefinance, true)

	expiredID := ""
	for _, f := range h.audit.Facts() {
		if f.Action == audit.ActionLockExpired {
			if f.Actor != audit.SystemActor || f.Reason != "auto-expired after 90 days" {
				t.Fatalf("expiry fact = %+v", f)
			}
			expiredID = f.EntityID
		}
	}
	if expiredID != old.Lock.ID {
		t.Fatalf("expired lock %q, want %q", expiredID, old.Lock.ID)
	}

	again, err := h.locks.ExpireOldLocks(ctx, 90)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Affected != 0 {
		t.Fatalf("second sweep affected %d", again.Affected)
	}
	if recent.Lock == nil {
		t.Fatalf("recent alert should hold a lock")
	}

	summary, err := h.locks.GetLockSummary(ctx, "prop-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ByStatus[models.LockExpired] != 1 || summary.MeanLockDuration != 91*24*time.Hour {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestExpireOldLocksRejectsNegativeAge(t *testing.T) {
	h := newHarness(t, DefaultLockConfig())
	var invalid *utils.InvalidThresholdError
	if _, err := h.locks.ExpireOldLocks(context.Background(), -1); !errors.As(err, &invalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestExpirePendingAlertsKeepsLocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())

	h.clock.Set(baseTime.AddDate(0, 0, -31))
	out, err := h.alerts.CheckValue(ctx, "prop-1", "dscr", 0.9, 0)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	h.clock.Set(baseTime)
	fresh, err := h.alerts.CheckValue(ctx, "prop-2", "dscr", 0.9, 0)
	if err != nil {
		t.Fatalf("fresh alert: %v", err)
	}

	report, err := h.locks.ExpirePendingAlerts(ctx)
	if err != nil {
		t.Fatalf("expire alerts: %v", err)
	}
	if report.Affected != 1 || report.IDs[0] != out.Alert.ID {
		t.Fatalf("report = %+v", report)
	}
	mustBlocked(t, h, "prop-1", models.ActionRefinance, true)

	pending, _ := h.alerts.PendingAlerts(ctx, "")
	if len(pending) != 1 || pending[0].ID != fresh.Alert.ID {
		t.Fatalf("pending = %+v", pending)
	}
	again, _ := h.locks.ExpirePendingAlerts(ctx)
	if again.Affected != 0 {
		t.Fatalf("second sweep affected %d", again.Affected)
	}
}

func TestManualLockWithNarrowedActions(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultLockConfig()
	cfg.AutoCreate = false
	h := newHarness(t, cfg)

	out, err := h.alerts.CheckValue(ctx, "prop-1", "dscr", 0.9, 0)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if out.Lock != nil {
		t.Fatalf("auto create disabled but lock placed")
	}

	lock, err := h.locks.CreateLockFromAlert(ctx, out.Alert.ID, LockOptions{
		LockType:       models.LockSaleHold,
		BlockedActions: []models.Action{models.ActionSell},
		Actor:          "jane",
	})
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}
	if lock.LockType != models.LockSaleHold || lock.LockedBy != "jane" {
		t.Fatalf("lock = %+v", lock)
	}
	mustBlocked(t, h, "prop-1", models.ActionSell, true)
	mustBlocked(t, h, "prop-1", models.ActionRefinance, false)

	again, err := h.locks.CreateLockFromAlert(ctx, out.Alert.ID, LockOptions{})
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if again.ID != lock.ID {
		t.Fatalf("repeat create made a second lock %s", again.ID)
	}
	active, _ := h.locks.GetActiveLocks(ctx, "prop-1")
	if len(active) != 1 {
		t.Fatalf("active = %d", len(active))
	}
}

func TestCreateLockRejectsInvalidOptions(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultLockConfig()
	cfg.AutoCreate = false
	h := newHarness(t, cfg)
	out, err := h.alerts.CheckValue(ctx, "prop-1", "ltv", 0.95, 0)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}

	for _, actions := range [][]models.Action{{}, {"fly"}} {
		if _, err := h.locks.CreateLockFromAlert(ctx, out.Alert.ID, LockOptions{BlockedActions: actions}); !errors.Is(err, ErrInvalidLockOptions) {
			t.Fatalf("actions %v: err = %v", actions, err)
		}
	}
	state, _ := h.locks.GetPropertyState(ctx, "prop-1")
	if state.HasActiveRestriction {
		t.Fatalf("rejected lock left a restriction")
	}
	if _, err := h.locks.CreateLockFromAlert(ctx, "missing", LockOptions{}); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("missing alert: err = %v", err)
	}
}

func TestUnlockLockManually(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultLockConfig())
	out, err := h.alerts.CheckValue(ctx, "prop-1", "occupancy", 0.5, 0)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if out.Lock.LockType != models.LockSaleHold {
		t.Fatalf("lock type = %s", out.Lock.LockType)
	}

	closed, err := h.locks.UnlockLock(ctx, out.Lock.ID, "jane", "")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if closed.Status != models.LockUnlocked || closed.UnlockReason != "manual release" || closed.UnlockedBy != "jane" {
		t.Fatalf("closed = %+v", closed)
	}
	if closed.UnlockedAt == nil || closed.UnlockedAt.Before(closed.LockedAt) {
		t.Fatalf("unlocked_at precedes locked_at")
	}
	if _, err := h.locks.UnlockLock(ctx, out.Lock.ID, "jane", ""); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Fatalf("second unlock: err = %v", err)
	}

	// The alert stays pending; resolving it releases nothing further.
	res, err := h.alerts.ResolveAlert(ctx, ResolveRequest{AlertID: out.Alert.ID, Actor: "jane", Role: RoleSupervisor, Decision: models.DecisionApprove})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Unlocked) != 0 {
		t.Fatalf("unlocked = %d", len(res.Unlocked))
	}
}

func TestLockTypeForFamilies(t *testing.T) {
	h := newHarness(t, DefaultLockConfig())
	cases := map[string]models.LockType{
		"dscr":          models.LockRefinanceBlock,
		"occupancy":     models.LockSaleHold,
		"expense_ratio": models.LockDispositionBlock,
		"unknown":       models.LockDispositionBlock,
	}
	for metric, want := range cases {
		if got := h.locks.LockTypeFor(metric); got != want {
			t.Fatalf("LockTypeFor(%s) = %s, want %s", metric, got, want)
		}
	}
}
