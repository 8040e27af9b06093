package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MIRADOR_GOV_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MIRADOR_GOV_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Options{DSN: dsn, AutoMigrate: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestLockRowKeepsActionsAndDuration(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lock := models.WorkflowLock{
		ID:             "lock-1",
		BlockedActions: []models.Action{models.ActionRefinance, models.ActionSell},
		Status:         models.LockUnlocked,
		LockedAt:       at,
		LockDuration:   90 * time.Minute,
	}
	got := lockToRow(lock).model()
	if len(got.BlockedActions) != 2 || got.BlockedActions[1] != models.ActionSell {
		t.Fatalf("actions = %v", got.BlockedActions)
	}
	if got.LockDuration != 90*time.Minute || !got.LockedAt.Equal(at) {
		t.Fatalf("lock = %+v", got)
	}
}

func TestPostgresCascadeAndVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	propertyID := "pg-prop-" + suffix
	now := time.Now().UTC().Truncate(time.Millisecond)

	alert := models.Alert{
		ID: "alert-" + suffix, PropertyID: propertyID, Type: "dscr_low", Severity: models.SeverityCritical,
		MetricName: "dscr", Condition: "dscr_low", Status: models.AlertPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	lock := models.WorkflowLock{
		ID: "lock-" + suffix, PropertyID: propertyID, AlertID: alert.ID, LockType: models.LockRefinanceBlock,
		Severity: models.SeverityCritical, BlockedActions: models.DefaultBlockedActions(), Status: models.LockLocked, LockedAt: now,
	}
	err := s.Atomically(ctx, func(tx store.Tx) error {
		if err := tx.InsertAlert(alert); err != nil {
			return err
		}
		if err := tx.InsertLock(lock); err != nil {
			return err
		}
		return tx.PutPropertyState(models.PropertyState{PropertyID: propertyID, HasActiveRestriction: true, ActiveLockCount: 1, Version: 1}, 0)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.Atomically(ctx, func(tx store.Tx) error {
		return tx.PutPropertyState(models.PropertyState{PropertyID: propertyID, Version: 2}, 0)
	})
	if !utils.IsConcurrentMutation(err) {
		t.Fatalf("stale version: err = %v", err)
	}

	err = s.Atomically(ctx, func(tx store.Tx) error {
		dup := alert
		dup.ID = "alert-dup-" + suffix
		return tx.InsertAlert(dup)
	})
	if !errors.Is(err, utils.ErrDuplicateAlertSuppressed) {
		t.Fatalf("duplicate pending alert: err = %v", err)
	}

	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.DeleteAlert(alert.ID) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = s.View(ctx, func(tx store.Reader) error {
		locks, err := tx.ListLocksByAlert(alert.ID)
		if err != nil {
			return err
		}
		if len(locks) != 0 {
			return fmt.Errorf("locks survived: %d", len(locks))
		}
		_, err = tx.GetLock(lock.ID)
		if !errors.Is(err, utils.ErrNotFound) {
			return fmt.Errorf("get lock err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
