// Package store defines the persistence contract for analysis results, alerts, workflow locks and
// the derived per-property restriction state. Every mutation of the engine runs inside one
// Atomically call so a partial write is never observable.
package store

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-governance/internal/models"
)

// Store opens units of work over the governance tables.
type Store interface {
	// Atomically runs fn in a read-write unit. Writes are committed only when fn returns nil.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx Reader) error) error
	Close() error
}

// Reader exposes the read side of a unit of work.
type Reader interface {
	ListAnalysisResults(propertyID, metricName string) ([]models.AnalysisResult, error)

	GetAlert(id string) (models.Alert, error)
	FindPendingAlert(key models.AlertKey) (models.Alert, bool, error)
	ListAlerts(filter models.AlertFilter) ([]models.Alert, error)
	ListPendingAlertsExpiringBefore(t time.Time) ([]models.Alert, error)

	GetLock(id string) (models.WorkflowLock, error)
	ListLocks(propertyID string) ([]models.WorkflowLock, error)
	ListLocksByAlert(alertID string) ([]models.WorkflowLock, error)
	ListActiveLocksBefore(t time.Time) ([]models.WorkflowLock, error)

	// GetPropertyState returns the zero state with Version 0 for a property never written.
	GetPropertyState(propertyID string) (models.PropertyState, error)
}

// Tx is a read-write unit of work.
type Tx interface {
	Reader

	InsertAnalysisResult(result models.AnalysisResult) error

	InsertAlert(alert models.Alert) error
	UpdateAlert(alert models.Alert) error
	// DeleteAlert removes the alert and every lock it owns.
	DeleteAlert(id string) error

	InsertLock(lock models.WorkflowLock) error
	UpdateLock(lock models.WorkflowLock) error

	// PutPropertyState writes state when the stored version still equals expectedVersion and
	// fails with *utils.ConcurrentMutationError otherwise.
	PutPropertyState(state models.PropertyState, expectedVersion int64) error
}
