// Package memory provides an in-memory transactional store used by tests and single-node
// deployments. Each unit of work runs against a cloned state that replaces the live state only
// when the unit succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

var _ store.Store = (*Store)(nil)

type state struct {
	results    map[string]models.AnalysisResult
	alerts     map[string]models.Alert
	locks      map[string]models.WorkflowLock
	properties map[string]models.PropertyState
}

func newState() state {
	return state{
		results:    map[string]models.AnalysisResult{},
		alerts:     map[string]models.Alert{},
		locks:      map[string]models.WorkflowLock{},
		properties: map[string]models.PropertyState{},
	}
}

func (s state) clone() state {
	cloned := newState()
	for k, v := range s.results {
		cloned.results[k] = v
	}
	for k, v := range s.alerts {
		cloned.alerts[k] = v
	}
	for k, v := range s.locks {
		cloned.locks[k] = v
	}
	for k, v := range s.properties {
		cloned.properties[k] = v
	}
	return cloned
}

// Store is a mutex-guarded copy-on-write store.
type Store struct {
	mu    sync.RWMutex
	state state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// Atomically implements store.Store.
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	// A unit cancelled while running commits nothing.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&transaction{state: s.state})
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type transaction struct {
	state state
}

func (t *transaction) ListAnalysisResults(propertyID, metricName string) ([]models.AnalysisResult, error) {
	out := make([]models.AnalysisResult, 0)
	for _, r := range t.state.results {
		if r.PropertyID != propertyID {
			continue
		}
		if metricName != "" && r.MetricName != metricName {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnalysisDate.Equal(out[j].AnalysisDate) {
			return out[i].AnalysisDate.Before(out[j].AnalysisDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *transaction) GetAlert(id string) (models.Alert, error) {
	alert, ok := t.state.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, utils.ErrNotFound)
	}
	return alert, nil
}

func (t *transaction) FindPendingAlert(key models.AlertKey) (models.Alert, bool, error) {
	for _, a := range t.state.alerts {
		if a.Status == models.AlertPending && a.DedupeKey() == key {
			return a, true, nil
		}
	}
	return models.Alert{}, false, nil
}

func (t *transaction) ListAlerts(filter models.AlertFilter) ([]models.Alert, error) {
	out := make([]models.Alert, 0)
	for _, a := range t.state.alerts {
		if filter.PropertyID != "" && a.PropertyID != filter.PropertyID {
			continue
		}
		if filter.Committee != "" && a.ResponsibleCommittee != filter.Committee {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

func (t *transaction) ListPendingAlertsExpiringBefore(ts time.Time) ([]models.Alert, error) {
	out := make([]models.Alert, 0)
	for _, a := range t.state.alerts {
		if a.Status == models.AlertPending && a.ExpiresAt.Before(ts) {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (t *transaction) GetLock(id string) (models.WorkflowLock, error) {
	lock, ok := t.state.locks[id]
	if !ok {
		return models.WorkflowLock{}, fmt.Errorf("lock %s: %w", id, utils.ErrNotFound)
	}
	return lock, nil
}

func (t *transaction) ListLocks(propertyID string) ([]models.WorkflowLock, error) {
	return t.filterLocks(func(l models.WorkflowLock) bool { return l.PropertyID == propertyID }), nil
}

func (t *transaction) ListLocksByAlert(alertID string) ([]models.WorkflowLock, error) {
	return t.filterLocks(func(l models.WorkflowLock) bool { return l.AlertID == alertID }), nil
}

func (t *transaction) ListActiveLocksBefore(ts time.Time) ([]models.WorkflowLock, error) {
	return t.filterLocks(func(l models.WorkflowLock) bool {
		return l.Status == models.LockLocked && l.LockedAt.Before(ts)
	}), nil
}

func (t *transaction) filterLocks(keep func(models.WorkflowLock) bool) []models.WorkflowLock {
	out := make([]models.WorkflowLock, 0)
	for _, l := range t.state.locks {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LockedAt.Equal(out[j].LockedAt) {
			return out[i].LockedAt.Before(out[j].LockedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *transaction) GetPropertyState(propertyID string) (models.PropertyState, error) {
	if st, ok := t.state.properties[propertyID]; ok {
		return st, nil
	}
	return models.PropertyState{PropertyID: propertyID}, nil
}

func (t *transaction) InsertAnalysisResult(result models.AnalysisResult) error {
	if _, exists := t.state.results[result.ID]; exists {
		return fmt.Errorf("analysis result %s already exists", result.ID)
	}
	result.ZScores = append([]float64(nil), result.ZScores...)
	result.Flagged = append([]models.FlaggedPoint(nil), result.Flagged...)
	t.state.results[result.ID] = result
	return nil
}

func (t *transaction) InsertAlert(alert models.Alert) error {
	if _, exists := t.state.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	t.state.alerts[alert.ID] = alert
	return nil
}

func (t *transaction) UpdateAlert(alert models.Alert) error {
	if _, exists := t.state.alerts[alert.ID]; !exists {
		return fmt.Errorf("alert %s: %w", alert.ID, utils.ErrNotFound)
	}
	t.state.alerts[alert.ID] = alert
	return nil
}

func (t *transaction) DeleteAlert(id string) error {
	if _, exists := t.state.alerts[id]; !exists {
		return fmt.Errorf("alert %s: %w", id, utils.ErrNotFound)
	}
	delete(t.state.alerts, id)
	for lockID, l := range t.state.locks {
		if l.AlertID == id {
			delete(t.state.locks, lockID)
		}
	}
	return nil
}

func (t *transaction) InsertLock(lock models.WorkflowLock) error {
	if _, exists := t.state.locks[lock.ID]; exists {
		return fmt.Errorf("lock %s already exists", lock.ID)
	}
	if _, ok := t.state.alerts[lock.AlertID]; !ok {
		return fmt.Errorf("lock %s owner alert %s: %w", lock.ID, lock.AlertID, utils.ErrNotFound)
	}
	lock.BlockedActions = append([]models.Action(nil), lock.BlockedActions...)
	t.state.locks[lock.ID] = lock
	return nil
}

func (t *transaction) UpdateLock(lock models.WorkflowLock) error {
	if _, exists := t.state.locks[lock.ID]; !exists {
		return fmt.Errorf("lock %s: %w", lock.ID, utils.ErrNotFound)
	}
	lock.BlockedActions = append([]models.Action(nil), lock.BlockedActions...)
	t.state.locks[lock.ID] = lock
	return nil
}

func (t *transaction) PutPropertyState(st models.PropertyState, expectedVersion int64) error {
	current := t.state.properties[st.PropertyID]
	if current.Version != expectedVersion {
		return &utils.ConcurrentMutationError{
			PropertyID: st.PropertyID,
			Reason:     fmt.Sprintf("property state version %d, expected %d", current.Version, expectedVersion),
		}
	}
	st.BlockedActions = append([]models.Action(nil), st.BlockedActions...)
	t.state.properties[st.PropertyID] = st
	return nil
}

func sortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
