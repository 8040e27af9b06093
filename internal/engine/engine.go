// Package engine holds the governance state machines: anomaly classification, alert generation and
// workflow locks. All mutations go through a PropertySerializer and a single store unit of work;
// audit facts and notifications are released only after the unit commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/notify"
	"github.com/miradorstack/mirador-governance/internal/store"
)

var (
	// ErrSeverityNotLockable is returned when lock creation is requested for a severity outside
	// the configured lockable set.
	ErrSeverityNotLockable = errors.New("alert severity is not lockable")
	// ErrInvalidLockOptions signals an override naming unknown actions or an empty action set.
	ErrInvalidLockOptions = errors.New("invalid lock options")
)

// HistorySource is the read-only metric store contract.
type HistorySource interface {
	FetchMetricHistory(ctx context.Context, propertyID, metricName string, start, end time.Time) ([]models.MetricSample, error)
}

// Deps are the collaborators shared by the engine components.
type Deps struct {
	Store      store.Store
	Serializer *PropertySerializer
	Audit      audit.Sink
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

func (d Deps) normalise() (Deps, error) {
	if d.Store == nil {
		return d, fmt.Errorf("engine: store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Serializer == nil {
		d.Serializer = NewPropertySerializer(d.Logger, nil, 0)
	}
	if d.Audit == nil {
		d.Audit = audit.Discard{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d, nil
}

// effects buffers what a unit of work wants to announce; flushed after commit.
type effects struct {
	facts       []audit.Fact
	notes       []notify.Notification
	transitions []string
}

func (e *effects) fact(f audit.Fact) {
	e.facts = append(e.facts, f)
}

func (e *effects) notify(n notify.Notification) {
	e.notes = append(e.notes, n)
}

func (e *effects) transition(state string) {
	e.transitions = append(e.transitions, state)
}

func (d Deps) flush(ctx context.Context, eff effects) {
	for _, state := range eff.transitions {
		metrics.ObserveLockTransition(state)
	}
	for _, f := range eff.facts {
		if err := d.Audit.Emit(ctx, f); err != nil {
			d.Logger.Error("audit emit failed",
				slog.String("action", string(f.Action)),
				slog.String("entity_id", f.EntityID),
				slog.Any("error", err))
		}
	}
	for _, n := range eff.notes {
		if err := d.Notifier.NotifyDue(ctx, n); err != nil {
			d.Logger.Warn("notification failed",
				slog.String("kind", string(n.Kind)),
				slog.String("property_id", n.PropertyID),
				slog.Any("error", err))
		}
	}
}

// mutate runs fn for propertyID under the serializer inside one unit of work and flushes the
// buffered effects once committed.
func (d Deps) mutate(ctx context.Context, propertyID string, fn func(tx store.Tx, eff *effects) error) error {
	var committed effects
	err := d.Serializer.Do(ctx, propertyID, func(ctx context.Context) error {
		var eff effects
		if err := d.Store.Atomically(ctx, func(tx store.Tx) error {
			return fn(tx, &eff)
		}); err != nil {
			return err
		}
		committed = eff
		return nil
	})
	if err != nil {
		return err
	}
	d.flush(ctx, committed)
	return nil
}

// syncPropertyState recomputes the derived restriction aggregate from the property's locks and
// verifies that the flag matches the existence of a locked lock.
func syncPropertyState(tx store.Tx, propertyID string, now time.Time) (models.PropertyState, error) {
	prev, err := tx.GetPropertyState(propertyID)
	if err != nil {
		return models.PropertyState{}, err
	}
	locks, err := tx.ListLocks(propertyID)
	if err != nil {
		return models.PropertyState{}, err
	}
	active := activeOnly(locks)

	next := models.PropertyState{
		PropertyID:           propertyID,
		HasActiveRestriction: len(active) > 0,
		ActiveLockCount:      len(active),
		BlockedActions:       unionActions(active),
		Version:              prev.Version + 1,
		UpdatedAt:            now,
	}
	if err := tx.PutPropertyState(next, prev.Version); err != nil {
		return models.PropertyState{}, err
	}

	stored, err := tx.GetPropertyState(propertyID)
	if err != nil {
		return models.PropertyState{}, err
	}
	after, err := tx.ListLocks(propertyID)
	if err != nil {
		return models.PropertyState{}, err
	}
	if stored.HasActiveRestriction != (len(activeOnly(after)) > 0) {
		return models.PropertyState{}, fmt.Errorf("property %s restriction flag %t disagrees with %d active locks",
			propertyID, stored.HasActiveRestriction, len(activeOnly(after)))
	}
	return stored, nil
}

func activeOnly(locks []models.WorkflowLock) []models.WorkflowLock {
	out := make([]models.WorkflowLock, 0, len(locks))
	for _, l := range locks {
		if l.Status == models.LockLocked {
			out = append(out, l)
		}
	}
	return out
}

// unionActions returns the blocked actions of locks in canonical order.
func unionActions(locks []models.WorkflowLock) []models.Action {
	set := make(map[models.Action]struct{})
	for _, l := range locks {
		for _, a := range l.BlockedActions {
			set[a] = struct{}{}
		}
	}
	out := make([]models.Action, 0, len(set))
	for _, a := range models.KnownActions() {
		if _, ok := set[a]; ok {
			out = append(out, a)
		}
	}
	return out
}
