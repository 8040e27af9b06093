// Package audit carries state-transition facts out of the engine. Storage and format belong to the
// sink; the engine emits one Fact per transition after the owning unit of work commits.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Action names a governance transition.
type Action string

const (
	ActionAlertCreated   Action = "alert_created"
	ActionAlertResolved  Action = "alert_resolved"
	ActionAlertEscalated Action = "alert_escalated"
	ActionAlertExpired   Action = "alert_expired"
	ActionAlertDeleted   Action = "alert_deleted"
	ActionLockCreated    Action = "lock_created"
	ActionLockUnlocked   Action = "lock_unlocked"
	ActionLockExpired    Action = "lock_expired"
)

// SystemActor is recorded for transitions made by sweeps and scheduled runs.
const SystemActor = "system"

// Fact is one auditable transition.
type Fact struct {
	Action     Action    `json:"action"`
	Actor      string    `json:"actor"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	PropertyID string    `json:"property_id"`
	OldState   string    `json:"old_state"`
	NewState   string    `json:"new_state"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives audit facts.
type Sink interface {
	Emit(ctx context.Context, fact Fact) error
}

// Discard drops every fact.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, Fact) error { return nil }

// LogSink writes facts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wraps logger; nil uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, fact Fact) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("action", string(fact.Action)),
		slog.String("actor", fact.Actor),
		slog.String("entity", fact.Entity),
		slog.String("entity_id", fact.EntityID),
		slog.String("property_id", fact.PropertyID),
		slog.String("old_state", fact.OldState),
		slog.String("new_state", fact.NewState),
		slog.String("reason", fact.Reason),
		slog.Time("timestamp", fact.Timestamp),
	)
	return nil
}

// MemorySink keeps facts in order, for tests and diagnostics.
type MemorySink struct {
	mu    sync.Mutex
	facts []Fact
}

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, fact Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, fact)
	return nil
}

// Facts returns a copy of the recorded facts.
func (s *MemorySink) Facts() []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fact(nil), s.facts...)
}

// Count returns how many facts carry action.
func (s *MemorySink) Count(action Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.facts {
		if f.Action == action {
			n++
		}
	}
	return n
}

// Multi fans a fact out to every sink and joins their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, fact Fact) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, fact); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
