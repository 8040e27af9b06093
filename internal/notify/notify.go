// Package notify decides where "notification due" signals go. Delivery (email, SMS, chat) is owned
// by the subscriber of the published channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-governance/internal/cache"
)

// Kind names why a notification is due.
type Kind string

const (
	KindAlertCreated   Kind = "alert_created"
	KindAlertExpired   Kind = "alert_expired"
	KindAlertEscalated Kind = "alert_escalated"
	KindLockCreated    Kind = "lock_created"
	KindLockExpired    Kind = "lock_expired"
)

// Notification is a committee-addressed signal.
type Notification struct {
	Kind       Kind      `json:"kind"`
	PropertyID string    `json:"property_id"`
	AlertID    string    `json:"alert_id,omitempty"`
	LockID     string    `json:"lock_id,omitempty"`
	Committee  string    `json:"committee,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Title      string    `json:"title"`
	DueAt      time.Time `json:"due_at"`
}

// Notifier receives notifications after the triggering transition commits.
type Notifier interface {
	NotifyDue(ctx context.Context, n Notification) error
}

// Nop drops notifications.
type Nop struct{}

// NotifyDue implements Notifier.
func (Nop) NotifyDue(context.Context, Notification) error { return nil }

// LogNotifier records notifications in the service log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier wraps logger; nil uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyDue implements Notifier.
func (n *LogNotifier) NotifyDue(ctx context.Context, note Notification) error {
	n.logger.InfoContext(ctx, "notification due",
		slog.String("kind", string(note.Kind)),
		slog.String("property_id", note.PropertyID),
		slog.String("alert_id", note.AlertID),
		slog.String("committee", note.Committee),
		slog.String("severity", note.Severity),
		slog.String("title", note.Title),
	)
	return nil
}

// PubSubNotifier publishes JSON notifications to a channel.
type PubSubNotifier struct {
	publisher cache.Publisher
	channel   string
}

// NewPubSubNotifier publishes on channel through publisher.
func NewPubSubNotifier(publisher cache.Publisher, channel string) (*PubSubNotifier, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if channel == "" {
		channel = "governance:notifications"
	}
	return &PubSubNotifier{publisher: publisher, channel: channel}, nil
}

// NotifyDue implements Notifier.
func (n *PubSubNotifier) NotifyDue(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.publisher.Publish(ctx, n.channel, payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
