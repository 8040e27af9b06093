package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type recordingPublisher struct {
	channel string
	payload []byte
}

func (r *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	r.channel = channel
	r.payload = payload
	return nil
}

func TestPubSubNotifierPublishesJSON(t *testing.T) {
	pub := &recordingPublisher{}
	n, err := NewPubSubNotifier(pub, "")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	note := Notification{
		Kind:       KindAlertCreated,
		PropertyID: "p1",
		AlertID:    "a1",
		Committee:  "finance_subcommittee",
		Severity:   "critical",
		Title:      "Debt service coverage below covenant",
		DueAt:      time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	if err := n.NotifyDue(context.Background(), note); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.channel != "governance:notifications" {
		t.Fatalf("unexpected channel %s", pub.channel)
	}
	var decoded Notification
	if err := json.Unmarshal(pub.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.AlertID != "a1" || decoded.Kind != KindAlertCreated {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestPubSubNotifierRequiresPublisher(t *testing.T) {
	if _, err := NewPubSubNotifier(nil, "x"); err == nil {
		t.Fatalf("expected error without publisher")
	}
}
