package utils

import (
	"errors"
	"testing"
	"time"
)

func TestParseDateAcceptsBothLayouts(t *testing.T) {
	d, err := ParseDate("2026-03-31")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if d.Day() != 31 || d.Month() != time.March {
		t.Fatalf("unexpected date %v", d)
	}
	ts, err := ParseDate("2026-03-31T10:00:00Z")
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if ts.Hour() != 10 {
		t.Fatalf("unexpected hour %d", ts.Hour())
	}
	if _, err := ParseDate(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
}

func TestInsufficientDataMessage(t *testing.T) {
	err := error(&InsufficientDataError{Need: 3, Have: 1})
	if err.Error() != "insufficient history: need ≥3 points, have 1" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var target *InsufficientDataError
	if !errors.As(NewAppError("run", "analysis skipped", err), &target) {
		t.Fatalf("expected AppError to unwrap to InsufficientDataError")
	}
}

func TestIsConcurrentMutation(t *testing.T) {
	wrapped := NewAppError("lock", "create", &ConcurrentMutationError{PropertyID: "p1", Reason: "lease held"})
	if !IsConcurrentMutation(wrapped) {
		t.Fatalf("expected concurrent mutation to be detected")
	}
	if IsConcurrentMutation(ErrNotFound) {
		t.Fatalf("unexpected match")
	}
}
