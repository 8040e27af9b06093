package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsOnStartAndTicks(t *testing.T) {
	s := New(nil, time.Second)
	var runs atomic.Int32
	if err := s.Add(Job{Name: "sweep", Interval: 10 * time.Millisecond, RunOnStart: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	got := runs.Load()
	if got < 3 {
		t.Fatalf("runs = %d, want at least 3", got)
	}
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != got {
		t.Fatalf("job ran after stop")
	}
}

func TestSchedulerSurvivesFailuresAndPanics(t *testing.T) {
	s := New(nil, 0)
	calls := 0
	if err := s.Add(Job{Name: "flaky", Interval: time.Hour, Run: func(context.Context) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return errors.New("upstream down")
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RunNow(context.Background(), "flaky"); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if err := s.RunNow(context.Background(), "flaky"); err == nil || err.Error() != "upstream down" {
		t.Fatalf("err = %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}
}

func TestSchedulerBoundsJobRuntime(t *testing.T) {
	s := New(nil, 20*time.Millisecond)
	if err := s.Add(Job{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestSchedulerRejectsInvalidJobs(t *testing.T) {
	s := New(nil, 0)
	if err := s.Add(Job{Name: "", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for unnamed job")
	}
	if err := s.Add(Job{Name: "zero", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}
