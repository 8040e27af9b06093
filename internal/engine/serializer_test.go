package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-governance/internal/cache"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func TestSerializerOrdersWritersPerProperty(t *testing.T) {
	s := NewPropertySerializer(nil, nil, 0)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), "prop-1", func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != 20 {
		t.Fatalf("counter = %d, want 20", counter)
	}
	if len(s.locks) != 0 {
		t.Fatalf("keyed locks leaked: %d", len(s.locks))
	}
}

func TestSerializerRetriesConflictOnce(t *testing.T) {
	s := NewPropertySerializer(nil, nil, 0)
	s.backoff = time.Millisecond

	calls := 0
	err := s.Do(context.Background(), "prop-1", func(context.Context) error {
		calls++
		if calls == 1 {
			return &utils.ConcurrentMutationError{PropertyID: "prop-1", Reason: "version moved"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = s.Do(context.Background(), "prop-1", func(context.Context) error {
		calls++
		return &utils.ConcurrentMutationError{PropertyID: "prop-1", Reason: "version moved"}
	})
	if !utils.IsConcurrentMutation(err) || calls != 2 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	plain := errors.New("boom")
	calls = 0
	err = s.Do(context.Background(), "prop-1", func(context.Context) error {
		calls++
		return plain
	})
	if !errors.Is(err, plain) || calls != 1 {
		t.Fatalf("plain errors must not retry: err = %v, calls = %d", err, calls)
	}
}

func TestSerializerLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	lease := cache.NewMemoryProvider()
	if err := lease.Set(ctx, leaseKeyPrefix+"prop-1", []byte("other-replica"), time.Minute); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	s := NewPropertySerializer(nil, lease, time.Second)
	s.backoff = time.Millisecond

	ran := false
	err := s.Do(ctx, "prop-1", func(context.Context) error {
		ran = true
		return nil
	})
	if !utils.IsConcurrentMutation(err) || ran {
		t.Fatalf("err = %v, ran = %v", err, ran)
	}

	// Another property is unaffected and its lease is released afterwards.
	if err := s.Do(ctx, "prop-2", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("prop-2: %v", err)
	}
	if _, err := lease.Get(ctx, leaseKeyPrefix+"prop-2"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("lease not released: %v", err)
	}
	if v, _ := lease.Get(ctx, leaseKeyPrefix+"prop-1"); string(v) != "other-replica" {
		t.Fatalf("foreign lease overwritten: %q", v)
	}
}
