package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	c := NewMemoryProvider()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := c.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Fatalf("expected hit, got %q %v", v, err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestMemoryProviderLeaseSemantics(t *testing.T) {
	c := NewMemoryProvider()
	ctx := context.Background()

	ok, _ := c.SetNX(ctx, "lease", []byte("a"), time.Minute)
	if !ok {
		t.Fatalf("expected first SetNX to win")
	}
	ok, _ = c.SetNX(ctx, "lease", []byte("b"), time.Minute)
	if ok {
		t.Fatalf("expected second SetNX to lose")
	}
	if released, _ := c.Release(ctx, "lease", []byte("b")); released {
		t.Fatalf("release with foreign token must not delete")
	}
	if released, _ := c.Release(ctx, "lease", []byte("a")); !released {
		t.Fatalf("expected owner release to succeed")
	}
	ok, _ = c.SetNX(ctx, "lease", []byte("b"), time.Minute)
	if !ok {
		t.Fatalf("expected lease to be free after release")
	}
}

func TestNoopProviderAlwaysMisses(t *testing.T) {
	var p Provider = NoopProvider{}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}
