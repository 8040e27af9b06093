package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-governance/internal/cache"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

const leaseKeyPrefix = "governance:property:"

// PropertySerializer runs governance mutations single-writer-per-property. Within a process a
// keyed mutex orders writers; across processes an optional cache lease (SET NX with TTL) does.
type PropertySerializer struct {
	logger   *slog.Logger
	lease    cache.Provider
	leaseTTL time.Duration
	backoff  time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewPropertySerializer builds a serializer. lease may be nil for single-process deployments.
func NewPropertySerializer(logger *slog.Logger, lease cache.Provider, leaseTTL time.Duration) *PropertySerializer {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &PropertySerializer{
		logger:   logger,
		lease:    lease,
		leaseTTL: leaseTTL,
		backoff:  50 * time.Millisecond,
		locks:    make(map[string]*keyLock),
	}
}

// Do runs fn while holding propertyID. A ConcurrentMutationError from the lease or from fn is
// retried once before it is returned.
func (s *PropertySerializer) Do(ctx context.Context, propertyID string, fn func(ctx context.Context) error) error {
	err := s.attempt(ctx, propertyID, fn)
	if !utils.IsConcurrentMutation(err) {
		return err
	}
	metrics.ObserveConflict()
	s.logger.Warn("property mutation conflict, retrying", slog.String("property_id", propertyID), slog.Any("error", err))

	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-time.After(s.backoff):
	}

	err = s.attempt(ctx, propertyID, fn)
	if utils.IsConcurrentMutation(err) {
		metrics.ObserveConflict()
	}
	return err
}

func (s *PropertySerializer) attempt(ctx context.Context, propertyID string, fn func(ctx context.Context) error) error {
	unlock := s.acquireLocal(propertyID)
	defer unlock()

	if s.lease != nil {
		release, err := s.acquireLease(ctx, propertyID)
		if err != nil {
			return err
		}
		defer release()
	}
	return fn(ctx)
}

func (s *PropertySerializer) acquireLocal(propertyID string) func() {
	s.mu.Lock()
	l, ok := s.locks[propertyID]
	if !ok {
		l = &keyLock{}
		s.locks[propertyID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, propertyID)
		}
		s.mu.Unlock()
	}
}

func (s *PropertySerializer) acquireLease(ctx context.Context, propertyID string) (func(), error) {
	key := leaseKeyPrefix + propertyID
	token := []byte(uuid.NewString())

	ok, err := s.lease.SetNX(ctx, key, token, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire property lease %s: %w", propertyID, err)
	}
	if !ok {
		return nil, &utils.ConcurrentMutationError{PropertyID: propertyID, Reason: "lease held by another writer"}
	}

	return func() {
		// Release on a fresh context so a cancelled caller does not strand the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if r, ok := s.lease.(cache.Releaser); ok {
			_, err = r.Release(releaseCtx, key, token)
		} else {
			err = s.lease.Del(releaseCtx, key)
		}
		if err != nil {
			s.logger.Warn("failed to release property lease", slog.String("property_id", propertyID), slog.Any("error", err))
		}
	}, nil
}
