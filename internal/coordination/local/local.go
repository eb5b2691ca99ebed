package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/clusterd/internal/coordination"
)

// Leadership is an in-process leadership, the process is always the leader.
type Leadership struct{}

// NewLeadership returns a new local leadership.
func NewLeadership() Leadership { return Leadership{} }

func (Leadership) Run(ctx context.Context, onElected func(ctx context.Context), onRevoked func()) error {
	onElected(ctx)
	onRevoked()
	return ctx.Err()
}

// Lock is an in-process coordination.DistributedLock.
type Lock struct {
	locks map[string]*keyLock
	mu    sync.Mutex
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLock returns a new local lock.
func NewLock() *Lock {
	return &Lock{locks: map[string]*keyLock{}}
}

func (l *Lock) WithLock(ctx context.Context, tenantID, resourceID string, fn func(ctx context.Context) error) error {
	key := coordination.LockKey(tenantID, resourceID)

	kl := l.acquireRef(key)
	defer l.releaseRef(key)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("could not acquire lock %s: %w", key, ctx.Err())
	}
	defer func() { <-kl.ch }()

	return fn(ctx)
}

func (l *Lock) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Lock) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.locks[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
