package local_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/coordination/local"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := local.NewLock()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "t1", "c1", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestLockDifferentKeysRunConcurrently(t *testing.T) {
	l := local.NewLock()
	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "t1", "c1", func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	// Same resource on another tenant is another lock.
	err := l.WithLock(context.Background(), "t2", "c1", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	// Held key should respect the context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.WithLock(ctx, "t1", "c1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestLockReleasedOnError(t *testing.T) {
	l := local.NewLock()

	err := l.WithLock(context.Background(), "t1", "c1", func(ctx context.Context) error { return fmt.Errorf("something") })
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	called := false
	err = l.WithLock(ctx, "t1", "c1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLeadershipRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	elected := make(chan struct{})
	revoked := false

	done := make(chan error)
	go func() {
		done <- local.NewLeadership().Run(ctx, func(ctx context.Context) {
			close(elected)
			<-ctx.Done()
		}, func() { revoked = true })
	}()

	<-elected
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, revoked)
}
