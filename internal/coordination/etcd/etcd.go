package etcd

import (
	"context"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/log"
)

// Key prefixes.
const (
	ElectionKeyPrefix = "/clusterd/leader"
	LockKeyPrefix     = "/clusterd/locks/"
)

// NewClient returns an etcd client connected to the endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create etcd client: %w", err)
	}
	return cli, nil
}

// LeadershipConfig is the configuration of the etcd leadership.
type LeadershipConfig struct {
	Client *clientv3.Client
	// ID is the identity of this process on the election.
	ID string
	// SessionTTL is the lease TTL in seconds, the leadership is lost after it when the process dies.
	SessionTTL int
	// RetryInterval is the wait between campaigns after an error.
	RetryInterval time.Duration
	Logger        log.Logger
}

func (c *LeadershipConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("etcd client is required")
	}
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "etcd.Leadership", "id": c.ID})
	return nil
}

// Leadership is an etcd election based coordination.Leadership.
type Leadership struct {
	cfg LeadershipConfig
}

// NewLeadership returns a new etcd leadership.
func NewLeadership(cfg LeadershipConfig) (*Leadership, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Leadership{cfg: cfg}, nil
}

func (l *Leadership) Run(ctx context.Context, onElected func(ctx context.Context), onRevoked func()) error {
	for {
		if err := l.campaign(ctx, onElected, onRevoked); err != nil {
			l.cfg.Logger.Errorf("Leadership campaign failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}

// campaign blocks until elected, runs the leader callbacks and returns once the leadership is lost.
func (l *Leadership) campaign(ctx context.Context, onElected func(ctx context.Context), onRevoked func()) error {
	session, err := concurrency.NewSession(l.cfg.Client, concurrency.WithTTL(l.cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, ElectionKeyPrefix)
	if err := election.Campaign(ctx, l.cfg.ID); err != nil {
		return fmt.Errorf("could not campaign: %w", err)
	}
	l.cfg.Logger.Infof("Elected as leader")

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			l.cfg.Logger.Warningf("Session expired, leadership lost")
			cancel()
		case <-leaderCtx.Done():
		}
	}()

	onElected(leaderCtx)
	cancel()
	onRevoked()

	resignCtx, resignCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer resignCancel()
	if err := election.Resign(resignCtx); err != nil {
		l.cfg.Logger.Warningf("Could not resign leadership: %s", err)
	}

	return nil
}

// LockConfig is the configuration of the etcd lock.
type LockConfig struct {
	Client *clientv3.Client
	// SessionTTL is the lease TTL in seconds of the lock sessions.
	SessionTTL int
	Logger     log.Logger
}

func (c *LockConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("etcd client is required")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "etcd.Lock"})
	return nil
}

// Lock is an etcd mutex based coordination.DistributedLock.
type Lock struct {
	cfg LockConfig
}

// NewLock returns a new etcd lock.
func NewLock(cfg LockConfig) (*Lock, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Lock{cfg: cfg}, nil
}

func (l *Lock) WithLock(ctx context.Context, tenantID, resourceID string, fn func(ctx context.Context) error) error {
	key := path.Join(LockKeyPrefix, coordination.LockKey(tenantID, resourceID))

	session, err := concurrency.NewSession(l.cfg.Client, concurrency.WithTTL(l.cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}
	defer session.Close()

	mu := concurrency.NewMutex(session, key)
	if err := mu.Lock(ctx); err != nil {
		return fmt.Errorf("could not acquire lock %s: %w", key, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := mu.Unlock(unlockCtx); err != nil {
			l.cfg.Logger.Warningf("Could not release lock %s: %s", key, err)
		}
	}()

	return fn(ctx)
}
