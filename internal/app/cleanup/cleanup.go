package cleanup

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/slok/clusterd/internal/app/clusterops"
	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/storage"
)

// DefaultTaskTimeout is the default time a task can be claimed by a worker.
const DefaultTaskTimeout = 30 * time.Minute

// ServiceConfig is the configuration for the cleanup service.
type ServiceConfig struct {
	Repository       storage.Repository
	ProvisionerQueue queue.Queue
	Dispatch         *dispatch.Service
	ClusterOps       *clusterops.Service
	Metrics          metrics.Recorder
	// TaskTimeout is the time after a claimed task is considered lost.
	TaskTimeout time.Duration
	// ShardIndex and ShardCount select the expired clusters this instance handles.
	ShardIndex int
	ShardCount int
	TimeNow    func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.ProvisionerQueue == nil {
		return fmt.Errorf("provisioner queue is required")
	}
	if c.Dispatch == nil {
		return fmt.Errorf("dispatch service is required")
	}
	if c.ClusterOps == nil {
		return fmt.Errorf("cluster operations service is required")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task timeout can't be negative")
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 1
	}
	if c.ShardIndex < 0 || c.ShardIndex >= c.ShardCount {
		return fmt.Errorf("shard index %d out of range for %d shards", c.ShardIndex, c.ShardCount)
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Cleanup"})
	return nil
}

// Service reaps the lost tasks and deletes the expired clusters.
type Service struct {
	repo        storage.Repository
	provQueue   queue.Queue
	dispatch    *dispatch.Service
	clusterOps  *clusterops.Service
	metrics     metrics.Recorder
	taskTimeout time.Duration
	shardIndex  int
	shardCount  int
	timeNow     func() time.Time
	logger      log.Logger
}

// NewService creates a new cleanup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:        cfg.Repository,
		provQueue:   cfg.ProvisionerQueue,
		dispatch:    cfg.Dispatch,
		clusterOps:  cfg.ClusterOps,
		metrics:     cfg.Metrics,
		taskTimeout: cfg.TaskTimeout,
		shardIndex:  cfg.ShardIndex,
		shardCount:  cfg.ShardCount,
		timeNow:     cfg.TimeNow,
		logger:      cfg.Logger,
	}, nil
}

// ReapTimedOutTasks fails the claimed tasks not reported in time, returns the
// number of reaped tasks.
func (s *Service) ReapTimedOutTasks(ctx context.Context) (int, error) {
	tenants, err := s.provQueue.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list tenants: %w", err)
	}

	now := s.timeNow()
	reaped := 0
	var errs []error
	for _, tenant := range tenants {
		claimed, err := s.provQueue.ListClaimedUnacked(ctx, tenant)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not list claimed tasks of tenant %s: %w", tenant, err))
			continue
		}

		for _, ce := range claimed {
			if now.Sub(ce.ClaimedAt) < s.taskTimeout {
				continue
			}

			ok, err := s.dispatch.FailTimedOut(ctx, ce)
			if err != nil {
				errs = append(errs, fmt.Errorf("could not reap task %s: %w", ce.ID, err))
				continue
			}
			if !ok {
				continue
			}

			reaped++
			s.metrics.IncTaskReaped(ctx)
			s.logger.Warningf("Task %s of tenant %s timed out on %s", ce.ID, tenant, ce.ConsumerID)
		}
	}

	return reaped, errors.Join(errs...)
}

// ExpireClusters requests the deletion of the expired clusters of this instance
// shard, returns the number of clusters being deleted.
func (s *Service) ExpireClusters(ctx context.Context) (int, error) {
	clusters, err := s.repo.ListExpiredClusters(ctx, s.timeNow(), model.ClusterStatusActive, model.ClusterStatusIncomplete)
	if err != nil {
		return 0, fmt.Errorf("could not list expired clusters: %w", err)
	}

	expired := 0
	var errs []error
	for _, c := range clusters {
		if !InShard(c.ID, s.shardIndex, s.shardCount) {
			continue
		}

		_, err := s.clusterOps.Delete(ctx, c.TenantID, c.ID)
		if err != nil {
			// Another job got first, the cluster will be checked again on the next run.
			if errors.Is(err, model.ErrConflict) {
				s.logger.Debugf("Expired cluster %s busy: %s", c.ID, err)
				continue
			}
			errs = append(errs, fmt.Errorf("could not delete expired cluster %s: %w", c.ID, err))
			continue
		}

		expired++
		s.metrics.IncClusterExpired(ctx)
		s.logger.Infof("Cluster %s of tenant %s expired at %s, deleting", c.ID, c.TenantID, c.ExpireAt.Format(time.RFC3339))
	}

	return expired, errors.Join(errs...)
}

// ReportLongRunning reports the tasks in progress for longer than the task
// timeout, returns the number of them.
func (s *Service) ReportLongRunning(ctx context.Context) (int, error) {
	tasks, err := s.repo.ListInProgressTasks(ctx, s.timeNow().Add(-s.taskTimeout))
	if err != nil {
		return 0, fmt.Errorf("could not list tasks in progress: %w", err)
	}

	for _, t := range tasks {
		s.logger.Warningf("Task %s (%s on %s) in progress since %s", t.ID, t.Action, t.NodeID, t.CurrentAttempt().SubmitTime.Format(time.RFC3339))
	}
	s.metrics.SetLongRunningTasks(ctx, len(tasks))

	return len(tasks), nil
}

// InShard returns true if the cluster belongs to the shard.
func InShard(clusterID string, index, count int) bool {
	if count <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clusterID))
	return h.Sum32()%uint32(count) == uint32(index)
}
