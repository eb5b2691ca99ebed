package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/clusterd/internal/app/clusterops"
	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/coordination/etcd"
	"github.com/slok/clusterd/internal/coordination/local"
	"github.com/slok/clusterd/internal/events"
	eventsnats "github.com/slok/clusterd/internal/events/nats"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	queuesqlite "github.com/slok/clusterd/internal/queue/sqlite"
	storageio "github.com/slok/clusterd/internal/storage/io"
	"github.com/slok/clusterd/internal/storage/sqlite"
)

// Queue names.
const (
	queueClusterActions = "cluster-actions"
	queueJobs           = "jobs"
	queueProvisioner    = "provisioner"
)

// queueClaimTimeout is the claim age after which the engine queues redeliver an
// element, the provisioner queue never redelivers and relies on the reaper.
const queueClaimTimeout = 5 * time.Minute

// backends are the shared stores, queues and coordination of the processes.
type backends struct {
	id          string
	repo        *sqlite.Repository
	actionQueue queue.Queue
	jobQueue    queue.Queue
	provQueue   queue.Queue
	lock        coordination.DistributedLock
	leadership  coordination.Leadership
	actionTable *model.ActionTable
	taskStatus  *taskstatus.Service
	dispatch    *dispatch.Service
	closers     []func() error
}

func newBackends(ctx context.Context, root *RootCommand, rec metrics.Recorder) (_ *backends, err error) {
	logger := root.Logger
	b := &backends{id: processID()}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	// 1. Store.
	b.repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: root.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}
	b.closers = append(b.closers, b.repo.Close)

	// 2. Queues sharing the store database.
	newQueue := func(name string, claimTimeout time.Duration) (queue.Queue, error) {
		q, err := queuesqlite.NewQueue(queuesqlite.QueueConfig{
			DB:           b.repo.DB(),
			Name:         name,
			ClaimTimeout: claimTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create %s queue: %w", name, err)
		}
		return q, nil
	}
	if b.actionQueue, err = newQueue(queueClusterActions, queueClaimTimeout); err != nil {
		return nil, err
	}
	if b.jobQueue, err = newQueue(queueJobs, queueClaimTimeout); err != nil {
		return nil, err
	}
	if b.provQueue, err = newQueue(queueProvisioner, 0); err != nil {
		return nil, err
	}

	// 3. Coordination.
	if len(root.EtcdEndpoints) > 0 {
		cli, err := etcd.NewClient(root.EtcdEndpoints)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, cli.Close)

		b.leadership, err = etcd.NewLeadership(etcd.LeadershipConfig{Client: cli, ID: b.id, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create etcd leadership: %w", err)
		}
		b.lock, err = etcd.NewLock(etcd.LockConfig{Client: cli, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create etcd lock: %w", err)
		}
	} else {
		logger.Debugf("No etcd endpoints, using in-process coordination")
		b.leadership = local.NewLeadership()
		b.lock = local.NewLock()
	}

	// 4. Action table.
	b.actionTable = model.DefaultActionTable()
	if root.ActionTablePath != "" {
		repo := storageio.NewYAMLRepository(os.DirFS(filepath.Dir(root.ActionTablePath)))
		b.actionTable, err = repo.GetActionTable(ctx, filepath.Base(root.ActionTablePath))
		if err != nil {
			return nil, fmt.Errorf("could not load action table: %w", err)
		}
	}

	// 5. Lifecycle events.
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if root.NATSURL != "" {
		nc, err := eventsnats.Connect(root.NATSURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { nc.Close(); return nil })

		publisher, err = eventsnats.NewPublisher(eventsnats.PublisherConfig{Conn: nc, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create nats publisher: %w", err)
		}
	}

	// 6. Shared services.
	b.taskStatus, err = taskstatus.NewService(taskstatus.ServiceConfig{
		Repository:  b.repo,
		Credentials: b.repo,
		ActionTable: b.actionTable,
		Publisher:   publisher,
		Metrics:     rec,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create task status service: %w", err)
	}

	b.dispatch, err = dispatch.NewService(dispatch.ServiceConfig{
		Repository:       b.repo,
		Credentials:      b.repo,
		ProvisionerQueue: b.provQueue,
		JobQueue:         b.jobQueue,
		TaskStatus:       b.taskStatus,
		Lock:             b.lock,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dispatch service: %w", err)
	}

	return b, nil
}

func (b *backends) clusterOps(root *RootCommand) (*clusterops.Service, error) {
	svc, err := clusterops.NewService(clusterops.ServiceConfig{
		Repository:         b.repo,
		Credentials:        b.repo,
		ActionTable:        b.actionTable,
		Lock:               b.lock,
		ClusterActionQueue: b.actionQueue,
		JobQueue:           b.jobQueue,
		TaskStatus:         b.taskStatus,
		Logger:             root.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create cluster operations service: %w", err)
	}
	return svc, nil
}

// Close closes the backends in reverse creation order.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "clusterd"
	}
	return fmt.Sprintf("%s-%s", host, strings.ToLower(ulid.Make().String()))
}
