package clusterops

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/storage"
)

// ServiceConfig is the configuration for the cluster operations service.
type ServiceConfig struct {
	Repository         storage.Repository
	Credentials        storage.CredentialStore
	ActionTable        *model.ActionTable
	Lock               coordination.DistributedLock
	ClusterActionQueue queue.Queue
	JobQueue           queue.Queue
	TaskStatus         *taskstatus.Service
	IDGenerator        func() string
	TimeNow            func() time.Time
	Logger             log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Credentials == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.Lock == nil {
		return fmt.Errorf("lock is required")
	}
	if c.ClusterActionQueue == nil {
		return fmt.Errorf("cluster action queue is required")
	}
	if c.JobQueue == nil {
		return fmt.Errorf("job queue is required")
	}
	if c.TaskStatus == nil {
		return fmt.Errorf("task status service is required")
	}
	if c.ActionTable == nil {
		c.ActionTable = model.DefaultActionTable()
	}
	if c.IDGenerator == nil {
		c.IDGenerator = func() string { return strings.ToLower(ulid.Make().String()) }
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.ClusterOps"})
	return nil
}

// Service is the entry point of the cluster actions requested by the users.
type Service struct {
	repo        storage.Repository
	creds       storage.CredentialStore
	table       *model.ActionTable
	lock        coordination.DistributedLock
	actionQueue queue.Queue
	jobQueue    queue.Queue
	taskStatus  *taskstatus.Service
	idGen       func() string
	timeNow     func() time.Time
	logger      log.Logger
}

// NewService creates a new cluster operations service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:        cfg.Repository,
		creds:       cfg.Credentials,
		table:       cfg.ActionTable,
		lock:        cfg.Lock,
		actionQueue: cfg.ClusterActionQueue,
		jobQueue:    cfg.JobQueue,
		taskStatus:  cfg.TaskStatus,
		idGen:       cfg.IDGenerator,
		timeNow:     cfg.TimeNow,
		logger:      cfg.Logger,
	}, nil
}

// CreateOptions are the options to create a cluster.
type CreateOptions struct {
	TenantID string
	Name     string
	OwnerID  string
	Services []model.Service
	Config   map[string]any
	Provider model.Provider
	// Credentials are the sensitive provider fields, they are handed to the
	// provisioners but never stored with the cluster.
	Credentials map[string]string
	// Layout are the services of every node, the result of the layout solver.
	Layout [][]string
	// Flavor and Image of the nodes.
	Flavor string
	Image  string
	// TTL is the lease of the cluster, zero means no expiration.
	TTL time.Duration
}

func (o CreateOptions) validate() error {
	if o.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if o.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(o.Layout) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if o.TTL < 0 {
		return fmt.Errorf("ttl can't be negative")
	}

	known := map[string]bool{}
	for _, s := range o.Services {
		if s.Name == "" {
			return fmt.Errorf("service name is required")
		}
		known[s.Name] = true
	}
	for i, services := range o.Layout {
		for _, s := range services {
			if !known[s] {
				return fmt.Errorf("node %d has unknown service %q", i+1, s)
			}
		}
	}

	return nil
}

// Create stores a new cluster with its nodes and requests its creation.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*model.Cluster, *model.ClusterJob, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid options: %w: %w", err, model.ErrNotValid)
	}

	now := s.timeNow()
	cluster := model.Cluster{
		ID:        s.idGen(),
		TenantID:  opts.TenantID,
		Name:      opts.Name,
		OwnerID:   opts.OwnerID,
		Status:    model.ClusterStatusPending,
		Services:  opts.Services,
		Config:    opts.Config,
		Provider:  opts.Provider,
		CreatedAt: now,
	}
	if opts.TTL > 0 {
		cluster.ExpireAt = now.Add(opts.TTL)
	}

	var job *model.ClusterJob
	err := s.lock.WithLock(ctx, opts.TenantID, cluster.ID, func(ctx context.Context) error {
		for i, services := range opts.Layout {
			n := model.Node{
				ID:        model.NodeID(cluster.ID, i+1),
				ClusterID: cluster.ID,
				Num:       i + 1,
				Services:  slices.Clone(services),
				Properties: model.NodeProperties{
					Flavor: opts.Flavor,
					Image:  opts.Image,
				},
			}
			if err := s.repo.CreateNode(ctx, n); err != nil {
				return fmt.Errorf("could not create node: %w", err)
			}
			cluster.NodeIDs = append(cluster.NodeIDs, n.ID)
		}

		if err := s.repo.CreateCluster(ctx, cluster); err != nil {
			return fmt.Errorf("could not create cluster: %w", err)
		}

		if len(opts.Credentials) > 0 {
			if err := s.creds.SetCredentials(ctx, opts.TenantID, cluster.ID, opts.Credentials); err != nil {
				return fmt.Errorf("could not store credentials: %w", err)
			}
		}

		var err error
		job, err = s.newJob(ctx, &cluster, model.ClusterActionCreate, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Infof("Cluster %s (%s) of tenant %s requested with %d nodes", cluster.ID, cluster.Name, cluster.TenantID, len(cluster.NodeIDs))
	return &cluster, job, nil
}

// RequestOptions are the options to request an action on an existing cluster.
type RequestOptions struct {
	TenantID  string
	ClusterID string
	Action    model.ClusterAction
	// Services restricts a service action to these services, required to add services.
	Services []string
}

// RequestAction requests an action on the cluster, only one job can be active per
// cluster at a time (model.ErrConflict).
func (s *Service) RequestAction(ctx context.Context, opts RequestOptions) (*model.ClusterJob, error) {
	if opts.Action == model.ClusterActionCreate {
		return nil, fmt.Errorf("clusters can't be created again: %w", model.ErrNotValid)
	}
	if _, err := s.table.Spec(opts.Action); err != nil {
		return nil, fmt.Errorf("unknown action %q: %w", opts.Action, model.ErrNotValid)
	}
	if opts.Action == model.ClusterActionAddServices && len(opts.Services) == 0 {
		return nil, fmt.Errorf("services are required to add services: %w", model.ErrNotValid)
	}

	var job *model.ClusterJob
	err := s.lock.WithLock(ctx, opts.TenantID, opts.ClusterID, func(ctx context.Context) error {
		cluster, err := s.getCluster(ctx, opts.TenantID, opts.ClusterID)
		if err != nil {
			return err
		}

		if cluster.Status == model.ClusterStatusTerminated {
			return fmt.Errorf("cluster %s is terminated: %w", cluster.ID, model.ErrConflict)
		}
		if err := s.checkNoActiveJob(ctx, cluster); err != nil {
			return err
		}

		for _, name := range opts.Services {
			if _, ok := cluster.Service(name); !ok {
				return fmt.Errorf("unknown service %q: %w", name, model.ErrNotValid)
			}
		}
		if opts.Action == model.ClusterActionAddServices {
			if err := s.placeServices(ctx, cluster.ID, opts.Services); err != nil {
				return err
			}
		}

		job, err = s.newJob(ctx, cluster, opts.Action, opts.Services)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Action %s requested on cluster %s with job %s", opts.Action, opts.ClusterID, job.ID)
	return job, nil
}

// Delete requests the deletion of the cluster.
func (s *Service) Delete(ctx context.Context, tenantID, clusterID string) (*model.ClusterJob, error) {
	return s.RequestAction(ctx, RequestOptions{TenantID: tenantID, ClusterID: clusterID, Action: model.ClusterActionDelete})
}

// Pause pauses the running job of the cluster, tasks in flight are not stopped.
func (s *Service) Pause(ctx context.Context, tenantID, clusterID string) (*model.ClusterJob, error) {
	return s.onLatestJob(ctx, tenantID, clusterID, func(ctx context.Context, job *model.ClusterJob) error {
		if err := job.Pause(); err != nil {
			return fmt.Errorf("%w: %w", err, model.ErrConflict)
		}
		return s.taskStatus.SaveJob(ctx, job)
	})
}

// Resume resumes the paused job of the cluster.
func (s *Service) Resume(ctx context.Context, tenantID, clusterID string) (*model.ClusterJob, error) {
	return s.onLatestJob(ctx, tenantID, clusterID, func(ctx context.Context, job *model.ClusterJob) error {
		if err := job.Resume(); err != nil {
			return fmt.Errorf("%w: %w", err, model.ErrConflict)
		}
		if err := s.taskStatus.SaveJob(ctx, job); err != nil {
			return err
		}
		return s.enqueueJob(ctx, tenantID, job.ID)
	})
}

// Abort fails the running or paused job of the cluster, the job is finalized once
// no task is in flight.
func (s *Service) Abort(ctx context.Context, tenantID, clusterID string) (*model.ClusterJob, error) {
	return s.onLatestJob(ctx, tenantID, clusterID, func(ctx context.Context, job *model.ClusterJob) error {
		if job.Status != model.JobStatusRunning && job.Status != model.JobStatusPaused {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, model.ErrConflict)
		}
		if err := s.taskStatus.MarkJobFailed(ctx, tenantID, job, "aborted"); err != nil {
			return err
		}
		return s.enqueueJob(ctx, tenantID, job.ID)
	})
}

// Status returns the status of the cluster.
func (s *Service) Status(ctx context.Context, tenantID, clusterID string) (*model.ClusterReport, error) {
	cluster, err := s.getCluster(ctx, tenantID, clusterID)
	if err != nil {
		return nil, err
	}

	nodes, err := s.repo.ListClusterNodes(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("could not list nodes: %w", err)
	}

	st := &model.ClusterReport{Cluster: *cluster, Nodes: nodes}
	if cluster.LatestJobID == "" {
		return st, nil
	}

	job, err := s.repo.GetJob(ctx, cluster.LatestJobID)
	if err != nil {
		return nil, fmt.Errorf("could not get job: %w", err)
	}
	st.Job = job
	for _, ts := range job.TaskStatus {
		st.TotalTasks++
		if ts == model.TaskStatusComplete {
			st.CompletedTasks++
		}
	}

	return st, nil
}

func (s *Service) getCluster(ctx context.Context, tenantID, clusterID string) (*model.Cluster, error) {
	cluster, err := s.repo.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("could not get cluster: %w", err)
	}
	// Clusters of other tenants don't exist for the caller.
	if cluster.TenantID != tenantID {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, model.ErrNotFound)
	}
	return cluster, nil
}

func (s *Service) checkNoActiveJob(ctx context.Context, cluster *model.Cluster) error {
	if cluster.LatestJobID == "" {
		return nil
	}

	job, err := s.repo.GetJob(ctx, cluster.LatestJobID)
	if err != nil {
		return fmt.Errorf("could not get latest job: %w", err)
	}
	if job.Active() {
		return fmt.Errorf("cluster %s has job %s %s: %w", cluster.ID, job.ID, job.Status, model.ErrConflict)
	}
	return nil
}

// placeServices adds the services to every node of the cluster.
func (s *Service) placeServices(ctx context.Context, clusterID string, services []string) error {
	nodes, err := s.repo.ListClusterNodes(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("could not list nodes: %w", err)
	}

	for _, n := range nodes {
		changed := false
		for _, svc := range services {
			if !n.HasService(svc) {
				n.Services = append(n.Services, svc)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := s.repo.UpdateNode(ctx, n); err != nil {
			return fmt.Errorf("could not update node: %w", err)
		}
	}

	return nil
}

// newJob creates the next job of the cluster, sets the cluster pending and
// enqueues the action to be planned.
func (s *Service) newJob(ctx context.Context, cluster *model.Cluster, ca model.ClusterAction, services []string) (*model.ClusterJob, error) {
	job := model.NewClusterJob(cluster.ID, cluster.LatestJobNum+1, ca, s.timeNow())
	job.PlannedServices = slices.Clone(services)
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("could not create job: %w", err)
	}

	cluster.Status = model.ClusterStatusPending
	cluster.LatestJobID = job.ID
	cluster.LatestJobNum = job.JobNum
	if err := s.repo.UpdateCluster(ctx, *cluster); err != nil {
		return nil, fmt.Errorf("could not update cluster: %w", err)
	}

	data, err := json.Marshal(model.ClusterActionRequest{ClusterID: cluster.ID, JobID: job.ID, Action: ca})
	if err != nil {
		return nil, fmt.Errorf("could not marshal cluster action request: %w", err)
	}
	if err := s.actionQueue.Add(ctx, cluster.TenantID, queue.NewElement(data)); err != nil {
		return nil, fmt.Errorf("could not enqueue cluster action: %w", err)
	}

	return &job, nil
}

func (s *Service) onLatestJob(ctx context.Context, tenantID, clusterID string, f func(ctx context.Context, job *model.ClusterJob) error) (*model.ClusterJob, error) {
	var job *model.ClusterJob
	err := s.lock.WithLock(ctx, tenantID, clusterID, func(ctx context.Context) error {
		cluster, err := s.getCluster(ctx, tenantID, clusterID)
		if err != nil {
			return err
		}
		if cluster.LatestJobID == "" {
			return fmt.Errorf("cluster %s has no jobs: %w", clusterID, model.ErrConflict)
		}

		job, err = s.repo.GetJob(ctx, cluster.LatestJobID)
		if err != nil {
			return fmt.Errorf("could not get job: %w", err)
		}
		return f(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (s *Service) enqueueJob(ctx context.Context, tenantID, jobID string) error {
	if err := s.jobQueue.Add(ctx, tenantID, queue.NewElement([]byte(jobID))); err != nil {
		return fmt.Errorf("could not enqueue job: %w", err)
	}
	return nil
}

// List returns the clusters of a tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]model.Cluster, error) {
	clusters, err := s.repo.ListClusters(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("could not list clusters: %w", err)
	}
	return clusters, nil
}
