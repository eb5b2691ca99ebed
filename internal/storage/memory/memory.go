package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	clusters map[string]model.Cluster
	jobs     map[string]model.ClusterJob
	tasks    map[string]model.ClusterTask
	nodes    map[string]model.Node
	mu       sync.RWMutex
	logger   log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		clusters: make(map[string]model.Cluster),
		jobs:     make(map[string]model.ClusterJob),
		tasks:    make(map[string]model.ClusterTask),
		nodes:    make(map[string]model.Node),
		logger:   cfg.Logger,
	}, nil
}

// CreateCluster creates a new cluster in the repository.
func (r *Repository) CreateCluster(ctx context.Context, c model.Cluster) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid cluster: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[c.ID]; ok {
		return fmt.Errorf("cluster with id %s: %w", c.ID, model.ErrAlreadyExists)
	}

	r.clusters[c.ID] = cloneCluster(c)
	r.logger.Debugf("Created cluster in repository: %s", c.ID)

	return nil
}

// GetCluster retrieves a cluster by ID.
func (r *Repository) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, model.ErrNotFound)
	}

	c = cloneCluster(c)
	return &c, nil
}

// UpdateCluster updates an existing cluster.
func (r *Repository) UpdateCluster(ctx context.Context, c model.Cluster) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid cluster: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[c.ID]; !ok {
		return fmt.Errorf("cluster %s: %w", c.ID, model.ErrNotFound)
	}

	r.clusters[c.ID] = cloneCluster(c)
	r.logger.Debugf("Updated cluster in repository: %s", c.ID)

	return nil
}

// ListExpiredClusters returns the clusters in any of the statuses whose lease expired before t.
func (r *Repository) ListExpiredClusters(ctx context.Context, t time.Time, statuses ...model.ClusterStatus) ([]model.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clusters := []model.Cluster{}
	for _, c := range r.clusters {
		if !c.Expired(t) || !slices.Contains(statuses, c.Status) {
			continue
		}
		clusters = append(clusters, cloneCluster(c))
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ExpireAt.Before(clusters[j].ExpireAt) })

	return clusters, nil
}

// ListClusters returns the clusters of a tenant, oldest first.
func (r *Repository) ListClusters(ctx context.Context, tenantID string) ([]model.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clusters := []model.Cluster{}
	for _, c := range r.clusters {
		if c.TenantID == tenantID {
			clusters = append(clusters, cloneCluster(c))
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].CreatedAt.Equal(clusters[j].CreatedAt) {
			return clusters[i].ID < clusters[j].ID
		}
		return clusters[i].CreatedAt.Before(clusters[j].CreatedAt)
	})

	return clusters, nil
}

// CreateJob creates a new job in the repository.
func (r *Repository) CreateJob(ctx context.Context, j model.ClusterJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job with id %s: %w", j.ID, model.ErrAlreadyExists)
	}

	r.jobs[j.ID] = cloneJob(j)
	r.logger.Debugf("Created job in repository: %s", j.ID)

	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*model.ClusterJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	j = cloneJob(j)
	return &j, nil
}

// UpdateJob updates an existing job.
func (r *Repository) UpdateJob(ctx context.Context, j model.ClusterJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; !ok {
		return fmt.Errorf("job %s: %w", j.ID, model.ErrNotFound)
	}

	r.jobs[j.ID] = cloneJob(j)
	r.logger.Debugf("Updated job in repository: %s", j.ID)

	return nil
}

// SaveTask creates or replaces a task.
func (r *Repository) SaveTask(ctx context.Context, t model.ClusterTask) error {
	if len(t.Attempts) == 0 {
		return fmt.Errorf("task %s without attempts: %w", t.ID, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[t.ID] = cloneTask(t)
	r.logger.Debugf("Saved task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.ClusterTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	t = cloneTask(t)
	return &t, nil
}

// ListInProgressTasks returns the tasks in progress submitted before t.
func (r *Repository) ListInProgressTasks(ctx context.Context, t time.Time) ([]model.ClusterTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := []model.ClusterTask{}
	for _, task := range r.tasks {
		a := task.CurrentAttempt()
		if a.Status != model.TaskStatusInProgress || !a.SubmitTime.Before(t) {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

// CreateNode creates a new node in the repository.
func (r *Repository) CreateNode(ctx context.Context, n model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[n.ID]; ok {
		return fmt.Errorf("node with id %s: %w", n.ID, model.ErrAlreadyExists)
	}

	r.nodes[n.ID] = cloneNode(n)
	r.logger.Debugf("Created node in repository: %s", n.ID)

	return nil
}

// GetNode retrieves a node by ID.
func (r *Repository) GetNode(ctx context.Context, id string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, model.ErrNotFound)
	}

	n = cloneNode(n)
	return &n, nil
}

// UpdateNode updates an existing node.
func (r *Repository) UpdateNode(ctx context.Context, n model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[n.ID]; !ok {
		return fmt.Errorf("node %s: %w", n.ID, model.ErrNotFound)
	}

	r.nodes[n.ID] = cloneNode(n)
	r.logger.Debugf("Updated node in repository: %s", n.ID)

	return nil
}

// ListClusterNodes returns the nodes of a cluster ordered by node number.
func (r *Repository) ListClusterNodes(ctx context.Context, clusterID string) ([]model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := []model.Node{}
	for _, n := range r.nodes {
		if n.ClusterID == clusterID {
			nodes = append(nodes, cloneNode(n))
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Num < nodes[j].Num })

	return nodes, nil
}

func cloneCluster(c model.Cluster) model.Cluster {
	c.Services = slices.Clone(c.Services)
	for i, s := range c.Services {
		s.DependsOn.Install = slices.Clone(s.DependsOn.Install)
		s.DependsOn.Runtime = slices.Clone(s.DependsOn.Runtime)
		s.Actions = maps.Clone(s.Actions)
		c.Services[i] = s
	}
	c.Config = cloneAnyMap(c.Config)
	c.Provider.Fields = maps.Clone(c.Provider.Fields)
	c.NodeIDs = slices.Clone(c.NodeIDs)
	return c
}

func cloneJob(j model.ClusterJob) model.ClusterJob {
	stages := make([][]string, 0, len(j.Stages))
	for _, s := range j.Stages {
		stages = append(stages, slices.Clone(s))
	}
	j.Stages = stages
	j.TaskStatus = maps.Clone(j.TaskStatus)
	j.PlannedServices = slices.Clone(j.PlannedServices)
	return j
}

func cloneTask(t model.ClusterTask) model.ClusterTask {
	t.Attempts = slices.Clone(t.Attempts)
	return t
}

func cloneNode(n model.Node) model.Node {
	n.Services = slices.Clone(n.Services)
	n.Properties.IPAddresses = maps.Clone(n.Properties.IPAddresses)
	n.Properties.Results = cloneAnyMap(n.Properties.Results)
	n.Actions = slices.Clone(n.Actions)
	return n
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	res := make(map[string]any, len(m))
	for k, v := range m {
		res[k] = cloneAny(v)
	}
	return res
}

func cloneAny(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneAnyMap(tv)
	case []any:
		res := make([]any, len(tv))
		for i, e := range tv {
			res[i] = cloneAny(e)
		}
		return res
	default:
		return v
	}
}
