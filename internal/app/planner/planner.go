package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/storage"
	"github.com/slok/clusterd/internal/taskgraph"
)

// ServiceConfig is the configuration for the planner service.
type ServiceConfig struct {
	Repository  storage.Repository
	ActionTable *model.ActionTable
	Builder     taskgraph.Builder
	Lock        coordination.DistributedLock
	JobQueue    queue.Queue
	TaskStatus  *taskstatus.Service
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Lock == nil {
		return fmt.Errorf("lock is required")
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
	if c.Builder == nil {
		c.Builder = taskgraph.NewDefaultBuilder()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Planner"})
	return nil
}

// Service plans the requested cluster actions into jobs of staged tasks.
type Service struct {
	repo       storage.Repository
	table      *model.ActionTable
	builder    taskgraph.Builder
	lock       coordination.DistributedLock
	jobQueue   queue.Queue
	taskStatus *taskstatus.Service
	logger     log.Logger
}

// NewService creates a new planner service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		table:      cfg.ActionTable,
		builder:    cfg.Builder,
		lock:       cfg.Lock,
		jobQueue:   cfg.JobQueue,
		taskStatus: cfg.TaskStatus,
		logger:     cfg.Logger,
	}, nil
}

// HandleElement plans the cluster action request of a cluster action queue element.
func (s *Service) HandleElement(ctx context.Context, tenantID string, e queue.Element) error {
	var req model.ClusterActionRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return fmt.Errorf("could not unmarshal cluster action request: %w", err)
	}
	return s.Plan(ctx, tenantID, req)
}

// Plan plans the job of a cluster action request. Jobs already planned are ignored.
// On planning errors the job is failed, and the cluster terminated when it was
// being created, the error is returned after that.
func (s *Service) Plan(ctx context.Context, tenantID string, req model.ClusterActionRequest) error {
	if req.ClusterID == "" {
		return fmt.Errorf("cluster id is required: %w", model.ErrNotValid)
	}

	return s.lock.WithLock(ctx, tenantID, req.ClusterID, func(ctx context.Context) error {
		logger := s.logger.WithValues(log.Kv{"tenant": tenantID, "cluster": req.ClusterID})

		// 1. Load cluster and job.
		cluster, err := s.repo.GetCluster(ctx, req.ClusterID)
		if err != nil {
			return fmt.Errorf("could not get cluster: %w", err)
		}
		jobID := req.JobID
		if jobID == "" {
			jobID = cluster.LatestJobID
		}
		job, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("could not get job: %w", err)
		}
		if job.Status != model.JobStatusNotSubmitted {
			logger.Warningf("Job %s is %s, ignoring plan request", job.ID, job.Status)
			return nil
		}

		// 2. Build the stages of tasks.
		planned := *job
		stages, err := s.buildStages(ctx, &planned, cluster)
		if err != nil {
			logger.Errorf("Could not plan job %s: %s", job.ID, err)
			if ferr := s.failPlanning(ctx, cluster, job, err); ferr != nil {
				return fmt.Errorf("could not fail job after planning error %q: %w", err, ferr)
			}
			return fmt.Errorf("could not plan job %s: %w", job.ID, err)
		}

		// 3. Run the job and ask for its evaluation.
		planned.Stages = stages
		planned.CurrentStage = 0
		if err := s.taskStatus.StartJob(ctx, tenantID, &planned); err != nil {
			return fmt.Errorf("could not start job: %w", err)
		}
		if err := s.jobQueue.Add(ctx, tenantID, queue.NewElement([]byte(planned.ID))); err != nil {
			return fmt.Errorf("could not enqueue job: %w", err)
		}

		logger.Infof("Job %s planned with %d stages and %d tasks", planned.ID, len(stages), len(planned.TaskStatus))
		return nil
	})
}

// buildStages creates and persists the tasks of the job, the job task numbers and
// mirror are updated.
func (s *Service) buildStages(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster) ([][]string, error) {
	actions, err := s.table.Actions(job.ClusterAction)
	if err != nil {
		return nil, fmt.Errorf("could not get cluster action actions: %w", err)
	}

	nodes, err := s.repo.ListClusterNodes(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("could not list nodes: %w", err)
	}

	graph, err := s.builder.Build(ctx, *job, *cluster, nodes, actions)
	if err != nil {
		return nil, fmt.Errorf("could not build task graph: %w", err)
	}

	job.TaskStatus = map[string]model.TaskStatus{}
	var stages [][]model.ClusterTask
	for _, tns := range graph {
		var stage []model.ClusterTask
		for _, tn := range tns {
			if !implements(cluster, tn) {
				continue
			}
			task := model.NewClusterTask(*job, job.AllocateTaskNum(), job.ClusterAction, tn.Action, tn.NodeID, tn.Service)
			stage = append(stage, task)
		}
		if len(stage) == 0 {
			continue
		}
		stages = append(stages, splitNodeCollisions(stage)...)
	}

	ids := make([][]string, 0, len(stages))
	for _, stage := range stages {
		stageIDs := make([]string, 0, len(stage))
		for _, task := range stage {
			if err := s.repo.SaveTask(ctx, task); err != nil {
				return nil, fmt.Errorf("could not save task: %w", err)
			}
			job.SetTaskStatus(task.ID, task.Status())
			stageIDs = append(stageIDs, task.ID)
		}
		ids = append(ids, stageIDs)
	}

	return ids, nil
}

func (s *Service) failPlanning(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob, planErr error) error {
	job.Stages = nil
	job.CurrentStage = 0
	job.TaskStatus = map[string]model.TaskStatus{}

	msg := fmt.Sprintf("planning failed: %s", planErr)
	if job.ClusterAction == model.ClusterActionCreate {
		return s.taskStatus.TerminateCluster(ctx, cluster, job, msg)
	}
	return s.taskStatus.FailJob(ctx, cluster, job, model.ClusterStatusInconsistent, msg)
}

// implements returns true if the task node should be executed, node level
// actions always are, service actions only if the service implements them.
func implements(cluster *model.Cluster, tn taskgraph.TaskNode) bool {
	if tn.Service == "" {
		return true
	}
	svc, ok := cluster.Service(tn.Service)
	if !ok {
		return false
	}
	_, ok = svc.Actions[tn.Action]
	return ok
}

// splitNodeCollisions splits a stage so a node appears at most once on every
// resulting stage, the relative order of the tasks of a node is kept.
func splitNodeCollisions(stage []model.ClusterTask) [][]model.ClusterTask {
	var split [][]model.ClusterTask
	seen := map[string]int{}
	for _, task := range stage {
		i := seen[task.NodeID]
		seen[task.NodeID]++
		if i == len(split) {
			split = append(split, nil)
		}
		split[i] = append(split[i], task)
	}
	return split
}
