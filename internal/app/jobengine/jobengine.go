package jobengine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/expand"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/storage"
)

// DefaultMaxRetries is the default number of retries of a failed task.
const DefaultMaxRetries = 3

// ServiceConfig is the configuration for the job engine service.
type ServiceConfig struct {
	Repository  storage.Repository
	ActionTable *model.ActionTable
	Lock        coordination.DistributedLock
	Dispatch    *dispatch.Service
	TaskStatus  *taskstatus.Service
	// MaxRetries is the number of times a failed task is retried, negative disables retries.
	MaxRetries int
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Lock == nil {
		return fmt.Errorf("lock is required")
	}
	if c.Dispatch == nil {
		return fmt.Errorf("dispatch service is required")
	}
	if c.TaskStatus == nil {
		return fmt.Errorf("task status service is required")
	}
	if c.ActionTable == nil {
		c.ActionTable = model.DefaultActionTable()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.JobEngine"})
	return nil
}

// Service drives the jobs through their stages.
type Service struct {
	repo       storage.Repository
	table      *model.ActionTable
	lock       coordination.DistributedLock
	dispatch   *dispatch.Service
	taskStatus *taskstatus.Service
	maxRetries int
	logger     log.Logger
}

// NewService creates a new job engine service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		table:      cfg.ActionTable,
		lock:       cfg.Lock,
		dispatch:   cfg.Dispatch,
		taskStatus: cfg.TaskStatus,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}, nil
}

// HandleElement evaluates the job of a job queue element.
func (s *Service) HandleElement(ctx context.Context, tenantID string, e queue.Element) error {
	return s.Evaluate(ctx, tenantID, string(e.Payload))
}

// Evaluate runs an evaluation pass of the job holding the lock of its cluster.
func (s *Service) Evaluate(ctx context.Context, tenantID, jobID string) error {
	clusterID, err := model.ClusterIDFromJobID(jobID)
	if err != nil {
		return err
	}

	return s.lock.WithLock(ctx, tenantID, clusterID, func(ctx context.Context) error {
		return s.evaluate(ctx, tenantID, jobID)
	})
}

func (s *Service) evaluate(ctx context.Context, tenantID, jobID string) error {
	logger := s.logger.WithValues(log.Kv{"tenant": tenantID, "job": jobID})

	// 1. Load job and cluster.
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("could not get job: %w", err)
	}
	cluster, err := s.repo.GetCluster(ctx, job.ClusterID)
	if err != nil {
		return fmt.Errorf("could not get cluster: %w", err)
	}

	switch {
	case cluster.Status != model.ClusterStatusPending:
		logger.Debugf("Cluster %s is %s, ignoring job", cluster.ID, cluster.Status)
		return nil
	case cluster.LatestJobID != job.ID:
		logger.Warningf("Job is not the latest of cluster %s, ignoring", cluster.ID)
		return nil
	case job.Status == model.JobStatusPaused, job.Status == model.JobStatusNotSubmitted, job.Status == model.JobStatusComplete:
		logger.Debugf("Job is %s, ignoring", job.Status)
		return nil
	}

	// 2. Classify the tasks of the current stage.
	tasks, err := s.stageTasks(ctx, job)
	if err != nil {
		return err
	}
	st := classifyStage(tasks, s.maxRetries)

	if job.Status == model.JobStatusFailed || st.failed() {
		return s.fail(ctx, cluster, job, st)
	}

	// 3. Retry, submit and advance.
	for _, t := range st.toRetry {
		first, err := s.retry(ctx, job, t)
		if err != nil {
			return fmt.Errorf("could not retry task %s: %w", t.ID, err)
		}
		st.toSubmit = append(st.toSubmit, first)
	}

	submitted, err := s.submit(ctx, tenantID, cluster, job, st.toSubmit)
	if err != nil {
		return err
	}
	if !submitted {
		// Expansion failed, the job has been saved and enqueued again.
		return nil
	}

	if len(st.toRetry) == 0 && len(st.toSubmit) == 0 && st.stageComplete(len(tasks)) {
		if !job.AdvanceStage() {
			return s.taskStatus.CompleteJob(ctx, cluster, job)
		}
		if err := s.taskStatus.SaveJob(ctx, job); err != nil {
			return err
		}
		logger.Infof("Job advanced to stage %d/%d", job.CurrentStage+1, len(job.Stages))
		return s.dispatch.EnqueueJob(ctx, tenantID, job.ID)
	}

	return s.taskStatus.SaveJob(ctx, job)
}

// stageTasks loads the tasks of the current stage refreshing the job mirror.
func (s *Service) stageTasks(ctx context.Context, job *model.ClusterJob) ([]*model.ClusterTask, error) {
	ids := job.CurrentStageTasks()
	tasks := make([]*model.ClusterTask, 0, len(ids))
	for _, id := range ids {
		t, err := s.repo.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("could not get task: %w", err)
		}
		job.SetTaskStatus(t.ID, t.Status())
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// fail finalizes a failed job, while tasks are in flight the job is only marked
// as failed and finalized on a later pass.
func (s *Service) fail(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob, st stageState) error {
	// The first failure reason is kept.
	msg := st.failMsg
	if msg == "" || (job.Status == model.JobStatusFailed && job.StatusMessage != "") {
		msg = job.StatusMessage
	}

	if st.inProgress > 0 {
		s.logger.Infof("Job %s failed, waiting for %d tasks in progress", job.ID, st.inProgress)
		return s.taskStatus.MarkJobFailed(ctx, cluster.TenantID, job, msg)
	}

	allTasks := make([]model.ClusterTask, 0, len(job.TaskStatus))
	for _, id := range job.TaskIDs() {
		t, err := s.repo.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("could not get task: %w", err)
		}
		allTasks = append(allTasks, *t)
	}

	if createFailedCleanly(*job, allTasks) {
		return s.taskStatus.TerminateCluster(ctx, cluster, job, msg)
	}
	return s.taskStatus.FailJob(ctx, cluster, job, s.taskStatus.FailureStatus(job.ClusterAction), msg)
}

// retry adds a new attempt to the failed task and splices its replacements on
// the job, returns the task that takes the failed task place on the current stage.
func (s *Service) retry(ctx context.Context, job *model.ClusterJob, task *model.ClusterTask) (*model.ClusterTask, error) {
	if err := task.Retry(); err != nil {
		return nil, err
	}

	replacements, err := s.taskStatus.ReplacementTasks(job, *task)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(replacements))
	for _, r := range replacements {
		if err := s.repo.SaveTask(ctx, r); err != nil {
			return nil, fmt.Errorf("could not save task: %w", err)
		}
		job.SetTaskStatus(r.ID, r.Status())
		ids = append(ids, r.ID)
	}

	if len(replacements) > 1 {
		if err := job.SpliceReplacements(task.ID, ids); err != nil {
			return nil, err
		}
		s.logger.Infof("Task %s of job %s retried after %v", task.ID, job.ID, ids[:len(ids)-1])
	} else {
		s.logger.Infof("Task %s of job %s retried", task.ID, job.ID)
	}

	first := replacements[0]
	return &first, nil
}

// submit submits the tasks, returns false when the configuration of a task could
// not be expanded, in that case the task is failed, the message recorded on the
// job and the job enqueued for a new evaluation.
func (s *Service) submit(ctx context.Context, tenantID string, cluster *model.Cluster, job *model.ClusterJob, tasks []*model.ClusterTask) (bool, error) {
	if len(tasks) == 0 {
		return true, nil
	}

	nodes, err := s.repo.ListClusterNodes(ctx, cluster.ID)
	if err != nil {
		return false, fmt.Errorf("could not list nodes: %w", err)
	}

	for _, t := range tasks {
		payload, err := s.payload(tenantID, cluster, nodes, t)
		if err != nil {
			if !errors.Is(err, errExpansion) {
				return false, err
			}

			msg := fmt.Sprintf("task %s (%s): %s", t.ID, t.Action, err)
			if err := s.taskStatus.FailTask(ctx, tenantID, t, model.TaskCodeExpansionFailed, msg); err != nil {
				return false, fmt.Errorf("could not fail task: %w", err)
			}
			job.SetTaskStatus(t.ID, t.Status())
			job.StatusMessage = msg
			if err := s.taskStatus.SaveJob(ctx, job); err != nil {
				return false, err
			}
			s.logger.Warningf("Could not expand configuration of task %s: %s", t.ID, err)
			return false, s.dispatch.EnqueueJob(ctx, tenantID, job.ID)
		}

		if err := s.dispatch.Submit(ctx, tenantID, t, *payload); err != nil {
			return false, fmt.Errorf("could not submit task %s: %w", t.ID, err)
		}
		job.SetTaskStatus(t.ID, t.Status())
	}

	return true, nil
}

var errExpansion = errors.New("configuration expansion failed")

// payload builds the payload of a task, the cluster configuration is expanded
// for every action except the hardware ones.
func (s *Service) payload(tenantID string, cluster *model.Cluster, nodes []model.Node, t *model.ClusterTask) (*model.TaskPayload, error) {
	var self *model.Node
	for i := range nodes {
		if nodes[i].ID == t.NodeID {
			self = &nodes[i]
			break
		}
	}
	if self == nil {
		return nil, fmt.Errorf("node %s missing: %w", t.NodeID, errExpansion)
	}

	p := &model.TaskPayload{
		TaskID:    t.ID,
		JobID:     t.JobID,
		ClusterID: cluster.ID,
		TenantID:  tenantID,
		TaskName:  string(t.Action),
		NodeID:    t.NodeID,
		Config: model.PayloadConfig{
			Provider: model.PayloadProvider{
				Name:   cluster.Provider.Name,
				Fields: maps.Clone(cluster.Provider.Fields),
			},
			Hostname:    self.Properties.Hostname,
			IPAddresses: maps.Clone(self.Properties.IPAddresses),
			NodeNum:     self.Num,
			Flavor:      self.Properties.Flavor,
			Image:       self.Properties.Image,
		},
	}

	var svcAction *model.ServiceAction
	if t.Service != "" {
		svc, ok := cluster.Service(t.Service)
		if !ok {
			return nil, fmt.Errorf("service %s missing: %w", t.Service, errExpansion)
		}
		sa, ok := svc.Actions[t.Action]
		if !ok {
			return nil, fmt.Errorf("service %s does not implement %s: %w", t.Service, t.Action, errExpansion)
		}
		svcAction = &sa
		p.Config.Service = &model.PayloadService{
			Name:   svc.Name,
			Action: model.PayloadAction{Type: sa.Type, Data: maps.Clone(sa.Data)},
		}
	}

	if s.table.IsHardwareAction(t.Action) {
		return p, nil
	}

	topo := expand.Topology{Cluster: *cluster, Nodes: nodes, Self: *self}
	cfg, err := expand.Config(cluster.Config, topo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExpansion, err)
	}
	p.Config.Cluster = cfg

	if svcAction != nil {
		for k, v := range svcAction.Data {
			ev, err := expand.String(v, topo)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", errExpansion, err)
			}
			p.Config.Service.Action.Data[k] = ev
		}
	}

	return p, nil
}
