package taskstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/clusterd/internal/events"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/storage"
)

// ServiceConfig is the configuration for the task status service.
type ServiceConfig struct {
	Repository  storage.Repository
	Credentials storage.CredentialStore
	ActionTable *model.ActionTable
	Publisher   events.Publisher
	Metrics     metrics.Recorder
	TimeNow     func() time.Time
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Credentials == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.ActionTable == nil {
		c.ActionTable = model.DefaultActionTable()
	}
	if c.Publisher == nil {
		c.Publisher = events.Noop
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.TaskStatus"})
	return nil
}

// Service is the only mutator of the final statuses of jobs, tasks and clusters.
type Service struct {
	repo      storage.Repository
	creds     storage.CredentialStore
	table     *model.ActionTable
	publisher events.Publisher
	metrics   metrics.Recorder
	timeNow   func() time.Time
	logger    log.Logger
}

// NewService creates a new task status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		creds:     cfg.Credentials,
		table:     cfg.ActionTable,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		timeNow:   cfg.TimeNow,
		logger:    cfg.Logger,
	}, nil
}

// StartJob sets a planned job as running.
func (s *Service) StartJob(ctx context.Context, tenantID string, job *model.ClusterJob) error {
	if err := job.Run(); err != nil {
		return err
	}
	if err := s.SaveJob(ctx, job); err != nil {
		return err
	}
	s.publishJob(ctx, tenantID, *job)

	return nil
}

// SaveJob persists the job.
func (s *Service) SaveJob(ctx context.Context, job *model.ClusterJob) error {
	job.UpdatedAt = s.timeNow()
	if err := s.repo.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("could not update job: %w", err)
	}
	return nil
}

// MarkJobFailed sets the job as failed without touching the cluster, used while
// tasks are still in flight.
func (s *Service) MarkJobFailed(ctx context.Context, tenantID string, job *model.ClusterJob, msg string) error {
	alreadyFailed := job.Status == model.JobStatusFailed
	if err := job.Fail(msg); err != nil {
		return err
	}
	if err := s.SaveJob(ctx, job); err != nil {
		return err
	}
	if !alreadyFailed {
		s.publishJob(ctx, tenantID, *job)
	}

	return nil
}

// CompleteJob completes the job and sets the cluster to the success status of the
// job cluster action. Credentials are wiped when the cluster is terminated.
func (s *Service) CompleteJob(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob) error {
	spec, err := s.table.Spec(job.ClusterAction)
	if err != nil {
		return fmt.Errorf("could not get cluster action spec: %w", err)
	}

	if err := job.Complete(); err != nil {
		return err
	}
	job.StatusMessage = ""
	if err := s.finishJob(ctx, cluster, job, spec.SuccessStatus); err != nil {
		return err
	}

	s.logger.Infof("Job %s completed, cluster %s is %s", job.ID, cluster.ID, cluster.Status)
	return nil
}

// FailJob fails the job and sets the cluster status.
func (s *Service) FailJob(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob, status model.ClusterStatus, msg string) error {
	if err := job.Fail(msg); err != nil {
		return err
	}
	if err := s.finishJob(ctx, cluster, job, status); err != nil {
		return err
	}

	s.logger.Warningf("Job %s failed, cluster %s is %s: %s", job.ID, cluster.ID, cluster.Status, job.StatusMessage)
	return nil
}

// TerminateCluster fails the job and terminates the cluster, used when nothing
// was provisioned.
func (s *Service) TerminateCluster(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob, msg string) error {
	return s.FailJob(ctx, cluster, job, model.ClusterStatusTerminated, msg)
}

// FailureStatus returns the cluster status of a failed job.
func (s *Service) FailureStatus(ca model.ClusterAction) model.ClusterStatus {
	spec, err := s.table.Spec(ca)
	if err != nil {
		return model.ClusterStatusInconsistent
	}
	return spec.FailureStatus
}

func (s *Service) finishJob(ctx context.Context, cluster *model.Cluster, job *model.ClusterJob, status model.ClusterStatus) error {
	if err := s.SaveJob(ctx, job); err != nil {
		return err
	}

	cluster.Status = status
	if err := s.repo.UpdateCluster(ctx, *cluster); err != nil {
		return fmt.Errorf("could not update cluster: %w", err)
	}

	if status == model.ClusterStatusTerminated {
		if err := s.creds.WipeCredentials(ctx, cluster.TenantID, cluster.ID); err != nil {
			return fmt.Errorf("could not wipe credentials: %w", err)
		}
	}

	s.metrics.IncJobFinished(ctx, string(job.ClusterAction), string(job.Status))
	s.publishJob(ctx, cluster.TenantID, *job)
	s.publish(ctx, events.Event{
		Type:      events.TypeClusterStatus,
		TenantID:  cluster.TenantID,
		ClusterID: cluster.ID,
		JobID:     job.ID,
		Status:    string(cluster.Status),
	})

	return nil
}

// StartTask sets the task in progress.
func (s *Service) StartTask(ctx context.Context, tenantID string, task *model.ClusterTask) error {
	if err := task.Start(s.timeNow()); err != nil {
		return err
	}
	return s.saveTask(ctx, tenantID, task, "")
}

// FinishTask applies a provisioner result to the task, code 0 completes the task
// and any other code fails it.
func (s *Service) FinishTask(ctx context.Context, tenantID string, task *model.ClusterTask, code int, msg string, resourceCreated bool) error {
	now := s.timeNow()
	var err error
	if code == 0 {
		err = task.Complete(now, code, msg)
	} else {
		err = task.Fail(now, code, msg, resourceCreated)
	}
	if err != nil {
		return err
	}

	s.metrics.IncTaskFinished(ctx, string(task.Action), string(task.Status()))
	return s.saveTask(ctx, tenantID, task, msg)
}

// FailTask fails the task with a code not reported by a provisioner.
func (s *Service) FailTask(ctx context.Context, tenantID string, task *model.ClusterTask, code int, msg string) error {
	if err := task.Fail(s.timeNow(), code, msg, false); err != nil {
		return err
	}

	s.metrics.IncTaskFinished(ctx, string(task.Action), string(task.Status()))
	return s.saveTask(ctx, tenantID, task, msg)
}

// DropTask drops the task.
func (s *Service) DropTask(ctx context.Context, tenantID string, task *model.ClusterTask) error {
	if err := task.Drop(s.timeNow()); err != nil {
		return err
	}

	s.metrics.IncTaskFinished(ctx, string(task.Action), string(task.Status()))
	return s.saveTask(ctx, tenantID, task, "")
}

func (s *Service) saveTask(ctx context.Context, tenantID string, task *model.ClusterTask, msg string) error {
	if err := s.repo.SaveTask(ctx, *task); err != nil {
		return fmt.Errorf("could not save task: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:      events.TypeTaskStatus,
		TenantID:  tenantID,
		ClusterID: task.ClusterID,
		JobID:     task.JobID,
		TaskID:    task.ID,
		Status:    string(task.Status()),
		Message:   msg,
	})

	return nil
}

// ReplacementTasks returns the tasks that replace a failed task that will be
// retried. Without a rollback for the task action the task replaces itself,
// with a rollback the sequence is the rollback task, a new task for every action
// from the rollback target up to the failed one and finally the failed task.
// New tasks get their numbers allocated from the job, they are not persisted.
func (s *Service) ReplacementTasks(job *model.ClusterJob, task model.ClusterTask) ([]model.ClusterTask, error) {
	actions, err := s.table.ReplacementActions(task.ClusterAction, task.Action)
	if err != nil {
		return nil, fmt.Errorf("could not get replacement actions: %w", err)
	}
	if len(actions) == 0 {
		return []model.ClusterTask{task}, nil
	}

	tasks := make([]model.ClusterTask, 0, len(actions)+1)
	for _, a := range actions {
		tasks = append(tasks, model.NewClusterTask(*job, job.AllocateTaskNum(), task.ClusterAction, a, task.NodeID, task.Service))
	}
	tasks = append(tasks, task)

	return tasks, nil
}

func (s *Service) publishJob(ctx context.Context, tenantID string, job model.ClusterJob) {
	s.publish(ctx, events.Event{
		Type:      events.TypeJobStatus,
		TenantID:  tenantID,
		ClusterID: job.ClusterID,
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   job.StatusMessage,
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	e.Time = s.timeNow()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warningf("Could not publish %s event: %s", e.Type, err)
	}
}
