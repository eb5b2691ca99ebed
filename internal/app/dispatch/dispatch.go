package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/storage"
)

// ServiceConfig is the configuration for the dispatch service.
type ServiceConfig struct {
	Repository       storage.Repository
	Credentials      storage.CredentialStore
	ProvisionerQueue queue.Queue
	JobQueue         queue.Queue
	TaskStatus       *taskstatus.Service
	Lock             coordination.DistributedLock
	TimeNow          func() time.Time
	Logger           log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Credentials == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.ProvisionerQueue == nil {
		return fmt.Errorf("provisioner queue is required")
	}
	if c.JobQueue == nil {
		return fmt.Errorf("job queue is required")
	}
	if c.TaskStatus == nil {
		return fmt.Errorf("task status service is required")
	}
	if c.Lock == nil {
		return fmt.Errorf("lock is required")
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Dispatch"})
	return nil
}

// Service hands tasks to the provisioners and records their results.
type Service struct {
	repo       storage.Repository
	creds      storage.CredentialStore
	provQueue  queue.Queue
	jobQueue   queue.Queue
	taskStatus *taskstatus.Service
	lock       coordination.DistributedLock
	timeNow    func() time.Time
	logger     log.Logger
}

// NewService creates a new dispatch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		creds:      cfg.Credentials,
		provQueue:  cfg.ProvisionerQueue,
		jobQueue:   cfg.JobQueue,
		taskStatus: cfg.TaskStatus,
		lock:       cfg.Lock,
		timeNow:    cfg.TimeNow,
		logger:     cfg.Logger,
	}, nil
}

// Submit sets the task in progress, records the action on the node audit and
// enqueues the task payload for the provisioners of the tenant.
func (s *Service) Submit(ctx context.Context, tenantID string, task *model.ClusterTask, payload model.TaskPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload: %w", err)
	}

	if err := s.taskStatus.StartTask(ctx, tenantID, task); err != nil {
		return fmt.Errorf("could not start task: %w", err)
	}

	err = s.updateNode(ctx, task.NodeID, func(n *model.Node) {
		n.AddAction(model.NodeAction{
			TaskID:     task.ID,
			Action:     task.Action,
			Service:    task.Service,
			Status:     model.TaskStatusInProgress,
			SubmitTime: task.CurrentAttempt().SubmitTime,
			StatusTime: task.CurrentAttempt().SubmitTime,
		})
	})
	if err != nil {
		return fmt.Errorf("could not record node action: %w", err)
	}

	if err := s.provQueue.Add(ctx, tenantID, queue.Element{ID: task.ID, Payload: data}); err != nil {
		// Nobody will ever report the task, fail it so it can be retried.
		if ferr := s.taskStatus.FailTask(ctx, tenantID, task, model.TaskCodeTimeout, "could not enqueue task"); ferr != nil {
			s.logger.Errorf("Could not fail task %s: %s", task.ID, ferr)
		}
		return fmt.Errorf("could not enqueue task: %w", err)
	}

	s.logger.Debugf("Task %s submitted", task.ID)
	return nil
}

// TakeOptions are the options to take a task.
type TakeOptions struct {
	TenantID      string
	ProvisionerID string
	WorkerID      string
}

// Take claims the next task of the tenant for the worker, ok is false when there
// are no tasks. Tasks of failed jobs are dropped instead of handed.
func (s *Service) Take(ctx context.Context, opts TakeOptions) (payload *model.TaskPayload, ok bool, err error) {
	consumerID := model.ConsumerID(opts.ProvisionerID, opts.WorkerID)
	logger := s.logger.WithValues(log.Kv{"tenant": opts.TenantID, "consumer": consumerID})

	for {
		e, ok, err := s.provQueue.Take(ctx, opts.TenantID, consumerID)
		if err != nil {
			return nil, false, fmt.Errorf("could not take task: %w", err)
		}
		if !ok {
			return nil, false, nil
		}

		p, handed, err := s.prepare(ctx, opts.TenantID, consumerID, e)
		if err != nil {
			return nil, false, err
		}
		if !handed {
			continue
		}

		logger.Infof("Task %s taken", p.TaskID)
		return p, true, nil
	}
}

// prepare returns the payload of a taken element, handed is false when the task
// has been dropped.
func (s *Service) prepare(ctx context.Context, tenantID, consumerID string, e queue.Element) (payload *model.TaskPayload, handed bool, err error) {
	task, err := s.repo.GetTask(ctx, e.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Warningf("Unknown task %s on provisioner queue, discarding", e.ID)
			return nil, false, s.ack(ctx, consumerID, tenantID, e.ID, queue.OutcomeDropped, "unknown task")
		}
		return nil, false, fmt.Errorf("could not get task: %w", err)
	}

	if task.Status() != model.TaskStatusInProgress {
		s.logger.Warningf("Task %s is %s, discarding", task.ID, task.Status())
		return nil, false, s.ack(ctx, consumerID, tenantID, e.ID, queue.OutcomeDropped, "task not in progress")
	}

	job, err := s.repo.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, false, fmt.Errorf("could not get job: %w", err)
	}

	if job.Status == model.JobStatusFailed {
		if err := s.drop(ctx, tenantID, consumerID, task); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	var p model.TaskPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, false, fmt.Errorf("could not unmarshal payload: %w", err)
	}

	creds, err := s.creds.GetCredentials(ctx, tenantID, task.ClusterID)
	if err != nil {
		return nil, false, fmt.Errorf("could not get credentials: %w", err)
	}
	if len(creds) > 0 {
		if p.Config.Provider.Fields == nil {
			p.Config.Provider.Fields = map[string]string{}
		}
		maps.Copy(p.Config.Provider.Fields, creds)
	}

	now := s.timeNow()
	err = s.updateNode(ctx, task.NodeID, func(n *model.Node) { n.StartAction(task.ID, now) })
	if err != nil {
		return nil, false, fmt.Errorf("could not record node action: %w", err)
	}

	return &p, true, nil
}

// drop drops the task of a failed job. The element is acknowledged last so a
// failed drop is finished by the claim reaper.
func (s *Service) drop(ctx context.Context, tenantID, consumerID string, task *model.ClusterTask) error {
	if err := s.taskStatus.DropTask(ctx, tenantID, task); err != nil {
		return fmt.Errorf("could not drop task: %w", err)
	}

	now := s.timeNow()
	err := s.updateNode(ctx, task.NodeID, func(n *model.Node) { n.FinishAction(task.ID, model.TaskStatusDropped, now) })
	if err != nil {
		return fmt.Errorf("could not record node action: %w", err)
	}

	if err := s.EnqueueJob(ctx, tenantID, task.JobID); err != nil {
		return err
	}

	s.logger.Infof("Task %s dropped, job %s failed", task.ID, task.JobID)
	return s.ack(ctx, consumerID, tenantID, task.ID, queue.OutcomeDropped, "job failed")
}

// Finish records the result reported by a provisioner. Only the worker holding
// the task can report it (model.ErrNotOwner).
//
// The claim is acknowledged only after the result is stored and the job enqueued,
// if any step fails the claim is kept so the report can be retried or the claim
// reaped.
func (s *Service) Finish(ctx context.Context, r model.CompletionReport) error {
	if r.TaskID == "" || r.TenantID == "" {
		return fmt.Errorf("task and tenant are required: %w", model.ErrNotValid)
	}

	task, err := s.repo.GetTask(ctx, r.TaskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	consumerID := model.ConsumerID(r.ProvisionerID, r.WorkerID)
	outcome := queue.OutcomeSuccess
	if r.Status != 0 {
		outcome = queue.OutcomeFailure
	}

	return s.lock.WithLock(ctx, r.TenantID, task.ClusterID, func(ctx context.Context) error {
		ce, err := s.claimOf(ctx, r.TenantID, r.TaskID)
		if err != nil {
			return err
		}
		if ce.ConsumerID != consumerID {
			return fmt.Errorf("task %s is claimed by %s: %w", r.TaskID, ce.ConsumerID, model.ErrNotOwner)
		}

		err = s.applyResult(ctx, r.TenantID, r.TaskID, func(task *model.ClusterTask, node *model.Node) error {
			// Already stored by a previous report attempt.
			if task.Status() == model.TaskStatusInProgress {
				msg := r.Stdout
				if r.Status != 0 {
					msg = r.Stderr
				}
				if err := s.taskStatus.FinishTask(ctx, r.TenantID, task, r.Status, msg, r.CarriesResource()); err != nil {
					return err
				}
			}
			if node != nil {
				node.ApplyReport(r)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return s.ack(ctx, consumerID, r.TenantID, r.TaskID, outcome, r.Stderr)
	})
}

// FailTimedOut fails a claimed task whose claim expired as if the claimant
// reported a failure. Returns false if the claimant acknowledged it first or the
// task has been claimed again since.
func (s *Service) FailTimedOut(ctx context.Context, ce queue.ClaimedElement) (bool, error) {
	task, err := s.repo.GetTask(ctx, ce.ID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return false, fmt.Errorf("could not get task: %w", err)
		}
		s.logger.Warningf("Unknown task %s claimed by %s, discarding", ce.ID, ce.ConsumerID)
		err := s.ack(ctx, ce.ConsumerID, ce.TenantID, ce.ID, queue.OutcomeDropped, "unknown task")
		if err != nil && !errors.Is(err, model.ErrNotOwner) && !errors.Is(err, model.ErrNotFound) {
			return false, err
		}
		return false, nil
	}

	reaped := false
	err = s.lock.WithLock(ctx, ce.TenantID, task.ClusterID, func(ctx context.Context) error {
		cur, err := s.claimOf(ctx, ce.TenantID, ce.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			return err
		}
		if cur.ConsumerID != ce.ConsumerID || !cur.ClaimedAt.Equal(ce.ClaimedAt) {
			return nil
		}

		err = s.applyResult(ctx, ce.TenantID, ce.ID, func(task *model.ClusterTask, node *model.Node) error {
			// A final task is a result stored by a report or drop that could not be acknowledged.
			if task.Status() != model.TaskStatusInProgress {
				return nil
			}
			msg := fmt.Sprintf("timed out on %s", ce.ConsumerID)
			return s.taskStatus.FailTask(ctx, ce.TenantID, task, model.TaskCodeTimeout, msg)
		})
		if err != nil {
			return err
		}

		if err := s.ack(ctx, ce.ConsumerID, ce.TenantID, ce.ID, queue.OutcomeTimeout, "claim timeout"); err != nil {
			return err
		}
		reaped = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return reaped, nil
}

// applyResult applies a final result on the task and its node, then enqueues the job.
func (s *Service) applyResult(ctx context.Context, tenantID, taskID string, apply func(task *model.ClusterTask, node *model.Node) error) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	var node *model.Node
	if task.NodeID != "" {
		node, err = s.repo.GetNode(ctx, task.NodeID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("could not get node: %w", err)
		}
	}

	if err := apply(task, node); err != nil {
		return fmt.Errorf("could not apply result on task %s: %w", task.ID, err)
	}

	if node != nil {
		node.FinishAction(task.ID, task.Status(), s.timeNow())
		if err := s.repo.UpdateNode(ctx, *node); err != nil {
			return fmt.Errorf("could not update node: %w", err)
		}
	}

	s.logger.Infof("Task %s finished with %s", task.ID, task.Status())
	return s.EnqueueJob(ctx, tenantID, task.JobID)
}

// claimOf returns the current claim of a task element.
func (s *Service) claimOf(ctx context.Context, tenantID, taskID string) (*queue.ClaimedElement, error) {
	claimed, err := s.provQueue.ListClaimedUnacked(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("could not list claimed tasks: %w", err)
	}
	for _, ce := range claimed {
		if ce.ID == taskID {
			return &ce, nil
		}
	}
	return nil, fmt.Errorf("task %s is not claimed: %w", taskID, model.ErrNotFound)
}

// EnqueueJob enqueues the job for evaluation.
func (s *Service) EnqueueJob(ctx context.Context, tenantID, jobID string) error {
	if err := s.jobQueue.Add(ctx, tenantID, queue.NewElement([]byte(jobID))); err != nil {
		return fmt.Errorf("could not enqueue job %s: %w", jobID, err)
	}
	return nil
}

func (s *Service) ack(ctx context.Context, consumerID, tenantID, elementID string, outcome queue.Outcome, msg string) error {
	if err := s.provQueue.Ack(ctx, consumerID, tenantID, elementID, outcome, msg); err != nil {
		return fmt.Errorf("could not ack task %s: %w", elementID, err)
	}
	return nil
}

func (s *Service) updateNode(ctx context.Context, nodeID string, f func(n *model.Node)) error {
	if nodeID == "" {
		return nil
	}

	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Warningf("Node %s missing, skipping audit", nodeID)
			return nil
		}
		return err
	}

	f(n)
	return s.repo.UpdateNode(ctx, *n)
}
