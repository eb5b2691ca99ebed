package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
)

// StatusExecutionError is the result code reported when the executor could not run the task.
const StatusExecutionError = 1

// TaskClient is how a worker takes tasks and reports their completion. The dispatch
// service satisfies it for in-process workers.
type TaskClient interface {
	Take(ctx context.Context, opts dispatch.TakeOptions) (*model.TaskPayload, bool, error)
	Finish(ctx context.Context, r model.CompletionReport) error
}

// Result is the outcome of an executed task.
type Result struct {
	Status      int
	Stdout      string
	Stderr      string
	Hostname    string
	IPAddresses map[string]string
	Result      map[string]any
}

// Executor executes the tasks on the provider.
type Executor interface {
	Execute(ctx context.Context, p model.TaskPayload) (*Result, error)
}

// WorkerConfig is the configuration of a provisioner worker.
type WorkerConfig struct {
	Client        TaskClient
	Executor      Executor
	TenantIDs     []string
	ProvisionerID string
	WorkerID      string
	PollInterval  time.Duration
	Logger        log.Logger
}

func (c *WorkerConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("task client is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if len(c.TenantIDs) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	if c.ProvisionerID == "" {
		return fmt.Errorf("provisioner id is required")
	}
	if c.WorkerID == "" {
		c.WorkerID = strings.ToLower(ulid.Make().String())
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provisioner.Worker", "provisioner": c.ProvisionerID, "worker": c.WorkerID})
	return nil
}

// Worker takes tasks of its provisioner, executes them and reports the results.
type Worker struct {
	client        TaskClient
	executor      Executor
	tenantIDs     []string
	provisionerID string
	workerID      string
	pollInterval  time.Duration
	logger        log.Logger
}

// NewWorker returns a new provisioner worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		client:        cfg.Client,
		executor:      cfg.Executor,
		tenantIDs:     cfg.TenantIDs,
		provisionerID: cfg.ProvisionerID,
		workerID:      cfg.WorkerID,
		pollInterval:  cfg.PollInterval,
		logger:        cfg.Logger,
	}, nil
}

// Run processes tasks until the context is cancelled, waiting a poll interval
// every time there is nothing to do.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("Worker started")
	for {
		handled, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Errorf("Worker iteration failed: %s", err)
		}

		if handled > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Infof("Worker stopped")
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce takes and executes at most one task per tenant, returning the number of
// tasks handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	handled := 0
	for _, tenantID := range w.tenantIDs {
		if ctx.Err() != nil {
			return handled, nil
		}

		ok, err := w.handle(ctx, tenantID)
		if err != nil {
			return handled, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if ok {
			handled++
		}
	}

	return handled, nil
}

func (w *Worker) handle(ctx context.Context, tenantID string) (bool, error) {
	// 1. Take.
	p, ok, err := w.client.Take(ctx, dispatch.TakeOptions{
		TenantID:      tenantID,
		ProvisionerID: w.provisionerID,
		WorkerID:      w.workerID,
	})
	if err != nil {
		return false, fmt.Errorf("could not take task: %w", err)
	}
	if !ok {
		return false, nil
	}

	logger := w.logger.WithValues(log.Kv{"task": p.TaskID, "action": p.TaskName, "node": p.NodeID})
	logger.Infof("Executing task")

	// 2. Execute.
	report := model.CompletionReport{
		TaskID:        p.TaskID,
		WorkerID:      w.workerID,
		ProvisionerID: w.provisionerID,
		TenantID:      tenantID,
	}
	res, err := w.executor.Execute(ctx, *p)
	switch {
	case err != nil:
		logger.Errorf("Task execution error: %s", err)
		report.Status = StatusExecutionError
		report.Stderr = err.Error()
	default:
		report.Status = res.Status
		report.Stdout = res.Stdout
		report.Stderr = res.Stderr
		report.Hostname = res.Hostname
		report.IPAddresses = res.IPAddresses
		report.Result = res.Result
	}

	// 3. Report.
	if err := w.client.Finish(ctx, report); err != nil {
		return true, fmt.Errorf("could not report task %s: %w", p.TaskID, err)
	}
	logger.Infof("Task finished with status %d", report.Status)

	return true, nil
}
