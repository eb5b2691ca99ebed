package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/provisioner"
)

// ExecutorConfig is the configuration for the fake executor.
type ExecutorConfig struct {
	// Failures maps task names to the result code they will return.
	Failures map[string]int
	Logger   log.Logger
}

func (c *ExecutorConfig) defaults() error {
	if c.Failures == nil {
		c.Failures = map[string]int{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provisioner.FakeExecutor"})
	return nil
}

// Executor is a fake implementation of the provisioner.Executor interface.
// It simulates the provider without creating real resources.
type Executor struct {
	failures map[string]int
	executed []model.TaskPayload
	mu       sync.Mutex
	logger   log.Logger
}

// NewExecutor creates a new fake executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Executor{
		failures: cfg.Failures,
		logger:   cfg.Logger,
	}, nil
}

// Execute executes a task.
func (e *Executor) Execute(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executed = append(e.executed, p)

	if code, ok := e.failures[p.TaskName]; ok {
		e.logger.Debugf("Failing task %s with %d", p.TaskID, code)
		return &provisioner.Result{Status: code, Stderr: fmt.Sprintf("%s failed", p.TaskName)}, nil
	}

	res := &provisioner.Result{Stdout: fmt.Sprintf("%s done", p.TaskName)}
	if p.TaskName == string(model.ProvisionerActionCreate) {
		res.Hostname = fmt.Sprintf("%s.%s.local", p.NodeID, p.ClusterID)
		res.IPAddresses = map[string]string{"private": fmt.Sprintf("10.0.0.%d", p.Config.NodeNum)}
	}

	e.logger.Debugf("Executed task %s", p.TaskID)
	return res, nil
}

// Executed returns the payloads executed in order.
func (e *Executor) Executed() []model.TaskPayload {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]model.TaskPayload{}, e.executed...)
}
