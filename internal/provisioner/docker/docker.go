package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/provisioner"
)

// Service action data keys used by the executor.
const (
	DataImage   = "image"
	DataCommand = "command"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// ExecutorConfig is the configuration for the Docker executor.
type ExecutorConfig struct {
	Client DockerClient
	// Platform forces the platform of the created containers, nil uses the daemon default.
	Platform *ocispec.Platform
	Logger   log.Logger
}

func (c *ExecutorConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provisioner.DockerExecutor"})
	return nil
}

// Executor is the Docker implementation of the provisioner.Executor interface. Nodes are
// long running containers and service actions are one shot containers whose exit
// code is the task result.
type Executor struct {
	client   DockerClient
	platform *ocispec.Platform
	logger   log.Logger
}

// NewExecutor creates a new Docker executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Executor{
		client:   cfg.Client,
		platform: cfg.Platform,
		logger:   cfg.Logger,
	}, nil
}

// Execute executes a task.
func (e *Executor) Execute(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	switch model.ProvisionerAction(p.TaskName) {
	case model.ProvisionerActionCreate:
		return e.createNode(ctx, p)
	case model.ProvisionerActionConfirm:
		return e.confirmNode(ctx, p)
	case model.ProvisionerActionDelete:
		return e.deleteNode(ctx, p)
	}

	if p.Config.Service == nil {
		e.logger.Debugf("Nothing to run for %s on node %s", p.TaskName, p.NodeID)
		return &provisioner.Result{}, nil
	}

	return e.runServiceAction(ctx, p)
}

func nodeContainerName(p model.TaskPayload) string {
	return fmt.Sprintf("clusterd-%s", strings.ToLower(p.NodeID))
}

func labels(p model.TaskPayload) map[string]string {
	return map[string]string{
		"clusterd.cluster": p.ClusterID,
		"clusterd.node":    p.NodeID,
		"clusterd.task":    p.TaskID,
	}
}

func (e *Executor) createNode(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	if p.Config.Image == "" {
		return nil, fmt.Errorf("node %s has no image: %w", p.NodeID, model.ErrNotValid)
	}
	name := nodeContainerName(p)

	// 1. Pull the node image.
	e.logger.Infof("[1/3] Pulling image: %s", p.Config.Image)
	if err := e.pull(ctx, p.Config.Image); err != nil {
		return nil, err
	}

	// 2. Create the node container.
	e.logger.Infof("[2/3] Creating container: %s", name)
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:    p.Config.Image,
		Hostname: p.NodeID,
		Cmd:      []string{"tail", "-f", "/dev/null"},
		Labels:   labels(p),
	}, &container.HostConfig{}, nil, e.platform, name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") || strings.Contains(err.Error(), "already in use") {
			e.logger.Debugf("Container %s already exists", name)
		} else {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
	}
	id := resp.ID
	if id == "" {
		id = name
	}

	// 3. Start it.
	e.logger.Infof("[3/3] Starting container: %s", name)
	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if !strings.Contains(err.Error(), "already started") && !strings.Contains(err.Error(), "is already running") {
			return nil, fmt.Errorf("failed to start container %s: %w", name, err)
		}
	}

	info, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	res := &provisioner.Result{
		Hostname:    p.NodeID,
		IPAddresses: map[string]string{},
		Result:      map[string]any{"containerId": info.ID},
	}
	if info.Config != nil && info.Config.Hostname != "" {
		res.Hostname = info.Config.Hostname
	}
	if info.NetworkSettings != nil {
		for netName, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				res.IPAddresses[netName] = ep.IPAddress
			}
		}
	}

	return res, nil
}

func (e *Executor) confirmNode(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	name := nodeContainerName(p)
	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return &provisioner.Result{Status: 1, Stderr: fmt.Sprintf("container %s does not exist", name)}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return &provisioner.Result{Status: 1, Stderr: fmt.Sprintf("container %s is not running", name)}, nil
	}

	return &provisioner.Result{Stdout: fmt.Sprintf("container %s running", name)}, nil
}

func (e *Executor) deleteNode(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	name := nodeContainerName(p)
	e.logger.Infof("Removing container: %s", name)
	err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		if !strings.Contains(err.Error(), "No such container") {
			return nil, fmt.Errorf("failed to remove container %s: %w", name, err)
		}
		e.logger.Debugf("Container %s already removed", name)
	}

	return &provisioner.Result{}, nil
}

func (e *Executor) runServiceAction(ctx context.Context, p model.TaskPayload) (*provisioner.Result, error) {
	svc := p.Config.Service
	img := svc.Action.Data[DataImage]
	if img == "" {
		img = p.Config.Image
	}
	if img == "" {
		return nil, fmt.Errorf("service %s action has no image: %w", svc.Name, model.ErrNotValid)
	}
	cmd := strings.Fields(svc.Action.Data[DataCommand])

	if err := e.pull(ctx, img); err != nil {
		return nil, err
	}

	env := []string{
		"CLUSTERD_TASK=" + p.TaskName,
		"CLUSTERD_SERVICE=" + svc.Name,
		"CLUSTERD_NODE=" + p.NodeID,
		"CLUSTERD_HOSTNAME=" + p.Config.Hostname,
	}
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:  img,
		Cmd:    cmd,
		Env:    env,
		Labels: labels(p),
	}, &container.HostConfig{}, nil, e.platform, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := e.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warningf("Could not remove container %s: %s", resp.ID, err)
		}
	}()

	waitCh, errCh := e.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	var status int
	select {
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return nil, fmt.Errorf("container %s wait failed: %s", resp.ID, w.Error.Message)
		}
		status = int(w.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("container %s wait failed: %w", resp.ID, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := &provisioner.Result{Status: status}
	logs, err := e.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Warningf("Could not get logs of container %s: %s", resp.ID, err)
		return res, nil
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		e.logger.Warningf("Could not read logs of container %s: %s", resp.ID, err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	return res, nil
}

func (e *Executor) pull(ctx context.Context, ref string) error {
	pullResp, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer pullResp.Close()

	// Consume the pull response to ensure it completes.
	_, _ = io.Copy(io.Discard, pullResp)
	return nil
}
