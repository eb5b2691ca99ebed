package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/clusterd/internal/http/provisionerapi"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/provisioner"
	"github.com/slok/clusterd/internal/provisioner/docker"
	"github.com/slok/clusterd/internal/provisioner/fake"
)

type ProvisionerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	apiURL         string
	tenants        []string
	provisionerID  string
	workers        int
	executor       string
	pollInterval   time.Duration
	dockerPlatform string
}

// NewProvisionerCommand returns the provisioner command.
func NewProvisionerCommand(rootCmd *RootCommand, app *kingpin.Application) *ProvisionerCommand {
	c := &ProvisionerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("provisioner", "Run provisioner workers that execute the cluster tasks.")
	c.Cmd.Flag("api-url", "Worker API URL, the tasks are taken from the local database when empty.").StringVar(&c.apiURL)
	c.Cmd.Flag("tenant", "Tenant whose tasks are executed (repeatable).").Required().StringsVar(&c.tenants)
	c.Cmd.Flag("provisioner-id", "Provisioner ID.").Default("default").StringVar(&c.provisionerID)
	c.Cmd.Flag("workers", "Number of concurrent workers.").Default("1").IntVar(&c.workers)
	c.Cmd.Flag("executor", "Executor type (fake, docker).").Default("fake").EnumVar(&c.executor, "fake", "docker")
	c.Cmd.Flag("poll-interval", "Wait between polls when there are no tasks.").Default("2s").DurationVar(&c.pollInterval)
	c.Cmd.Flag("docker-platform", "Platform of the docker containers (e.g. linux/amd64), daemon default when empty.").StringVar(&c.dockerPlatform)

	return c
}

func (c ProvisionerCommand) Name() string { return c.Cmd.FullCommand() }

func (c ProvisionerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	if c.workers < 1 {
		return fmt.Errorf("at least one worker is required")
	}

	// Task client.
	var client provisioner.TaskClient
	if c.apiURL != "" {
		cli, err := provisionerapi.NewClient(provisionerapi.ClientConfig{URL: c.apiURL})
		if err != nil {
			return fmt.Errorf("could not create worker API client: %w", err)
		}
		client = cli
	} else {
		b, err := newBackends(ctx, c.rootCmd, metrics.Noop)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warningf("Could not close backends: %s", err)
			}
		}()
		client = b.dispatch
	}

	// Executor.
	exec, err := c.newExecutor(logger)
	if err != nil {
		return err
	}

	// Workers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := strings.ToLower(ulid.Make().String())
	var g run.Group
	for i := range c.workers {
		w, err := provisioner.NewWorker(provisioner.WorkerConfig{
			Client:        client,
			Executor:      exec,
			TenantIDs:     c.tenants,
			ProvisionerID: c.provisionerID,
			WorkerID:      fmt.Sprintf("%s-%d", base, i),
			PollInterval:  c.pollInterval,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("could not create worker: %w", err)
		}

		g.Add(
			func() error { return w.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	return g.Run()
}

func (c ProvisionerCommand) newExecutor(logger log.Logger) (provisioner.Executor, error) {
	switch c.executor {
	case "docker":
		platform, err := parsePlatform(c.dockerPlatform)
		if err != nil {
			return nil, err
		}
		exec, err := docker.NewExecutor(docker.ExecutorConfig{Platform: platform, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create docker executor: %w", err)
		}
		return exec, nil
	default:
		exec, err := fake.NewExecutor(fake.ExecutorConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create fake executor: %w", err)
		}
		return exec, nil
	}
}

// parsePlatform parses `os/arch[/variant]` platforms.
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, expected os/arch[/variant]", s)
	}

	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}
