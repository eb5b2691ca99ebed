package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/clusterd/internal/app/clusterops"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/model"
	storageio "github.com/slok/clusterd/internal/storage/io"
)

// NewClusterCommand returns the parent command of the cluster operations.
func NewClusterCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("cluster", "Manage clusters.")
}

// clusterFlags are the flags shared by the cluster commands.
type clusterFlags struct {
	rootCmd *RootCommand
	tenant  string
}

func newClusterFlags(rootCmd *RootCommand, cmd *kingpin.CmdClause) *clusterFlags {
	f := &clusterFlags{rootCmd: rootCmd}
	cmd.Flag("tenant", "Tenant of the cluster.").Required().StringVar(&f.tenant)
	return f
}

// withOps runs f with a cluster operations service over the shared store.
func (f clusterFlags) withOps(ctx context.Context, fn func(ctx context.Context, ops *clusterops.Service) error) error {
	b, err := newBackends(ctx, f.rootCmd, metrics.Noop)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			f.rootCmd.Logger.Warningf("Could not close backends: %s", err)
		}
	}()

	ops, err := b.clusterOps(f.rootCmd)
	if err != nil {
		return err
	}

	return fn(ctx, ops)
}

type ClusterCreateCommand struct {
	Cmd   *kingpin.CmdClause
	flags *clusterFlags

	file  string
	owner string
}

// NewClusterCreateCommand returns the cluster create command.
func NewClusterCreateCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterCreateCommand {
	c := &ClusterCreateCommand{}

	c.Cmd = parent.Command("create", "Create a cluster from a YAML definition.")
	c.flags = newClusterFlags(rootCmd, c.Cmd)
	c.Cmd.Flag("file", "Path to the cluster YAML definition.").Short('f').Required().StringVar(&c.file)
	c.Cmd.Flag("owner", "Owner of the cluster.").StringVar(&c.owner)

	return c
}

func (c ClusterCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c ClusterCreateCommand) Run(ctx context.Context) error {
	repo := storageio.NewYAMLRepository(os.DirFS(filepath.Dir(c.file)))
	spec, err := repo.GetClusterSpec(ctx, filepath.Base(c.file))
	if err != nil {
		return fmt.Errorf("could not load cluster definition: %w", err)
	}

	return c.flags.withOps(ctx, func(ctx context.Context, ops *clusterops.Service) error {
		cluster, job, err := ops.Create(ctx, clusterops.CreateOptions{
			TenantID:    c.flags.tenant,
			Name:        spec.Name,
			OwnerID:     c.owner,
			Services:    spec.Services,
			Config:      spec.Config,
			Provider:    spec.Provider,
			Credentials: spec.Credentials,
			Layout:      spec.Layout,
			Flavor:      spec.Flavor,
			Image:       spec.Image,
			TTL:         spec.TTL,
		})
		if err != nil {
			return fmt.Errorf("could not create cluster: %w", err)
		}

		fmt.Fprintf(c.flags.rootCmd.Stdout, "Cluster %s requested (job %s)\n", cluster.ID, job.ID)
		return nil
	})
}

type ClusterListCommand struct {
	Cmd   *kingpin.CmdClause
	flags *clusterFlags

	format string
}

// NewClusterListCommand returns the cluster list command.
func NewClusterListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterListCommand {
	c := &ClusterListCommand{}

	c.Cmd = parent.Command("list", "List the clusters of a tenant.").Alias("ls")
	c.flags = newClusterFlags(rootCmd, c.Cmd)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ClusterListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ClusterListCommand) Run(ctx context.Context) error {
	return c.flags.withOps(ctx, func(ctx context.Context, ops *clusterops.Service) error {
		clusters, err := ops.List(ctx, c.flags.tenant)
		if err != nil {
			return err
		}

		if err := newPrinter(c.format, c.flags.rootCmd.Stdout).PrintList(clusters); err != nil {
			return fmt.Errorf("could not print clusters: %w", err)
		}
		return nil
	})
}

type ClusterStatusCommand struct {
	Cmd   *kingpin.CmdClause
	flags *clusterFlags

	clusterID string
	format    string
}

// NewClusterStatusCommand returns the cluster status command.
func NewClusterStatusCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterStatusCommand {
	c := &ClusterStatusCommand{}

	c.Cmd = parent.Command("status", "Get detailed status of a cluster.")
	c.flags = newClusterFlags(rootCmd, c.Cmd)
	c.Cmd.Arg("cluster-id", "Cluster ID.").Required().StringVar(&c.clusterID)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ClusterStatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c ClusterStatusCommand) Run(ctx context.Context) error {
	return c.flags.withOps(ctx, func(ctx context.Context, ops *clusterops.Service) error {
		report, err := ops.Status(ctx, c.flags.tenant, c.clusterID)
		if err != nil {
			return fmt.Errorf("could not get cluster status: %w", err)
		}

		if err := newPrinter(c.format, c.flags.rootCmd.Stdout).PrintStatus(*report); err != nil {
			return fmt.Errorf("could not print status: %w", err)
		}
		return nil
	})
}

type ClusterRequestCommand struct {
	Cmd   *kingpin.CmdClause
	flags *clusterFlags

	clusterID string
	action    string
	services  []string
}

// NewClusterRequestCommand returns the cluster request command.
func NewClusterRequestCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterRequestCommand {
	c := &ClusterRequestCommand{}

	c.Cmd = parent.Command("request", "Request an action on an existing cluster.")
	c.flags = newClusterFlags(rootCmd, c.Cmd)
	c.Cmd.Arg("cluster-id", "Cluster ID.").Required().StringVar(&c.clusterID)
	c.Cmd.Arg("action", "Cluster action.").Required().EnumVar(&c.action,
		string(model.ClusterActionConfigure),
		string(model.ClusterActionConfigureWithRestart),
		string(model.ClusterActionStopServices),
		string(model.ClusterActionStartServices),
		string(model.ClusterActionRestartServices),
		string(model.ClusterActionAddServices),
		string(model.ClusterActionDelete),
	)
	c.Cmd.Flag("service", "Service the action applies to (repeatable).").StringsVar(&c.services)

	return c
}

func (c ClusterRequestCommand) Name() string { return c.Cmd.FullCommand() }

func (c ClusterRequestCommand) Run(ctx context.Context) error {
	return c.flags.withOps(ctx, func(ctx context.Context, ops *clusterops.Service) error {
		job, err := ops.RequestAction(ctx, clusterops.RequestOptions{
			TenantID:  c.flags.tenant,
			ClusterID: c.clusterID,
			Action:    model.ClusterAction(c.action),
			Services:  c.services,
		})
		if err != nil {
			return fmt.Errorf("could not request action: %w", err)
		}

		fmt.Fprintf(c.flags.rootCmd.Stdout, "Job %s requested (%s)\n", job.ID, job.ClusterAction)
		return nil
	})
}

// jobOperation is an operation on the latest job of a cluster.
type jobOperation func(ops *clusterops.Service) func(ctx context.Context, tenantID, clusterID string) (*model.ClusterJob, error)

type ClusterJobCommand struct {
	Cmd   *kingpin.CmdClause
	flags *clusterFlags

	clusterID string
	name      string
	verb      string
	op        jobOperation
}

func newClusterJobCommand(rootCmd *RootCommand, parent *kingpin.CmdClause, name, help, verb string, op jobOperation) *ClusterJobCommand {
	c := &ClusterJobCommand{name: name, verb: verb, op: op}

	c.Cmd = parent.Command(name, help)
	c.flags = newClusterFlags(rootCmd, c.Cmd)
	c.Cmd.Arg("cluster-id", "Cluster ID.").Required().StringVar(&c.clusterID)

	return c
}

// NewClusterDeleteCommand returns the cluster delete command.
func NewClusterDeleteCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterJobCommand {
	return newClusterJobCommand(rootCmd, parent, "delete", "Delete a cluster.", "requested", func(ops *clusterops.Service) func(context.Context, string, string) (*model.ClusterJob, error) {
		return ops.Delete
	})
}

// NewClusterPauseCommand returns the cluster pause command.
func NewClusterPauseCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterJobCommand {
	return newClusterJobCommand(rootCmd, parent, "pause", "Pause the running job of a cluster.", "paused", func(ops *clusterops.Service) func(context.Context, string, string) (*model.ClusterJob, error) {
		return ops.Pause
	})
}

// NewClusterResumeCommand returns the cluster resume command.
func NewClusterResumeCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterJobCommand {
	return newClusterJobCommand(rootCmd, parent, "resume", "Resume the paused job of a cluster.", "resumed", func(ops *clusterops.Service) func(context.Context, string, string) (*model.ClusterJob, error) {
		return ops.Resume
	})
}

// NewClusterAbortCommand returns the cluster abort command.
func NewClusterAbortCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ClusterJobCommand {
	return newClusterJobCommand(rootCmd, parent, "abort", "Abort the running or paused job of a cluster.", "aborted", func(ops *clusterops.Service) func(context.Context, string, string) (*model.ClusterJob, error) {
		return ops.Abort
	})
}

func (c ClusterJobCommand) Name() string { return c.Cmd.FullCommand() }

func (c ClusterJobCommand) Run(ctx context.Context) error {
	return c.flags.withOps(ctx, func(ctx context.Context, ops *clusterops.Service) error {
		job, err := c.op(ops)(ctx, c.flags.tenant, c.clusterID)
		if err != nil {
			return fmt.Errorf("could not %s cluster %s: %w", c.name, c.clusterID, err)
		}

		fmt.Fprintf(c.flags.rootCmd.Stdout, "Job %s %s (%s)\n", job.ID, c.verb, job.ClusterAction)
		return nil
	})
}
