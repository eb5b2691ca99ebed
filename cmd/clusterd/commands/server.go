package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slok/clusterd/internal/app/cleanup"
	"github.com/slok/clusterd/internal/app/jobengine"
	"github.com/slok/clusterd/internal/app/planner"
	"github.com/slok/clusterd/internal/http/provisionerapi"
	metricsprometheus "github.com/slok/clusterd/internal/metrics/prometheus"
	"github.com/slok/clusterd/internal/queue"
	"github.com/slok/clusterd/internal/scheduler"
)

type ServerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddr  string
	maxRetries  int
	concurrency int
	taskTimeout time.Duration
	shardIndex  int
	shardCount  int

	// Loop intervals.
	actionsInterval     time.Duration
	jobsInterval        time.Duration
	reaperInterval      time.Duration
	expiryInterval      time.Duration
	longRunningInterval time.Duration
}

// NewServerCommand returns the server command.
func NewServerCommand(rootCmd *RootCommand, app *kingpin.Application) *ServerCommand {
	c := &ServerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("server", "Run the orchestration engine and the worker API.")
	c.Cmd.Flag("listen-address", "Address where the worker API and metrics are served.").Default(":8055").StringVar(&c.listenAddr)
	c.Cmd.Flag("max-retries", "Times a failed task is retried.").Default("3").IntVar(&c.maxRetries)
	c.Cmd.Flag("concurrency", "Max elements handled at the same time per loop tick.").Default("10").IntVar(&c.concurrency)
	c.Cmd.Flag("task-timeout", "Time after a claimed task not reported is failed.").Default("30m").DurationVar(&c.taskTimeout)
	c.Cmd.Flag("shard-index", "Index of this instance on the expired clusters sharding.").Default("0").IntVar(&c.shardIndex)
	c.Cmd.Flag("shard-count", "Number of instances on the expired clusters sharding.").Default("1").IntVar(&c.shardCount)

	c.Cmd.Flag("cluster-actions-interval", "Interval of the cluster action planning loop.").Default("1s").DurationVar(&c.actionsInterval)
	c.Cmd.Flag("jobs-interval", "Interval of the job evaluation loop.").Default("1s").DurationVar(&c.jobsInterval)
	c.Cmd.Flag("reaper-interval", "Interval of the timed out tasks reaper loop.").Default("30s").DurationVar(&c.reaperInterval)
	c.Cmd.Flag("expiry-interval", "Interval of the expired clusters loop.").Default("1m").DurationVar(&c.expiryInterval)
	c.Cmd.Flag("long-running-interval", "Interval of the long running tasks report loop.").Default("5m").DurationVar(&c.longRunningInterval)

	return c
}

func (c ServerCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metricsprometheus.NewRecorder(reg)

	// Backends.
	b, err := newBackends(ctx, c.rootCmd, rec)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warningf("Could not close backends: %s", err)
		}
	}()

	// Services.
	clusterOps, err := b.clusterOps(c.rootCmd)
	if err != nil {
		return err
	}

	plan, err := planner.NewService(planner.ServiceConfig{
		Repository:  b.repo,
		ActionTable: b.actionTable,
		Lock:        b.lock,
		JobQueue:    b.jobQueue,
		TaskStatus:  b.taskStatus,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create planner: %w", err)
	}

	// Zero is the engine default, disabling retries is negative.
	maxRetries := c.maxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	engine, err := jobengine.NewService(jobengine.ServiceConfig{
		Repository:  b.repo,
		ActionTable: b.actionTable,
		Lock:        b.lock,
		Dispatch:    b.dispatch,
		TaskStatus:  b.taskStatus,
		MaxRetries:  maxRetries,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create job engine: %w", err)
	}

	clean, err := cleanup.NewService(cleanup.ServiceConfig{
		Repository:       b.repo,
		ProvisionerQueue: b.provQueue,
		Dispatch:         b.dispatch,
		ClusterOps:       clusterOps,
		Metrics:          rec,
		TaskTimeout:      c.taskTimeout,
		ShardIndex:       c.shardIndex,
		ShardCount:       c.shardCount,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("could not create cleanup service: %w", err)
	}

	// Driver loops, only run while leading.
	drainOpts := queue.DrainOptions{Concurrency: c.concurrency}
	sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Leadership: b.leadership,
		Metrics:    rec,
		Logger:     logger,
		Loops: []scheduler.Loop{
			scheduler.DrainLoop("cluster-actions", c.actionsInterval, b.actionQueue, "planner."+b.id, drainOpts, plan.HandleElement),
			scheduler.DrainLoop("jobs", c.jobsInterval, b.jobQueue, "engine."+b.id, drainOpts, engine.HandleElement),
			{Name: "task-reaper", Interval: c.reaperInterval, Run: clean.ReapTimedOutTasks},
			{Name: "cluster-expiry", Interval: c.expiryInterval, Run: clean.ExpireClusters},
			{Name: "long-running-tasks", Interval: c.longRunningInterval, Run: clean.ReportLongRunning},
		},
	})
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	// Worker API.
	api, err := provisionerapi.NewServer(provisionerapi.ServerConfig{
		ListenAddr:     c.listenAddr,
		Tasks:          b.dispatch,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create worker API: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(
		func() error { return sched.Run(ctx) },
		func(_ error) { cancel() },
	)
	g.Add(
		func() error { return api.Run(ctx) },
		func(_ error) { cancel() },
	)

	logger.Infof("Server %s started", b.id)
	return g.Run()
}
