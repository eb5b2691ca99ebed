package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/slok/clusterd/internal/coordination"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/metrics"
	"github.com/slok/clusterd/internal/queue"
)

// Loop is a periodic job of the scheduler.
type Loop struct {
	Name     string
	Interval time.Duration
	// Run executes one tick, returns the number of handled items.
	Run func(ctx context.Context) (int, error)
}

// DrainLoop returns a loop that drains the queue on every tick.
func DrainLoop(name string, interval time.Duration, q queue.Queue, consumerID string, opts queue.DrainOptions, h queue.Handler) Loop {
	return Loop{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return queue.Drain(ctx, q, consumerID, opts, h)
		},
	}
}

// SchedulerConfig is the configuration for the scheduler.
type SchedulerConfig struct {
	Leadership coordination.Leadership
	Loops      []Loop
	Metrics    metrics.Recorder
	Logger     log.Logger
}

func (c *SchedulerConfig) defaults() error {
	if c.Leadership == nil {
		return fmt.Errorf("leadership is required")
	}
	if len(c.Loops) == 0 {
		return fmt.Errorf("at least one loop is required")
	}
	for _, l := range c.Loops {
		if l.Name == "" || l.Run == nil {
			return fmt.Errorf("loops require name and run function")
		}
		if l.Interval <= 0 {
			return fmt.Errorf("loop %s interval must be positive", l.Name)
		}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Scheduler"})
	return nil
}

// Scheduler runs the loops while the process is the leader.
type Scheduler struct {
	leadership coordination.Leadership
	loops      []Loop
	metrics    metrics.Recorder
	logger     log.Logger
}

// NewScheduler returns a new scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Scheduler{
		leadership: cfg.Leadership,
		loops:      cfg.Loops,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// Run campaigns for the leadership and runs the loops while leading, blocks
// until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.leadership.Run(ctx, s.lead, func() {
		s.logger.Warningf("Leadership lost, loops stopped")
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("leadership failed: %w", err)
	}
	return nil
}

// lead runs the loops until the leadership context is done.
func (s *Scheduler) lead(ctx context.Context) {
	s.logger.Infof("Leader elected, starting %d loops", len(s.loops))

	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	for _, l := range s.loops {
		c.Schedule(cron.Every(l.Interval), cron.FuncJob(func() { s.tick(ctx, l) }))
	}

	c.Start()
	<-ctx.Done()

	// Wait for the running ticks.
	<-c.Stop().Done()
}

func (s *Scheduler) tick(ctx context.Context, l Loop) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	n, err := l.Run(ctx)
	s.metrics.ObserveLoopTick(ctx, l.Name, n, err, time.Since(start))

	logger := s.logger.WithValues(log.Kv{"loop": l.Name})
	if err != nil {
		logger.Errorf("Loop tick failed: %s", err)
		return
	}
	if n > 0 {
		logger.Debugf("Loop tick handled %d items", n)
	}
}

// cronLogger adapts the logger to cron.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugf("%s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorf("%s: %s %v", msg, err, keysAndValues)
}
