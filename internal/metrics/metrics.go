package metrics

import (
	"context"
	"time"
)

// Recorder records the engine metrics.
type Recorder interface {
	// ObserveLoopTick measures a periodic loop tick and the elements it handled.
	ObserveLoopTick(ctx context.Context, loop string, handled int, err error, duration time.Duration)
	// IncTaskFinished counts a task attempt that reached a final status.
	IncTaskFinished(ctx context.Context, action, status string)
	// IncJobFinished counts a job that reached a final status.
	IncJobFinished(ctx context.Context, clusterAction, status string)
	// IncTaskReaped counts an in flight task failed by timeout.
	IncTaskReaped(ctx context.Context)
	// IncClusterExpired counts an expired cluster sent to deletion.
	IncClusterExpired(ctx context.Context)
	// SetLongRunningTasks sets the number of tasks in progress for longer than the timeout.
	SetLongRunningTasks(ctx context.Context, n int)
}

// Noop is a recorder that doesn't record anything.
const Noop = noop(0)

type noop int

func (noop) ObserveLoopTick(ctx context.Context, loop string, handled int, err error, duration time.Duration) {
}
func (noop) IncTaskFinished(ctx context.Context, action, status string)       {}
func (noop) IncJobFinished(ctx context.Context, clusterAction, status string) {}
func (noop) IncTaskReaped(ctx context.Context)                                {}
func (noop) IncClusterExpired(ctx context.Context)                            {}
func (noop) SetLongRunningTasks(ctx context.Context, n int)                   {}
