package events

import (
	"context"
	"time"

	"github.com/slok/clusterd/internal/log"
)

// Type is the type of a lifecycle event.
type Type string

const (
	TypeJobStatus     Type = "job.status"
	TypeTaskStatus    Type = "task.status"
	TypeClusterStatus Type = "cluster.status"
)

// Event is a cluster lifecycle event.
type Event struct {
	Type      Type      `json:"type"`
	TenantID  string    `json:"tenantId"`
	ClusterID string    `json:"clusterId"`
	JobID     string    `json:"jobId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher publishes lifecycle events, publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop is a publisher that drops the events.
const Noop = noop(0)

type noop int

func (noop) Publish(ctx context.Context, e Event) error { return nil }

// LogPublisher is a publisher that logs the events.
type LogPublisher struct {
	logger log.Logger
}

// NewLogPublisher returns a new publisher that logs the events.
func NewLogPublisher(logger log.Logger) LogPublisher {
	if logger == nil {
		logger = log.Noop
	}
	return LogPublisher{logger: logger.WithValues(log.Kv{"svc": "events.LogPublisher"})}
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.WithValues(log.Kv{
		"type":    e.Type,
		"tenant":  e.TenantID,
		"cluster": e.ClusterID,
		"job":     e.JobID,
		"task":    e.TaskID,
	}).Infof("%s: %s %s", e.Type, e.Status, e.Message)
	return nil
}
