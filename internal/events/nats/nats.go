package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/slok/clusterd/internal/events"
	"github.com/slok/clusterd/internal/log"
)

const (
	subjectPrefix = "clusterd.events."
	subjectAll    = "clusterd.events.all"
)

func clusterSubject(tenantID, clusterID string) string {
	return subjectPrefix + "cluster." + tenantID + "." + clusterID
}

// PublisherConfig is the configuration of the NATS publisher.
type PublisherConfig struct {
	Conn   *nats.Conn
	Logger log.Logger
}

func (c *PublisherConfig) defaults() error {
	if c.Conn == nil {
		return fmt.Errorf("nats connection is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "nats.Publisher"})
	return nil
}

// Publisher publishes the lifecycle events on NATS core subjects, one per cluster
// and a global one.
type Publisher struct {
	conn   *nats.Conn
	logger log.Logger
}

// NewPublisher returns a new NATS publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Publisher{conn: cfg.Conn, logger: cfg.Logger}, nil
}

// Connect connects to a NATS server.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("clusterd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("could not connect to nats: %w", err)
	}
	return nc, nil
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	if err := p.conn.Publish(clusterSubject(e.TenantID, e.ClusterID), data); err != nil {
		return fmt.Errorf("could not publish event: %w", err)
	}

	if err := p.conn.Publish(subjectAll, data); err != nil {
		p.logger.Warningf("Could not publish event on global subject: %s", err)
	}

	return nil
}
