package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
)

// QueueConfig is the configuration of the SQLite queue. The database must have
// the storage migrations applied.
type QueueConfig struct {
	DB   *sql.DB
	Name string
	// ClaimTimeout is the claim age after which an element is delivered again, 0 disables redelivery.
	ClaimTimeout time.Duration
	TimeNow      func() time.Time
	Logger       log.Logger
}

func (c *QueueConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.ClaimTimeout < 0 {
		return fmt.Errorf("claim timeout can't be negative")
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.SQLite", "queue": c.Name})
	return nil
}

// Queue is a SQLite implementation of queue.Queue, many queues share the same table.
type Queue struct {
	db           *sql.DB
	name         string
	claimTimeout time.Duration
	timeNow      func() time.Time
	logger       log.Logger
}

// NewQueue returns a new SQLite queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Queue{
		db:           cfg.DB,
		name:         cfg.Name,
		claimTimeout: cfg.ClaimTimeout,
		timeNow:      cfg.TimeNow,
		logger:       cfg.Logger,
	}, nil
}

func (q *Queue) Add(ctx context.Context, tenantID string, e queue.Element) error {
	if e.ID == "" {
		return fmt.Errorf("element id is required: %w", model.ErrNotValid)
	}

	query := `
		INSERT INTO queue_elements (queue, tenant_id, element_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(queue, tenant_id, element_id) DO NOTHING
	`
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	if _, err := q.db.ExecContext(ctx, query, q.name, tenantID, e.ID, payload, q.timeNow().UnixNano()); err != nil {
		return fmt.Errorf("could not insert element: %w", err)
	}

	return nil
}

func (q *Queue) Take(ctx context.Context, tenantID, consumerID string) (queue.Element, bool, error) {
	now := q.timeNow().UnixNano()

	// Expired claims are only redelivered with a claim timeout.
	expiredBefore := int64(-1)
	if q.claimTimeout > 0 {
		expiredBefore = now - q.claimTimeout.Nanoseconds()
	}

	query := `
		UPDATE queue_elements
		SET consumer_id = ?, claimed_at = ?
		WHERE seq = (
			SELECT seq FROM queue_elements
			WHERE queue = ? AND tenant_id = ?
			AND (claimed_at IS NULL OR claimed_at <= ?)
			ORDER BY seq ASC
			LIMIT 1
		)
		RETURNING element_id, payload
	`

	var e queue.Element
	err := q.db.QueryRowContext(ctx, query, consumerID, now, q.name, tenantID, expiredBefore).Scan(&e.ID, &e.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Element{}, false, nil
		}
		return queue.Element{}, false, fmt.Errorf("could not claim element: %w", err)
	}

	return e, true, nil
}

func (q *Queue) Ack(ctx context.Context, consumerID, tenantID, elementID string, outcome queue.Outcome, msg string) error {
	query := `
		DELETE FROM queue_elements
		WHERE queue = ? AND tenant_id = ? AND element_id = ? AND claimed_at IS NOT NULL AND consumer_id = ?
	`
	result, err := q.db.ExecContext(ctx, query, q.name, tenantID, elementID, consumerID)
	if err != nil {
		return fmt.Errorf("could not delete element: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}

	if rows == 0 {
		var n int
		err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_elements WHERE queue = ? AND tenant_id = ? AND element_id = ?`, q.name, tenantID, elementID).Scan(&n)
		if err != nil {
			return fmt.Errorf("could not query element: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("element %s: %w", elementID, model.ErrNotFound)
		}
		return fmt.Errorf("element %s is not claimed by %s: %w", elementID, consumerID, model.ErrNotOwner)
	}

	q.logger.Debugf("Element %s acked with %s: %s", elementID, outcome, msg)
	return nil
}

func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM queue_elements WHERE queue = ? ORDER BY tenant_id ASC`, q.name)
	if err != nil {
		return nil, fmt.Errorf("could not query tenants: %w", err)
	}
	defer rows.Close()

	tenants := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tenants, nil
}

func (q *Queue) ListClaimedUnacked(ctx context.Context, tenantID string) ([]queue.ClaimedElement, error) {
	query := `
		SELECT element_id, payload, consumer_id, claimed_at
		FROM queue_elements
		WHERE queue = ? AND tenant_id = ? AND claimed_at IS NOT NULL
		ORDER BY seq ASC
	`
	rows, err := q.db.QueryContext(ctx, query, q.name, tenantID)
	if err != nil {
		return nil, fmt.Errorf("could not query elements: %w", err)
	}
	defer rows.Close()

	claimed := []queue.ClaimedElement{}
	for rows.Next() {
		ce := queue.ClaimedElement{TenantID: tenantID}
		var claimedAt int64
		if err := rows.Scan(&ce.ID, &ce.Payload, &ce.ConsumerID, &claimedAt); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		ce.ClaimedAt = time.Unix(0, claimedAt).UTC()
		claimed = append(claimed, ce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return claimed, nil
}
