package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
)

// QueueConfig is the configuration of the memory queue.
type QueueConfig struct {
	Name string
	// ClaimTimeout is the claim age after which an element is delivered again, 0 disables redelivery.
	ClaimTimeout time.Duration
	TimeNow      func() time.Time
	Logger       log.Logger
}

func (c *QueueConfig) defaults() error {
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Memory", "queue": c.Name})
	return nil
}

type entry struct {
	element    queue.Element
	consumerID string
	claimedAt  time.Time
}

// Queue is an in-memory implementation of queue.Queue.
type Queue struct {
	tenants      map[string][]*entry
	claimTimeout time.Duration
	timeNow      func() time.Time
	mu           sync.Mutex
	logger       log.Logger
}

// NewQueue returns a new memory queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Queue{
		tenants:      map[string][]*entry{},
		claimTimeout: cfg.ClaimTimeout,
		timeNow:      cfg.TimeNow,
		logger:       cfg.Logger,
	}, nil
}

func (q *Queue) Add(ctx context.Context, tenantID string, e queue.Element) error {
	if e.ID == "" {
		return fmt.Errorf("element id is required: %w", model.ErrNotValid)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.find(tenantID, e.ID) >= 0 {
		q.logger.Debugf("Element %s already on queue, ignoring", e.ID)
		return nil
	}

	e.Payload = slices.Clone(e.Payload)
	q.tenants[tenantID] = append(q.tenants[tenantID], &entry{element: e})

	return nil
}

func (q *Queue) Take(ctx context.Context, tenantID, consumerID string) (queue.Element, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.timeNow()
	for _, en := range q.tenants[tenantID] {
		if !q.available(en, now) {
			continue
		}
		if en.consumerID != "" {
			q.logger.Warningf("Element %s claim by %s expired, redelivering", en.element.ID, en.consumerID)
		}
		en.consumerID = consumerID
		en.claimedAt = now

		e := en.element
		e.Payload = slices.Clone(e.Payload)
		return e, true, nil
	}

	return queue.Element{}, false, nil
}

func (q *Queue) available(en *entry, now time.Time) bool {
	if en.consumerID == "" {
		return true
	}
	return q.claimTimeout > 0 && now.Sub(en.claimedAt) >= q.claimTimeout
}

func (q *Queue) Ack(ctx context.Context, consumerID, tenantID, elementID string, outcome queue.Outcome, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(tenantID, elementID)
	if i < 0 {
		return fmt.Errorf("element %s: %w", elementID, model.ErrNotFound)
	}

	en := q.tenants[tenantID][i]
	if en.consumerID == "" || en.consumerID != consumerID {
		return fmt.Errorf("element %s is not claimed by %s: %w", elementID, consumerID, model.ErrNotOwner)
	}

	q.tenants[tenantID] = slices.Delete(q.tenants[tenantID], i, i+1)
	if len(q.tenants[tenantID]) == 0 {
		delete(q.tenants, tenantID)
	}
	q.logger.Debugf("Element %s acked with %s: %s", elementID, outcome, msg)

	return nil
}

func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tenants := make([]string, 0, len(q.tenants))
	for t := range q.tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	return tenants, nil
}

func (q *Queue) ListClaimedUnacked(ctx context.Context, tenantID string) ([]queue.ClaimedElement, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	claimed := []queue.ClaimedElement{}
	for _, en := range q.tenants[tenantID] {
		if en.consumerID == "" {
			continue
		}
		e := en.element
		e.Payload = slices.Clone(e.Payload)
		claimed = append(claimed, queue.ClaimedElement{
			Element:    e,
			TenantID:   tenantID,
			ConsumerID: en.consumerID,
			ClaimedAt:  en.claimedAt,
		})
	}

	return claimed, nil
}

func (q *Queue) find(tenantID, elementID string) int {
	return slices.IndexFunc(q.tenants[tenantID], func(en *entry) bool { return en.element.ID == elementID })
}
