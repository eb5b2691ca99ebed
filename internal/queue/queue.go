package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Element is a queue entry, IDs are unique per tenant.
type Element struct {
	ID      string
	Payload []byte
}

// NewElement returns an element with a new unique ID.
func NewElement(payload []byte) Element {
	return Element{ID: ulid.Make().String(), Payload: payload}
}

// ClaimedElement is an element taken by a consumer that has not been acknowledged yet.
type ClaimedElement struct {
	Element
	TenantID   string
	ConsumerID string
	ClaimedAt  time.Time
}

// Outcome is the result of processing an element, informative only.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDropped Outcome = "dropped"
	OutcomeTimeout Outcome = "timeout"
)

// Queue is an at-least-once, per tenant FIFO queue.
type Queue interface {
	// Add enqueues the element, adding an element with an ID already present is a no-op.
	Add(ctx context.Context, tenantID string, e Element) error
	// Take claims the next available element for the consumer, ok is false when there is none.
	Take(ctx context.Context, tenantID, consumerID string) (e Element, ok bool, err error)
	// Ack removes a claimed element, only its claimant can acknowledge it (model.ErrNotOwner).
	Ack(ctx context.Context, consumerID, tenantID, elementID string, outcome Outcome, msg string) error
	// Tenants returns the tenants with elements on the queue.
	Tenants(ctx context.Context) ([]string, error)
	// ListClaimedUnacked returns the claimed elements of a tenant not acknowledged yet.
	ListClaimedUnacked(ctx context.Context, tenantID string) ([]ClaimedElement, error)
}

// Handler processes a taken element.
type Handler func(ctx context.Context, tenantID string, e Element) error

// DrainOptions are the options of Drain.
type DrainOptions struct {
	// Limit is the max number of elements taken per tenant, 0 means no limit.
	Limit int
	// Concurrency is the max number of handlers running at the same time.
	Concurrency int
}

// Drain takes the available elements of every tenant and handles them with up
// to Concurrency handlers at the same time. Every taken element is acknowledged,
// handler errors are acknowledged as failures. Returns the number of handled elements.
func Drain(ctx context.Context, q Queue, consumerID string, opts DrainOptions, h Handler) (int, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	tenants, err := q.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	handled := 0
	var errs []error
	for _, tenant := range tenants {
		for n := 0; opts.Limit <= 0 || n < opts.Limit; n++ {
			if gctx.Err() != nil {
				break
			}

			e, ok, err := q.Take(gctx, tenant, consumerID)
			if err != nil {
				errs = append(errs, fmt.Errorf("could not take element from tenant %s: %w", tenant, err))
				break
			}
			if !ok {
				break
			}

			handled++
			g.Go(func() error {
				outcome, msg := OutcomeSuccess, ""
				if err := h(gctx, tenant, e); err != nil {
					outcome, msg = OutcomeFailure, err.Error()
				}

				// Always ack even if the tick context is cancelled.
				if err := q.Ack(context.WithoutCancel(gctx), consumerID, tenant, e.ID, outcome, msg); err != nil {
					return fmt.Errorf("could not ack element %s: %w", e.ID, err)
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	return handled, errors.Join(errs...)
}
