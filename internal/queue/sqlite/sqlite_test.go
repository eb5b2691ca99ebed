package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	queuesqlite "github.com/slok/clusterd/internal/queue/sqlite"
	storagesqlite "github.com/slok/clusterd/internal/storage/sqlite"
)

func newQueues(t *testing.T, claimTimeout time.Duration, clock *time.Time) (*queuesqlite.Queue, *queuesqlite.Queue) {
	t.Helper()

	repo, err := storagesqlite.NewRepository(context.Background(), storagesqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	newQ := func(name string) *queuesqlite.Queue {
		q, err := queuesqlite.NewQueue(queuesqlite.QueueConfig{
			DB:           repo.DB(),
			Name:         name,
			ClaimTimeout: claimTimeout,
			TimeNow:      func() time.Time { return *clock },
		})
		require.NoError(t, err)
		return q
	}

	return newQ("q1"), newQ("q2")
}

func TestQueue(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	el := func(id string) queue.Element { return queue.Element{ID: id, Payload: []byte(id)} }

	tests := map[string]struct {
		claimTimeout time.Duration
		actions      func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time)
	}{
		"Elements should be taken in FIFO order and isolated per queue and tenant.": {
			actions: func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time) {
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				require.NoError(t, q.Add(ctx, "t2", el("x")))
				require.NoError(t, q.Add(ctx, "t1", el("b")))
				require.NoError(t, other.Add(ctx, "t1", el("a")))

				for _, exp := range []string{"a", "b"} {
					e, ok, err := q.Take(ctx, "t1", "c1")
					require.NoError(t, err)
					require.True(t, ok)
					assert.Equal(t, el(exp), e)
				}
				_, ok, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)
				assert.False(t, ok)

				tenants, err := q.Tenants(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"t1", "t2"}, tenants)

				e, ok, err := other.Take(ctx, "t1", "c1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "a", e.ID)
			},
		},

		"Adding an existing element should be a no-op.": {
			actions: func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time) {
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				_, _, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)
				require.NoError(t, q.Add(ctx, "t1", queue.Element{ID: "a", Payload: []byte("other")}))

				_, ok, err := q.Take(ctx, "t1", "c2")
				require.NoError(t, err)
				assert.False(t, ok)
			},
		},

		"Only the claimant should be able to ack an element.": {
			actions: func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time) {
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				assert.ErrorIs(t, q.Ack(ctx, "c1", "t1", "a", queue.OutcomeSuccess, ""), model.ErrNotOwner)

				_, _, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)
				assert.ErrorIs(t, q.Ack(ctx, "c2", "t1", "a", queue.OutcomeSuccess, ""), model.ErrNotOwner)
				require.NoError(t, q.Ack(ctx, "c1", "t1", "a", queue.OutcomeSuccess, ""))
				assert.ErrorIs(t, q.Ack(ctx, "c1", "t1", "a", queue.OutcomeSuccess, ""), model.ErrNotFound)

				// Acked elements can be added again.
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				_, ok, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)
				assert.True(t, ok)
			},
		},

		"Without claim timeout claimed elements should never be redelivered.": {
			actions: func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time) {
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				_, _, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)

				*clock = clock.Add(24 * time.Hour)
				_, ok, err := q.Take(ctx, "t1", "c2")
				require.NoError(t, err)
				assert.False(t, ok)

				claimed, err := q.ListClaimedUnacked(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, []queue.ClaimedElement{{Element: el("a"), TenantID: "t1", ConsumerID: "c1", ClaimedAt: t0}}, claimed)
			},
		},

		"With claim timeout expired claims should be redelivered.": {
			claimTimeout: time.Minute,
			actions: func(ctx context.Context, t *testing.T, q, other *queuesqlite.Queue, clock *time.Time) {
				require.NoError(t, q.Add(ctx, "t1", el("a")))
				_, _, err := q.Take(ctx, "t1", "c1")
				require.NoError(t, err)

				*clock = clock.Add(30 * time.Second)
				_, ok, err := q.Take(ctx, "t1", "c2")
				require.NoError(t, err)
				assert.False(t, ok)

				*clock = clock.Add(30 * time.Second)
				e, ok, err := q.Take(ctx, "t1", "c2")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "a", e.ID)
				assert.ErrorIs(t, q.Ack(ctx, "c1", "t1", "a", queue.OutcomeSuccess, ""), model.ErrNotOwner)
				assert.NoError(t, q.Ack(ctx, "c2", "t1", "a", queue.OutcomeSuccess, ""))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			clock := t0
			q, other := newQueues(t, test.claimTimeout, &clock)
			test.actions(context.Background(), t, q, other, &clock)
		})
	}
}
