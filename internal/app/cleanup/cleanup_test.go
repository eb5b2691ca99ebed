package cleanup_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/app/cleanup"
	"github.com/slok/clusterd/internal/app/clusterops"
	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination/local"
	"github.com/slok/clusterd/internal/model"
	queuememory "github.com/slok/clusterd/internal/queue/memory"
	"github.com/slok/clusterd/internal/storage/memory"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	now         time.Time
	svc         *cleanup.Service
	dispatch    *dispatch.Service
	repo        *memory.Repository
	jobQueue    *queuememory.Queue
	actionQueue *queuememory.Queue
}

func newTestEnv(t *testing.T, shardIndex, shardCount int) *testEnv {
	env := &testEnv{now: t0}
	timeNow := func() time.Time { return env.now }

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	creds := memory.NewCredentialStore()
	provQueue, err := queuememory.NewQueue(queuememory.QueueConfig{Name: "provisioner", TimeNow: timeNow})
	require.NoError(t, err)
	jobQueue, err := queuememory.NewQueue(queuememory.QueueConfig{Name: "job", TimeNow: timeNow})
	require.NoError(t, err)
	actionQueue, err := queuememory.NewQueue(queuememory.QueueConfig{Name: "cluster-action", TimeNow: timeNow})
	require.NoError(t, err)

	ts, err := taskstatus.NewService(taskstatus.ServiceConfig{Repository: repo, Credentials: creds, TimeNow: timeNow})
	require.NoError(t, err)
	lock := local.NewLock()
	ds, err := dispatch.NewService(dispatch.ServiceConfig{
		Repository:       repo,
		Credentials:      creds,
		ProvisionerQueue: provQueue,
		JobQueue:         jobQueue,
		TaskStatus:       ts,
		Lock:             lock,
		TimeNow:          timeNow,
	})
	require.NoError(t, err)
	ops, err := clusterops.NewService(clusterops.ServiceConfig{
		Repository:         repo,
		Credentials:        creds,
		Lock:               lock,
		ClusterActionQueue: actionQueue,
		JobQueue:           jobQueue,
		TaskStatus:         ts,
		TimeNow:            timeNow,
	})
	require.NoError(t, err)
	svc, err := cleanup.NewService(cleanup.ServiceConfig{
		Repository:       repo,
		ProvisionerQueue: provQueue,
		Dispatch:         ds,
		ClusterOps:       ops,
		TaskTimeout:      30 * time.Minute,
		ShardIndex:       shardIndex,
		ShardCount:       shardCount,
		TimeNow:          timeNow,
	})
	require.NoError(t, err)

	env.svc = svc
	env.dispatch = ds
	env.repo = repo
	env.jobQueue = jobQueue
	env.actionQueue = actionQueue
	return env
}

// seedCluster stores a cluster with its latest job.
func (e *testEnv) seedCluster(t *testing.T, id string, status model.ClusterStatus, expireAt time.Time, jobStatus model.JobStatus) {
	ctx := context.Background()
	job := model.NewClusterJob(id, 1, model.ClusterActionCreate, t0)
	job.Status = jobStatus
	require.NoError(t, e.repo.CreateJob(ctx, job))
	require.NoError(t, e.repo.CreateCluster(ctx, model.Cluster{
		ID:           id,
		TenantID:     "t1",
		Status:       status,
		ExpireAt:     expireAt,
		LatestJobID:  job.ID,
		LatestJobNum: 1,
	}))
}

// submitTask submits a task of the cluster job and takes it with a worker.
func (e *testEnv) submitTask(t *testing.T, clusterID string) model.ClusterTask {
	ctx := context.Background()
	job, err := e.repo.GetJob(ctx, model.JobID(clusterID, 1))
	require.NoError(t, err)
	task := model.NewClusterTask(*job, 1, model.ClusterActionCreate, model.ProvisionerActionCreate, "", "")
	require.NoError(t, e.repo.SaveTask(ctx, task))
	require.NoError(t, e.dispatch.Submit(ctx, "t1", &task, model.TaskPayload{TaskID: task.ID}))
	_, ok, err := e.dispatch.Take(ctx, dispatch.TakeOptions{TenantID: "t1", ProvisionerID: "p1", WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func (e *testEnv) enqueuedJobs(t *testing.T) int {
	n := 0
	for {
		_, ok, err := e.jobQueue.Take(context.Background(), "t1", "test")
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

func TestServiceReapTimedOutTasks(t *testing.T) {
	tests := map[string]struct {
		elapsed   time.Duration
		expReaped int
		expStatus model.TaskStatus
		expJobs   int
	}{
		"Tasks claimed before the timeout should not be reaped.": {
			elapsed:   29 * time.Minute,
			expReaped: 0,
			expStatus: model.TaskStatusInProgress,
		},

		"Tasks claimed after the timeout should be failed.": {
			elapsed:   31 * time.Minute,
			expReaped: 1,
			expStatus: model.TaskStatusFailed,
			expJobs:   1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			env := newTestEnv(t, 0, 1)
			env.seedCluster(t, "c1", model.ClusterStatusPending, time.Time{}, model.JobStatusRunning)
			task := env.submitTask(t, "c1")

			env.now = t0.Add(test.elapsed)
			reaped, err := env.svc.ReapTimedOutTasks(ctx)
			require.NoError(err)
			assert.Equal(test.expReaped, reaped)

			// A second run should never reap the same task again.
			reaped, err = env.svc.ReapTimedOutTasks(ctx)
			require.NoError(err)
			assert.Equal(0, reaped)

			got, err := env.repo.GetTask(ctx, task.ID)
			require.NoError(err)
			assert.Equal(test.expStatus, got.Status())
			if test.expStatus == model.TaskStatusFailed {
				assert.Equal(model.TaskCodeTimeout, got.CurrentAttempt().StatusCode)
			}
			assert.Equal(test.expJobs, env.enqueuedJobs(t))
		})
	}
}

func TestServiceReapSkipsTasksFinishedByWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 1)
	env.seedCluster(t, "c1", model.ClusterStatusPending, time.Time{}, model.JobStatusRunning)
	task := env.submitTask(t, "c1")

	env.now = t0.Add(time.Hour)
	require.NoError(t, env.dispatch.Finish(ctx, model.CompletionReport{TaskID: task.ID, TenantID: "t1", ProvisionerID: "p1", WorkerID: "w1"}))

	reaped, err := env.svc.ReapTimedOutTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	got, err := env.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusComplete, got.Status())
}

func TestServiceExpireClusters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 1)

	past := t0.Add(-time.Minute)
	env.seedCluster(t, "expired", model.ClusterStatusActive, past, model.JobStatusComplete)
	env.seedCluster(t, "incomplete", model.ClusterStatusIncomplete, past, model.JobStatusFailed)
	env.seedCluster(t, "alive", model.ClusterStatusActive, t0.Add(time.Hour), model.JobStatusComplete)
	env.seedCluster(t, "forever", model.ClusterStatusActive, time.Time{}, model.JobStatusComplete)
	env.seedCluster(t, "terminated", model.ClusterStatusTerminated, past, model.JobStatusComplete)
	env.seedCluster(t, "busy", model.ClusterStatusPending, past, model.JobStatusRunning)

	expired, err := env.svc.ExpireClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	var got []string
	for {
		e, ok, err := env.actionQueue.Take(ctx, "t1", "test")
		require.NoError(t, err)
		if !ok {
			break
		}
		var req model.ClusterActionRequest
		require.NoError(t, json.Unmarshal(e.Payload, &req))
		assert.Equal(t, model.ClusterActionDelete, req.Action)
		got = append(got, req.ClusterID)
	}
	assert.ElementsMatch(t, []string{"expired", "incomplete"}, got)

	// Clusters being deleted are not expired again.
	expired, err = env.svc.ExpireClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestServiceExpireClustersSharded(t *testing.T) {
	ctx := context.Background()
	const shards = 3

	total := 0
	for i := 0; i < shards; i++ {
		env := newTestEnv(t, i, shards)
		for j := 0; j < 10; j++ {
			env.seedCluster(t, fmt.Sprintf("c%d", j), model.ClusterStatusActive, t0.Add(-time.Minute), model.JobStatusComplete)
		}
		expired, err := env.svc.ExpireClusters(ctx)
		require.NoError(t, err)
		total += expired
	}

	// Every cluster is handled by exactly one shard.
	assert.Equal(t, 10, total)
}

func TestServiceReportLongRunning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 1)
	env.seedCluster(t, "c1", model.ClusterStatusPending, time.Time{}, model.JobStatusRunning)
	env.submitTask(t, "c1")

	n, err := env.svc.ReportLongRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.now = t0.Add(time.Hour)
	n, err = env.svc.ReportLongRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInShard(t *testing.T) {
	tests := map[string]struct {
		clusterID string
		count     int
	}{
		"A single shard should own everything.": {clusterID: "c1", count: 1},
		"Two shards.":                           {clusterID: "c1", count: 2},
		"Many shards.":                          {clusterID: "01hzy8q2w3", count: 7},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			owners := 0
			for i := 0; i < test.count; i++ {
				if cleanup.InShard(test.clusterID, i, test.count) {
					owners++
				}
			}
			assert.Equal(t, 1, owners)
		})
	}
}
