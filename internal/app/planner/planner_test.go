package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/app/planner"
	"github.com/slok/clusterd/internal/app/taskstatus"
	"github.com/slok/clusterd/internal/coordination/local"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/queue"
	queuememory "github.com/slok/clusterd/internal/queue/memory"
	"github.com/slok/clusterd/internal/storage/memory"
	"github.com/slok/clusterd/internal/taskgraph"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testCluster() model.Cluster {
	return model.Cluster{
		ID:           "c1",
		TenantID:     "t1",
		Status:       model.ClusterStatusPending,
		LatestJobID:  "c1-001",
		LatestJobNum: 1,
		Services: []model.Service{
			{Name: "web", Actions: map[model.ProvisionerAction]model.ServiceAction{
				model.ProvisionerActionStart: {Type: "shell"},
			}},
			{Name: "zk", Actions: map[model.ProvisionerAction]model.ServiceAction{
				model.ProvisionerActionInstall: {Type: "shell"},
				model.ProvisionerActionStart:   {Type: "shell"},
			}},
		},
	}
}

func TestServicePlan(t *testing.T) {
	tests := map[string]struct {
		clusterAction    model.ClusterAction
		jobStatus        model.JobStatus
		builder          taskgraph.BuilderFunc
		expErr           bool
		expJobStatus     model.JobStatus
		expClusterStatus model.ClusterStatus
		expStages        [][]string
		expJobEnqueued   bool
	}{
		"Planning a job should persist its tasks in stages.": {
			clusterAction: model.ClusterActionCreate,
			jobStatus:     model.JobStatusNotSubmitted,
			builder: func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]taskgraph.TaskNode, error) {
				return [][]taskgraph.TaskNode{
					{{NodeID: "n1", Action: model.ProvisionerActionCreate}, {NodeID: "n2", Action: model.ProvisionerActionCreate}},
					{{NodeID: "n1", Service: "web", Action: model.ProvisionerActionInstall}},
					{
						{NodeID: "n1", Service: "zk", Action: model.ProvisionerActionStart},
						{NodeID: "n1", Service: "web", Action: model.ProvisionerActionStart},
						{NodeID: "n2", Service: "zk", Action: model.ProvisionerActionStart},
					},
				}, nil
			},
			expJobStatus:     model.JobStatusRunning,
			expClusterStatus: model.ClusterStatusPending,
			expStages: [][]string{
				{"c1-001-001", "c1-001-002"},
				{"c1-001-003", "c1-001-005"},
				{"c1-001-004"},
			},
			expJobEnqueued: true,
		},

		"Planning a job without tasks should run it empty.": {
			clusterAction: model.ClusterActionConfigure,
			jobStatus:     model.JobStatusNotSubmitted,
			builder: func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]taskgraph.TaskNode, error) {
				return nil, nil
			},
			expJobStatus:     model.JobStatusRunning,
			expClusterStatus: model.ClusterStatusPending,
			expStages:        [][]string{},
			expJobEnqueued:   true,
		},

		"A planning error on a creation should terminate the cluster.": {
			clusterAction: model.ClusterActionCreate,
			jobStatus:     model.JobStatusNotSubmitted,
			builder: func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]taskgraph.TaskNode, error) {
				return nil, errors.New("something")
			},
			expErr:           true,
			expJobStatus:     model.JobStatusFailed,
			expClusterStatus: model.ClusterStatusTerminated,
		},

		"A planning error on other actions should set the cluster inconsistent.": {
			clusterAction: model.ClusterActionConfigure,
			jobStatus:     model.JobStatusNotSubmitted,
			builder: func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]taskgraph.TaskNode, error) {
				return nil, errors.New("something")
			},
			expErr:           true,
			expJobStatus:     model.JobStatusFailed,
			expClusterStatus: model.ClusterStatusInconsistent,
		},

		"An already planned job should be ignored.": {
			clusterAction: model.ClusterActionConfigure,
			jobStatus:     model.JobStatusRunning,
			builder: func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]taskgraph.TaskNode, error) {
				return nil, errors.New("should not be called")
			},
			expJobStatus:     model.JobStatusRunning,
			expClusterStatus: model.ClusterStatusPending,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			jobQueue, err := queuememory.NewQueue(queuememory.QueueConfig{Name: "job"})
			require.NoError(err)
			ts, err := taskstatus.NewService(taskstatus.ServiceConfig{
				Repository:  repo,
				Credentials: memory.NewCredentialStore(),
				TimeNow:     func() time.Time { return t0 },
			})
			require.NoError(err)
			svc, err := planner.NewService(planner.ServiceConfig{
				Repository: repo,
				Builder:    test.builder,
				Lock:       local.NewLock(),
				JobQueue:   jobQueue,
				TaskStatus: ts,
			})
			require.NoError(err)

			require.NoError(repo.CreateCluster(ctx, testCluster()))
			job := model.NewClusterJob("c1", 1, test.clusterAction, t0)
			job.Status = test.jobStatus
			require.NoError(repo.CreateJob(ctx, job))

			payload, err := json.Marshal(model.ClusterActionRequest{ClusterID: "c1", JobID: job.ID, Action: test.clusterAction})
			require.NoError(err)
			err = svc.HandleElement(ctx, "t1", queue.Element{ID: "e1", Payload: payload})
			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}

			gotJob, err := repo.GetJob(ctx, job.ID)
			require.NoError(err)
			assert.Equal(test.expJobStatus, gotJob.Status)
			if len(test.expStages) == 0 {
				assert.Empty(gotJob.Stages)
			} else {
				assert.Equal(test.expStages, gotJob.Stages)
				assert.Equal(0, gotJob.CurrentStage)
			}
			for _, id := range gotJob.TaskIDs() {
				task, err := repo.GetTask(ctx, id)
				require.NoError(err)
				assert.Equal(model.TaskStatusNotSubmitted, task.Status())
				assert.Equal(model.TaskStatusNotSubmitted, gotJob.TaskStatus[id])
			}

			gotCluster, err := repo.GetCluster(ctx, "c1")
			require.NoError(err)
			assert.Equal(test.expClusterStatus, gotCluster.Status)

			e, ok, err := jobQueue.Take(ctx, "t1", "test")
			require.NoError(err)
			assert.Equal(test.expJobEnqueued, ok)
			if ok {
				assert.Equal(job.ID, string(e.Payload))
			}
		})
	}
}

func TestServicePlanWithDefaultBuilder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	jobQueue, err := queuememory.NewQueue(queuememory.QueueConfig{Name: "job"})
	require.NoError(err)
	ts, err := taskstatus.NewService(taskstatus.ServiceConfig{Repository: repo, Credentials: memory.NewCredentialStore()})
	require.NoError(err)
	svc, err := planner.NewService(planner.ServiceConfig{
		Repository: repo,
		Lock:       local.NewLock(),
		JobQueue:   jobQueue,
		TaskStatus: ts,
	})
	require.NoError(err)

	require.NoError(repo.CreateCluster(ctx, testCluster()))
	require.NoError(repo.CreateNode(ctx, model.Node{ID: "n1", ClusterID: "c1", Num: 1, Services: []string{"web", "zk"}}))
	require.NoError(repo.CreateNode(ctx, model.Node{ID: "n2", ClusterID: "c1", Num: 2, Services: []string{"zk"}}))
	job := model.NewClusterJob("c1", 1, model.ClusterActionRestartServices, t0)
	require.NoError(repo.CreateJob(ctx, job))

	require.NoError(svc.Plan(ctx, "t1", model.ClusterActionRequest{ClusterID: "c1", JobID: job.ID}))

	gotJob, err := repo.GetJob(ctx, job.ID)
	require.NoError(err)
	require.Equal(model.JobStatusRunning, gotJob.Status)

	// STOP is not implemented by any service, START runs on every node one service at a time.
	var got [][]string
	for _, stage := range gotJob.Stages {
		var s []string
		for _, id := range stage {
			task, err := repo.GetTask(ctx, id)
			require.NoError(err)
			s = append(s, task.NodeID+"/"+task.Service+"/"+string(task.Action))
		}
		got = append(got, s)
	}
	exp := [][]string{
		{"n1/web/START", "n2/zk/START"},
		{"n1/zk/START"},
	}
	assert.Equal(exp, got)
}
