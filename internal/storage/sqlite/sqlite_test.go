package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/storage/sqlite"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func clusterFixture(id string) model.Cluster {
	return model.Cluster{
		ID:        id,
		TenantID:  "tenant1",
		Name:      "test",
		OwnerID:   "owner1",
		Status:    model.ClusterStatusPending,
		CreatedAt: t0,
		Services: []model.Service{{
			Name:      "db",
			DependsOn: model.ServiceDependencies{Install: []string{"base"}},
			Actions: map[model.ProvisionerAction]model.ServiceAction{
				model.ProvisionerActionInstall: {Type: "docker", Data: map[string]string{"image": "postgres"}},
			},
		}},
		Config:   map[string]any{"db": map[string]any{"host": "%host.service.db%"}},
		Provider: model.Provider{Name: "docker", Fields: map[string]string{"network": "bridge"}},
		NodeIDs:  []string{"n1"},
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositoryClusterCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	c := clusterFixture("c1")
	require.NoError(t, repo.CreateCluster(ctx, c))

	got, err := repo.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, *got)

	c.Status = model.ClusterStatusActive
	c.LatestJobID = "c1-001"
	c.LatestJobNum = 1
	c.ExpireAt = t0.Add(time.Hour)
	require.NoError(t, repo.UpdateCluster(ctx, c))

	got, err = repo.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, *got)

	err = repo.CreateCluster(ctx, c)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = repo.GetCluster(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = repo.UpdateCluster(ctx, clusterFixture("missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryListExpiredClusters(t *testing.T) {
	tests := map[string]struct {
		clusters []model.Cluster
		at       time.Time
		statuses []model.ClusterStatus
		expIDs   []string
	}{
		"No statuses should return nothing.": {
			clusters: []model.Cluster{func() model.Cluster {
				c := clusterFixture("c1")
				c.ExpireAt = t0.Add(-time.Hour)
				return c
			}()},
			at:     t0,
			expIDs: []string{},
		},

		"Expired clusters in the statuses should be returned by expiration order.": {
			clusters: func() []model.Cluster {
				c1 := clusterFixture("c1")
				c1.Status = model.ClusterStatusActive
				c1.ExpireAt = t0.Add(-time.Minute)
				c2 := clusterFixture("c2")
				c2.Status = model.ClusterStatusIncomplete
				c2.ExpireAt = t0.Add(-time.Hour)
				c3 := clusterFixture("c3")
				c3.Status = model.ClusterStatusActive
				c3.ExpireAt = t0.Add(time.Minute)
				c4 := clusterFixture("c4")
				c4.Status = model.ClusterStatusPending
				c4.ExpireAt = t0.Add(-time.Hour)
				c5 := clusterFixture("c5")
				c5.Status = model.ClusterStatusActive
				return []model.Cluster{c1, c2, c3, c4, c5}
			}(),
			at:       t0,
			statuses: []model.ClusterStatus{model.ClusterStatusActive, model.ClusterStatusIncomplete},
			expIDs:   []string{"c2", "c1"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			for _, c := range test.clusters {
				require.NoError(t, repo.CreateCluster(ctx, c))
			}

			got, err := repo.ListExpiredClusters(ctx, test.at, test.statuses...)
			require.NoError(t, err)

			ids := []string{}
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, test.expIDs, ids)
		})
	}
}

func TestRepositoryListClusters(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	c1 := clusterFixture("c1")
	c1.CreatedAt = t0.Add(time.Hour)
	c2 := clusterFixture("c2")
	c3 := clusterFixture("c3")
	c3.TenantID = "tenant2"
	for _, c := range []model.Cluster{c1, c2, c3} {
		require.NoError(repo.CreateCluster(ctx, c))
	}

	got, err := repo.ListClusters(ctx, "tenant1")
	require.NoError(err)
	assert.Equal([]model.Cluster{c2, c1}, got)

	got, err = repo.ListClusters(ctx, "tenant3")
	require.NoError(err)
	assert.Empty(got)
}

func TestRepositoryJobCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	j := model.NewClusterJob("c1", 1, model.ClusterActionCreate, t0)
	require.NoError(t, repo.CreateJob(ctx, j))

	got, err := repo.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, *got)

	j.Stages = [][]string{{"c1-001-001", "c1-001-002"}, {"c1-001-003"}}
	j.CurrentStage = 1
	j.NextTaskNum = 4
	j.PlannedServices = []string{"db"}
	j.SetTaskStatus("c1-001-001", model.TaskStatusComplete)
	require.NoError(t, j.Run())
	j.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, repo.UpdateJob(ctx, j))

	got, err = repo.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, *got)

	assert.ErrorIs(t, repo.CreateJob(ctx, j), model.ErrAlreadyExists)
	_, err = repo.GetJob(ctx, "c1-999")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateJob(ctx, model.NewClusterJob("c2", 1, model.ClusterActionCreate, t0)), model.ErrNotFound)
}

func TestRepositoryTasks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	job := model.NewClusterJob("c1", 1, model.ClusterActionCreate, t0)

	old := model.NewClusterTask(job, 1, model.ClusterActionCreate, model.ProvisionerActionCreate, "n1", "")
	require.NoError(t, old.Start(t0.Add(-time.Hour)))
	recent := model.NewClusterTask(job, 2, model.ClusterActionCreate, model.ProvisionerActionInstall, "n1", "db")
	require.NoError(t, recent.Start(t0.Add(time.Hour)))
	pending := model.NewClusterTask(job, 3, model.ClusterActionCreate, model.ProvisionerActionStart, "n1", "db")
	done := model.NewClusterTask(job, 4, model.ClusterActionCreate, model.ProvisionerActionConfirm, "n1", "")
	require.NoError(t, done.Start(t0.Add(-time.Hour)))
	require.NoError(t, done.Fail(t0, 3, "boom", false))
	require.NoError(t, done.Retry())

	for _, task := range []model.ClusterTask{old, recent, pending, done} {
		require.NoError(t, repo.SaveTask(ctx, task))
	}

	got, err := repo.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, done, *got)
	assert.Equal(t, 2, got.NumAttempts())

	inProgress, err := repo.ListInProgressTasks(ctx, t0)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, old.ID, inProgress[0].ID)

	// Completing the task should take it out of the in progress range.
	require.NoError(t, old.Complete(t0, 0, ""))
	require.NoError(t, repo.SaveTask(ctx, old))
	inProgress, err = repo.ListInProgressTasks(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, inProgress)

	_, err = repo.GetTask(ctx, "missing-001")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, repo.SaveTask(ctx, model.ClusterTask{ID: "x-001"}), model.ErrNotValid)
}

func TestRepositoryNodes(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	n1 := model.Node{
		ID:        "n1",
		ClusterID: "c1",
		Num:       1,
		Services:  []string{"db"},
		Properties: model.NodeProperties{
			Hostname:    "node1",
			IPAddresses: map[string]string{"access_v4": "10.0.0.1"},
			Results:     map[string]any{"id": "abc"},
		},
	}
	n1.AddAction(model.NodeAction{TaskID: "c1-001-001", Action: model.ProvisionerActionCreate, Status: model.TaskStatusInProgress, SubmitTime: t0})
	n2 := model.Node{ID: "n2", ClusterID: "c1", Num: 2}
	n0 := model.Node{ID: "n0", ClusterID: "c1", Num: 0}
	other := model.Node{ID: "n3", ClusterID: "c2", Num: 1}
	for _, n := range []model.Node{n2, n1, n0, other} {
		require.NoError(t, repo.CreateNode(ctx, n))
	}
	assert.ErrorIs(t, repo.CreateNode(ctx, n1), model.ErrAlreadyExists)

	got, err := repo.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, n1, *got)

	got.FinishAction("c1-001-001", model.TaskStatusComplete, t0.Add(time.Minute))
	require.NoError(t, repo.UpdateNode(ctx, *got))

	nodes, err := repo.ListClusterNodes(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"n0", "n1", "n2"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	assert.Equal(t, model.TaskStatusComplete, nodes[1].Actions[0].Status)

	_, err = repo.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateNode(ctx, model.Node{ID: "missing"}), model.ErrNotFound)
}

func TestRepositoryCredentials(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	got, err := repo.GetCredentials(ctx, "tenant1", "c1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, repo.SetCredentials(ctx, "tenant1", "c1", map[string]string{"token": "a"}))
	require.NoError(t, repo.SetCredentials(ctx, "tenant1", "c1", map[string]string{"token": "b"}))
	require.NoError(t, repo.SetCredentials(ctx, "tenant2", "c1", map[string]string{"token": "c"}))

	got, err = repo.GetCredentials(ctx, "tenant1", "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "b"}, got)

	require.NoError(t, repo.WipeCredentials(ctx, "tenant1", "c1"))
	got, err = repo.GetCredentials(ctx, "tenant1", "c1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.GetCredentials(ctx, "tenant2", "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "c"}, got)
}
