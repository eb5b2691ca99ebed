package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/model"
)

func newTestTask(ca model.ClusterAction, pa model.ProvisionerAction) model.ClusterTask {
	j := model.NewClusterJob("c1", 1, ca, time.Now())
	return model.NewClusterTask(j, 3, ca, pa, "c1-node-001", "")
}

func TestJobIDFromTaskID(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	task := newTestTask(model.ClusterActionCreate, model.ProvisionerActionCreate)
	assert.Equal("c1-001-003", task.ID)

	jobID, err := model.JobIDFromTaskID(task.ID)
	require.NoError(err)
	assert.Equal("c1-001", jobID)

	_, err = model.JobIDFromTaskID("nodash")
	assert.ErrorIs(err, model.ErrNotValid)
}

func TestClusterTaskLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	task := newTestTask(model.ClusterActionCreate, model.ProvisionerActionCreate)
	assert.Equal(model.TaskStatusNotSubmitted, task.Status())
	assert.Equal(1, task.NumAttempts())

	// Can't complete without starting.
	err := task.Complete(t0, 0, "")
	assert.ErrorIs(err, model.ErrInvalidTransition)

	// Retrying a not failed task is not allowed.
	assert.ErrorIs(task.Retry(), model.ErrInvalidTransition)

	require.NoError(task.Start(t0))
	require.NoError(task.Fail(t0.Add(time.Minute), 3, "boom", false))
	assert.Equal(model.TaskStatusFailed, task.Status())
	assert.Equal(3, task.CurrentAttempt().StatusCode)
	assert.Equal("boom", task.CurrentAttempt().Message)

	require.NoError(task.Retry())
	assert.Equal(2, task.NumAttempts())
	assert.Equal(model.TaskStatusNotSubmitted, task.Status())
	assert.Equal(2, task.CurrentAttempt().Seq)

	require.NoError(task.Start(t0.Add(2 * time.Minute)))
	require.NoError(task.Complete(t0.Add(3*time.Minute), 0, "ok"))
	assert.Equal(model.TaskStatusComplete, task.Status())
	assert.Equal(t0.Add(2*time.Minute), task.CurrentAttempt().SubmitTime)

	// Final attempts can't be dropped.
	assert.ErrorIs(task.Drop(t0), model.ErrInvalidTransition)
}

func TestClusterTaskDrop(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	task := newTestTask(model.ClusterActionDelete, model.ProvisionerActionDelete)
	require.NoError(task.Drop(time.Now()))
	assert.Equal(model.TaskStatusDropped, task.Status())
}

func TestClusterTaskFailedBeforeProvisioning(t *testing.T) {
	tests := map[string]struct {
		ca       model.ClusterAction
		pa       model.ProvisionerAction
		failures []struct {
			code     int
			resource bool
		}
		complete bool
		exp      bool
	}{
		"A create failed by the provisioner without resources should be true": {
			ca: model.ClusterActionCreate, pa: model.ProvisionerActionCreate,
			failures: []struct {
				code     int
				resource bool
			}{{code: 1}, {code: 2}},
			exp: true,
		},
		"A create with a timed out attempt should be false": {
			ca: model.ClusterActionCreate, pa: model.ProvisionerActionCreate,
			failures: []struct {
				code     int
				resource bool
			}{{code: 1}, {code: model.TaskCodeTimeout}},
		},
		"A create that reported a resource should be false": {
			ca: model.ClusterActionCreate, pa: model.ProvisionerActionCreate,
			failures: []struct {
				code     int
				resource bool
			}{{code: 1, resource: true}},
		},
		"A non create action should be false": {
			ca: model.ClusterActionCreate, pa: model.ProvisionerActionConfirm,
			failures: []struct {
				code     int
				resource bool
			}{{code: 1}},
		},
		"A create node action on another cluster action should be false": {
			ca: model.ClusterActionAddServices, pa: model.ProvisionerActionCreate,
			failures: []struct {
				code     int
				resource bool
			}{{code: 1}},
		},
		"A completed task should be false": {
			ca: model.ClusterActionCreate, pa: model.ProvisionerActionCreate,
			complete: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			now := time.Now()

			task := newTestTask(tc.ca, tc.pa)
			for i, f := range tc.failures {
				if i > 0 {
					require.NoError(task.Retry())
				}
				require.NoError(task.Start(now))
				require.NoError(task.Fail(now, f.code, "failed", f.resource))
			}
			if tc.complete {
				require.NoError(task.Start(now))
				require.NoError(task.Complete(now, 0, ""))
			}

			assert.Equal(t, tc.exp, task.FailedBeforeProvisioning())
		})
	}
}
