package jobengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/clusterd/internal/model"
)

func taskWith(num int, action model.ProvisionerAction, attempts ...model.TaskAttempt) *model.ClusterTask {
	job := model.NewClusterJob("c1", 1, model.ClusterActionCreate, time.Time{})
	t := model.NewClusterTask(job, num, model.ClusterActionCreate, action, "n1", "")
	if len(attempts) > 0 {
		t.Attempts = attempts
	}
	return &t
}

func failed(code int, resource bool) model.TaskAttempt {
	return model.TaskAttempt{Status: model.TaskStatusFailed, StatusCode: code, ResourceCreated: resource, Message: "boom"}
}

func TestClassifyStage(t *testing.T) {
	tests := map[string]struct {
		tasks         []*model.ClusterTask
		maxRetries    int
		expComplete   int
		expInProgress int
		expToSubmit   []string
		expToRetry    []string
		expFailed     bool
	}{
		"An empty stage should be complete.": {},

		"Tasks should be classified by status.": {
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusComplete}),
				taskWith(2, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusInProgress}),
				taskWith(3, model.ProvisionerActionCreate),
				taskWith(4, model.ProvisionerActionCreate, failed(1, false)),
			},
			maxRetries:    1,
			expComplete:   1,
			expInProgress: 1,
			expToSubmit:   []string{"c1-001-003"},
			expToRetry:    []string{"c1-001-004"},
		},

		"Failed tasks with attempts over the max retries should fail the stage.": {
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false), failed(1, false), failed(1, false)),
			},
			maxRetries: 2,
			expFailed:  true,
		},

		"Failed tasks with attempts on the max retries should be retried.": {
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false), failed(1, false)),
			},
			maxRetries: 2,
			expToRetry: []string{"c1-001-001"},
		},

		"Without retries failed tasks should fail the stage.": {
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false)),
			},
			maxRetries: 0,
			expFailed:  true,
		},

		"Dropped tasks should fail the stage.": {
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusComplete}),
				taskWith(2, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusDropped}),
			},
			maxRetries:  3,
			expComplete: 1,
			expFailed:   true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			st := classifyStage(test.tasks, test.maxRetries)

			ids := func(ts []*model.ClusterTask) []string {
				var res []string
				for _, t := range ts {
					res = append(res, t.ID)
				}
				return res
			}
			assert.Equal(test.expComplete, st.complete)
			assert.Equal(test.expInProgress, st.inProgress)
			assert.Equal(test.expToSubmit, ids(st.toSubmit))
			assert.Equal(test.expToRetry, ids(st.toRetry))
			assert.Equal(test.expFailed, st.failed())
			assert.Equal(len(test.tasks) == test.expComplete, st.stageComplete(len(test.tasks)))
		})
	}
}

func TestCreateFailedCleanly(t *testing.T) {
	tests := map[string]struct {
		clusterAction model.ClusterAction
		tasks         []*model.ClusterTask
		exp           bool
	}{
		"Create failures before provisioning should be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false), failed(2, false)),
				taskWith(2, model.ProvisionerActionCreate),
				taskWith(3, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusDropped}),
			},
			exp: true,
		},

		"A complete task should not be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false)),
				taskWith(2, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusComplete}),
			},
			exp: false,
		},

		"A task in progress should not be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, model.TaskAttempt{Status: model.TaskStatusInProgress}),
			},
			exp: false,
		},

		"A failure with a created resource should not be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, true)),
			},
			exp: false,
		},

		"A timed out attempt should not be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false), failed(model.TaskCodeTimeout, false)),
			},
			exp: false,
		},

		"A failure of a non create action should not be clean.": {
			clusterAction: model.ClusterActionCreate,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionConfirm, failed(1, false)),
			},
			exp: false,
		},

		"Non creation jobs should never be clean.": {
			clusterAction: model.ClusterActionDelete,
			tasks: []*model.ClusterTask{
				taskWith(1, model.ProvisionerActionCreate, failed(1, false)),
			},
			exp: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			job := model.NewClusterJob("c1", 1, test.clusterAction, time.Time{})
			var tasks []model.ClusterTask
			for _, t := range test.tasks {
				tasks = append(tasks, *t)
			}

			assert.Equal(t, test.exp, createFailedCleanly(job, tasks))
		})
	}
}
