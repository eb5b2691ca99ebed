package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/model"
)

func TestClusterIDFromJobID(t *testing.T) {
	tests := map[string]struct {
		jobID        string
		expClusterID string
		expErr       bool
	}{
		"A job ID should return its cluster ID": {
			jobID:        "01hxyz-001",
			expClusterID: "01hxyz",
		},
		"A cluster ID with dashes should be kept": {
			jobID:        "my-cluster-012",
			expClusterID: "my-cluster",
		},
		"A missing job number should fail": {
			jobID:  "01hxyz",
			expErr: true,
		},
		"A non numeric job number should fail": {
			jobID:  "01hxyz-abc",
			expErr: true,
		},
		"A missing cluster ID should fail": {
			jobID:  "-001",
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := model.ClusterIDFromJobID(tc.jobID)

			if tc.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expClusterID, got)
		})
	}
}

func TestClusterJobTransitions(t *testing.T) {
	tests := map[string]struct {
		status    model.JobStatus
		op        func(j *model.ClusterJob) error
		expStatus model.JobStatus
		expErr    bool
	}{
		"A not submitted job should run":       {status: model.JobStatusNotSubmitted, op: (*model.ClusterJob).Run, expStatus: model.JobStatusRunning},
		"A running job should pause":           {status: model.JobStatusRunning, op: (*model.ClusterJob).Pause, expStatus: model.JobStatusPaused},
		"A paused job should resume":           {status: model.JobStatusPaused, op: (*model.ClusterJob).Resume, expStatus: model.JobStatusRunning},
		"A running job should complete":        {status: model.JobStatusRunning, op: (*model.ClusterJob).Complete, expStatus: model.JobStatusComplete},
		"A not submitted job should not pause": {status: model.JobStatusNotSubmitted, op: (*model.ClusterJob).Pause, expErr: true},
		"A paused job should not complete":     {status: model.JobStatusPaused, op: (*model.ClusterJob).Complete, expErr: true},
		"A completed job should not run again": {status: model.JobStatusComplete, op: (*model.ClusterJob).Run, expErr: true},
		"A failed job should not resume":       {status: model.JobStatusFailed, op: (*model.ClusterJob).Resume, expErr: true},
		"A paused job should fail":             {status: model.JobStatusPaused, op: func(j *model.ClusterJob) error { return j.Fail("") }, expStatus: model.JobStatusFailed},
		"A failed job should fail again":       {status: model.JobStatusFailed, op: func(j *model.ClusterJob) error { return j.Fail("") }, expStatus: model.JobStatusFailed},
		"A completed job should not be failed": {status: model.JobStatusComplete, op: func(j *model.ClusterJob) error { return j.Fail("") }, expErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			j := model.NewClusterJob("c1", 1, model.ClusterActionCreate, time.Now())
			j.Status = tc.status

			err := tc.op(&j)

			if tc.expErr {
				assert.ErrorIs(t, err, model.ErrInvalidTransition)
				assert.Equal(t, tc.status, j.Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expStatus, j.Status)
		})
	}
}

func TestClusterJobFailKeepsFirstMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	j := model.NewClusterJob("c1", 1, model.ClusterActionCreate, time.Now())
	require.NoError(j.Run())
	require.NoError(j.Fail("task c1-001-002 failed"))
	require.NoError(j.Fail(""))
	require.NoError(j.Fail("task c1-001-003 failed"))

	assert.Equal("task c1-001-002 failed", j.StatusMessage)
	assert.Equal(model.JobStatusFailed, j.Status)
	assert.False(j.Active())

	// A failed job without reason takes the next one.
	j2 := model.NewClusterJob("c1", 2, model.ClusterActionCreate, time.Now())
	require.NoError(j2.Fail(""))
	require.NoError(j2.Fail("cluster deleted"))
	assert.Equal("cluster deleted", j2.StatusMessage)
}

func TestClusterJobStages(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	j := model.NewClusterJob("c1", 2, model.ClusterActionCreate, time.Now())
	assert.Equal("c1-002", j.ID)
	assert.Equal(1, j.AllocateTaskNum())
	assert.Equal(2, j.AllocateTaskNum())
	assert.Nil(j.CurrentStageTasks())

	j.Stages = [][]string{{"t1", "t2"}, {"t3"}}
	assert.Equal([]string{"t1", "t2"}, j.CurrentStageTasks())
	assert.Equal([]string{"t1", "t2", "t3"}, j.TaskIDs())

	assert.True(j.AdvanceStage())
	assert.Equal([]string{"t3"}, j.CurrentStageTasks())
	assert.False(j.AdvanceStage())
	assert.Equal(1, j.CurrentStage)

	j.SetTaskStatus("t3", model.TaskStatusComplete)
	require.Contains(j.TaskStatus, "t3")
	assert.Equal(model.TaskStatusComplete, j.TaskStatus["t3"])
}

func TestClusterJobSpliceReplacements(t *testing.T) {
	tests := map[string]struct {
		stages       [][]string
		currentStage int
		taskID       string
		replacements []string
		expStages    [][]string
		expErr       error
	}{
		"A single replacement should replace the task in place": {
			stages:       [][]string{{"a", "b"}, {"c"}},
			taskID:       "b",
			replacements: []string{"r1"},
			expStages:    [][]string{{"a", "r1"}, {"c"}},
		},
		"Extra replacements should be inserted as stages after the current one": {
			stages:       [][]string{{"x"}, {"a", "b"}, {"c"}},
			currentStage: 1,
			taskID:       "a",
			replacements: []string{"r1", "r2", "r3"},
			expStages:    [][]string{{"x"}, {"r1", "b"}, {"r2"}, {"r3"}, {"c"}},
		},
		"A task outside the current stage should fail": {
			stages:       [][]string{{"a"}, {"c"}},
			taskID:       "c",
			replacements: []string{"r1"},
			expErr:       model.ErrNotFound,
		},
		"Missing replacements should fail": {
			stages: [][]string{{"a"}},
			taskID: "a",
			expErr: model.ErrNotValid,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			j := model.NewClusterJob("c1", 1, model.ClusterActionCreate, time.Now())
			j.Stages = tc.stages
			j.CurrentStage = tc.currentStage

			err := j.SpliceReplacements(tc.taskID, tc.replacements)

			if tc.expErr != nil {
				assert.ErrorIs(t, err, tc.expErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expStages, j.Stages)
		})
	}
}
