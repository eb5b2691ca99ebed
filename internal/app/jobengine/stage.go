package jobengine

import (
	"fmt"

	"github.com/slok/clusterd/internal/model"
)

// stageState is the classification of the tasks of the current stage.
type stageState struct {
	complete   int
	inProgress int
	toSubmit   []*model.ClusterTask
	toRetry    []*model.ClusterTask
	// failMsg is set when the stage makes the job fail.
	failMsg string
}

func (s stageState) failed() bool { return s.failMsg != "" }

// classifyStage classifies the tasks of a stage, failed tasks are retried while
// they have had at most maxRetries attempts.
func classifyStage(tasks []*model.ClusterTask, maxRetries int) stageState {
	var st stageState
	for _, t := range tasks {
		switch t.Status() {
		case model.TaskStatusComplete:
			st.complete++
		case model.TaskStatusInProgress:
			st.inProgress++
		case model.TaskStatusNotSubmitted:
			st.toSubmit = append(st.toSubmit, t)
		case model.TaskStatusFailed:
			if t.NumAttempts() <= maxRetries {
				st.toRetry = append(st.toRetry, t)
				continue
			}
			if !st.failed() {
				st.failMsg = fmt.Sprintf("task %s (%s) failed after %d attempts: %s", t.ID, t.Action, t.NumAttempts(), t.CurrentAttempt().Message)
			}
		case model.TaskStatusDropped:
			if !st.failed() {
				st.failMsg = fmt.Sprintf("task %s (%s) dropped", t.ID, t.Action)
			}
		}
	}
	return st
}

// stageComplete returns true if every task of the stage is complete.
func (s stageState) stageComplete(total int) bool {
	return s.complete == total
}

// createFailedCleanly returns true if a cluster creation job failed before any
// resource was provisioned: no task is complete or in flight and every failed
// task is a creation that failed before provisioning. Dropped and not submitted
// tasks don't change the result.
func createFailedCleanly(job model.ClusterJob, tasks []model.ClusterTask) bool {
	if job.ClusterAction != model.ClusterActionCreate {
		return false
	}

	for _, t := range tasks {
		switch t.Status() {
		case model.TaskStatusComplete, model.TaskStatusInProgress:
			return false
		case model.TaskStatusFailed:
			if !t.FailedBeforeProvisioning() {
				return false
			}
		}
	}

	return true
}
