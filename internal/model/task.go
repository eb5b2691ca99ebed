package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the state of a task attempt.
type TaskStatus string

const (
	TaskStatusNotSubmitted TaskStatus = "NOT_SUBMITTED"
	TaskStatusInProgress   TaskStatus = "IN_PROGRESS"
	TaskStatusComplete     TaskStatus = "COMPLETE"
	TaskStatusFailed       TaskStatus = "FAILED"
	TaskStatusDropped      TaskStatus = "DROPPED"
)

const (
	// TaskCodeTimeout is the result code of tasks failed by a claim timeout.
	TaskCodeTimeout = -1
	// TaskCodeExpansionFailed is the result code of tasks failed because the
	// cluster configuration could not be expanded.
	TaskCodeExpansionFailed = -2
)

// TaskAttempt is a single execution attempt of a task.
type TaskAttempt struct {
	Seq        int
	SubmitTime time.Time
	Status     TaskStatus
	StatusCode int
	Message    string
	StatusTime time.Time
	// ResourceCreated is set when the provisioner reported the resource it created.
	ResourceCreated bool
}

// ClusterTask is a provisioner action on a cluster node.
type ClusterTask struct {
	ID            string
	JobID         string
	ClusterID     string
	TaskNum       int
	ClusterAction ClusterAction
	Action        ProvisionerAction
	NodeID        string
	Service       string
	Attempts      []TaskAttempt
}

// NewClusterTask returns a task with its first attempt not submitted.
func NewClusterTask(job ClusterJob, taskNum int, ca ClusterAction, action ProvisionerAction, nodeID, service string) ClusterTask {
	return ClusterTask{
		ID:            TaskID(job.ID, taskNum),
		JobID:         job.ID,
		ClusterID:     job.ClusterID,
		TaskNum:       taskNum,
		ClusterAction: ca,
		Action:        action,
		NodeID:        nodeID,
		Service:       service,
		Attempts:      []TaskAttempt{{Seq: 1, Status: TaskStatusNotSubmitted}},
	}
}

// TaskID returns the ID of a task from its job ID and number.
func TaskID(jobID string, taskNum int) string {
	return fmt.Sprintf("%s-%03d", jobID, taskNum)
}

// JobIDFromTaskID returns the job ID embedded on a task ID.
func JobIDFromTaskID(taskID string) (string, error) {
	i := strings.LastIndex(taskID, "-")
	if i <= 0 {
		return "", fmt.Errorf("task id %q: %w", taskID, ErrNotValid)
	}
	if _, err := strconv.Atoi(taskID[i+1:]); err != nil {
		return "", fmt.Errorf("task id %q: %w", taskID, ErrNotValid)
	}
	return taskID[:i], nil
}

// Status returns the status of the latest attempt.
func (t ClusterTask) Status() TaskStatus {
	return t.CurrentAttempt().Status
}

// CurrentAttempt returns the latest attempt.
func (t ClusterTask) CurrentAttempt() TaskAttempt {
	if len(t.Attempts) == 0 {
		return TaskAttempt{Status: TaskStatusNotSubmitted}
	}
	return t.Attempts[len(t.Attempts)-1]
}

// NumAttempts returns the number of attempts the task had.
func (t ClusterTask) NumAttempts() int {
	return len(t.Attempts)
}

// Start sets the current attempt in progress.
func (t *ClusterTask) Start(now time.Time) error {
	a, err := t.transition(TaskStatusInProgress, TaskStatusNotSubmitted)
	if err != nil {
		return err
	}
	a.SubmitTime = now
	a.StatusTime = now
	return nil
}

// Complete sets the current attempt as completed.
func (t *ClusterTask) Complete(now time.Time, code int, msg string) error {
	a, err := t.transition(TaskStatusComplete, TaskStatusInProgress)
	if err != nil {
		return err
	}
	a.StatusCode = code
	a.Message = msg
	a.StatusTime = now
	return nil
}

// Fail sets the current attempt as failed. Tasks that were never submitted can
// fail too (e.g. the configuration could not be prepared).
func (t *ClusterTask) Fail(now time.Time, code int, msg string, resourceCreated bool) error {
	a, err := t.transition(TaskStatusFailed, TaskStatusInProgress, TaskStatusNotSubmitted)
	if err != nil {
		return err
	}
	a.StatusCode = code
	a.Message = msg
	a.StatusTime = now
	a.ResourceCreated = resourceCreated
	return nil
}

// Drop sets the current attempt as dropped.
func (t *ClusterTask) Drop(now time.Time) error {
	a, err := t.transition(TaskStatusDropped, TaskStatusInProgress, TaskStatusNotSubmitted)
	if err != nil {
		return err
	}
	a.StatusTime = now
	return nil
}

// Retry adds a new not submitted attempt to a failed task.
func (t *ClusterTask) Retry() error {
	if t.Status() != TaskStatusFailed {
		return fmt.Errorf("task %s can't be retried from %s: %w", t.ID, t.Status(), ErrInvalidTransition)
	}
	t.Attempts = append(t.Attempts, TaskAttempt{Seq: len(t.Attempts) + 1, Status: TaskStatusNotSubmitted})
	return nil
}

// FailedBeforeProvisioning returns true if the task is a failed node creation where
// every attempt failed with a provisioner reported code and no resource was created.
func (t ClusterTask) FailedBeforeProvisioning() bool {
	if t.Status() != TaskStatusFailed || t.ClusterAction != ClusterActionCreate || t.Action != ProvisionerActionCreate {
		return false
	}
	for _, a := range t.Attempts {
		if a.Status != TaskStatusFailed || a.StatusCode < 0 || a.ResourceCreated {
			return false
		}
	}
	return true
}

func (t *ClusterTask) transition(to TaskStatus, from ...TaskStatus) (*TaskAttempt, error) {
	if len(t.Attempts) == 0 {
		return nil, fmt.Errorf("task %s has no attempts: %w", t.ID, ErrInvalidTransition)
	}
	a := &t.Attempts[len(t.Attempts)-1]
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			return a, nil
		}
	}
	return nil, fmt.Errorf("task %s can't go from %s to %s: %w", t.ID, a.Status, to, ErrInvalidTransition)
}
