package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the status of a cluster job.
type JobStatus string

const (
	JobStatusNotSubmitted JobStatus = "NOT_SUBMITTED"
	JobStatusRunning      JobStatus = "RUNNING"
	JobStatusPaused       JobStatus = "PAUSED"
	JobStatusComplete     JobStatus = "COMPLETE"
	JobStatusFailed       JobStatus = "FAILED"
)

// ClusterJob is the execution of a cluster action, a sequence of stages of tasks.
type ClusterJob struct {
	ID            string
	ClusterID     string
	JobNum        int
	ClusterAction ClusterAction
	Status        JobStatus
	StatusMessage string
	// Stages are the task IDs grouped by stage, tasks on the same stage run concurrently.
	Stages       [][]string
	CurrentStage int
	// TaskStatus mirrors the status of the tasks of the job.
	TaskStatus      map[string]TaskStatus
	PlannedServices []string
	NextTaskNum     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewClusterJob returns a new not submitted job.
func NewClusterJob(clusterID string, jobNum int, ca ClusterAction, now time.Time) ClusterJob {
	return ClusterJob{
		ID:            JobID(clusterID, jobNum),
		ClusterID:     clusterID,
		JobNum:        jobNum,
		ClusterAction: ca,
		Status:        JobStatusNotSubmitted,
		TaskStatus:    map[string]TaskStatus{},
		NextTaskNum:   1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// JobID returns the ID of a job from its cluster ID and number.
func JobID(clusterID string, jobNum int) string {
	return fmt.Sprintf("%s-%03d", clusterID, jobNum)
}

// ClusterIDFromJobID returns the cluster ID embedded on a job ID.
func ClusterIDFromJobID(jobID string) (string, error) {
	i := strings.LastIndex(jobID, "-")
	if i <= 0 {
		return "", fmt.Errorf("job id %q: %w", jobID, ErrNotValid)
	}
	if _, err := strconv.Atoi(jobID[i+1:]); err != nil {
		return "", fmt.Errorf("job id %q: %w", jobID, ErrNotValid)
	}
	return jobID[:i], nil
}

// Active returns true if the job has not reached a final status.
func (j ClusterJob) Active() bool {
	switch j.Status {
	case JobStatusNotSubmitted, JobStatusRunning, JobStatusPaused:
		return true
	}
	return false
}

// AllocateTaskNum returns the next task number of the job.
func (j *ClusterJob) AllocateTaskNum() int {
	if j.NextTaskNum < 1 {
		j.NextTaskNum = 1
	}
	n := j.NextTaskNum
	j.NextTaskNum++
	return n
}

// CurrentStageTasks returns the task IDs of the current stage.
func (j ClusterJob) CurrentStageTasks() []string {
	if j.CurrentStage < 0 || j.CurrentStage >= len(j.Stages) {
		return nil
	}
	return j.Stages[j.CurrentStage]
}

// TaskIDs returns every task ID of the job in stage order.
func (j ClusterJob) TaskIDs() []string {
	var ids []string
	for _, s := range j.Stages {
		ids = append(ids, s...)
	}
	return ids
}

// AdvanceStage moves the job to the next stage, returns false if the current
// stage is the last one.
func (j *ClusterJob) AdvanceStage() bool {
	if j.CurrentStage+1 >= len(j.Stages) {
		return false
	}
	j.CurrentStage++
	return true
}

// SpliceReplacements replaces a task of the current stage with the first of the
// replacements and inserts the rest as new stages right after the current one.
func (j *ClusterJob) SpliceReplacements(taskID string, replacements []string) error {
	if len(replacements) == 0 {
		return fmt.Errorf("no replacements for task %s: %w", taskID, ErrNotValid)
	}
	stage := j.CurrentStageTasks()
	idx := slices.Index(stage, taskID)
	if idx < 0 {
		return fmt.Errorf("task %s is not in the current stage of job %s: %w", taskID, j.ID, ErrNotFound)
	}

	newStage := slices.Clone(stage)
	newStage[idx] = replacements[0]

	stages := make([][]string, 0, len(j.Stages)+len(replacements)-1)
	stages = append(stages, j.Stages[:j.CurrentStage]...)
	stages = append(stages, newStage)
	for _, r := range replacements[1:] {
		stages = append(stages, []string{r})
	}
	stages = append(stages, j.Stages[j.CurrentStage+1:]...)
	j.Stages = stages

	return nil
}

// SetTaskStatus updates the task status mirror.
func (j *ClusterJob) SetTaskStatus(taskID string, s TaskStatus) {
	if j.TaskStatus == nil {
		j.TaskStatus = map[string]TaskStatus{}
	}
	j.TaskStatus[taskID] = s
}

// Run sets the job as running.
func (j *ClusterJob) Run() error {
	return j.transition(JobStatusRunning, JobStatusNotSubmitted)
}

// Pause pauses a running job.
func (j *ClusterJob) Pause() error {
	return j.transition(JobStatusPaused, JobStatusRunning)
}

// Resume resumes a paused job.
func (j *ClusterJob) Resume() error {
	return j.transition(JobStatusRunning, JobStatusPaused)
}

// Complete sets the job as completed.
func (j *ClusterJob) Complete() error {
	return j.transition(JobStatusComplete, JobStatusRunning)
}

// Fail sets the job as failed, failing an already failed job only sets the
// message when it has none, the first failure reason is kept.
func (j *ClusterJob) Fail(msg string) error {
	failed := j.Status == JobStatusFailed
	if err := j.transition(JobStatusFailed, JobStatusNotSubmitted, JobStatusRunning, JobStatusPaused, JobStatusFailed); err != nil {
		return err
	}
	if msg != "" && (!failed || j.StatusMessage == "") {
		j.StatusMessage = msg
	}
	return nil
}

func (j *ClusterJob) transition(to JobStatus, from ...JobStatus) error {
	if !slices.Contains(from, j.Status) {
		return fmt.Errorf("job %s can't go from %s to %s: %w", j.ID, j.Status, to, ErrInvalidTransition)
	}
	j.Status = to
	return nil
}
