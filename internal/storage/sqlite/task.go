package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slok/clusterd/internal/model"
)

// SaveTask creates or replaces a task.
func (r *Repository) SaveTask(ctx context.Context, t model.ClusterTask) error {
	if len(t.Attempts) == 0 {
		return fmt.Errorf("task %s without attempts: %w", t.ID, model.ErrNotValid)
	}

	attempts, err := marshalJSON(t.Attempts)
	if err != nil {
		return err
	}

	current := t.CurrentAttempt()
	query := `
		INSERT INTO tasks (
			id, job_id, cluster_id, task_num, cluster_action, action,
			node_id, service, status, submit_time, attempts
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			submit_time = excluded.submit_time,
			attempts = excluded.attempts
	`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.JobID, t.ClusterID, t.TaskNum, t.ClusterAction, t.Action,
		t.NodeID, t.Service, current.Status, nullableNano(current.SubmitTime), attempts,
	)
	if err != nil {
		return fmt.Errorf("could not save task: %w", err)
	}

	r.logger.Debugf("Saved task in repository: %s", t.ID)
	return nil
}

const taskColumns = `id, job_id, cluster_id, task_num, cluster_action, action, node_id, service, attempts`

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.ClusterTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// ListInProgressTasks returns the tasks in progress submitted before t.
func (r *Repository) ListInProgressTasks(ctx context.Context, t time.Time) ([]model.ClusterTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND submit_time IS NOT NULL AND submit_time < ?
		ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, model.TaskStatusInProgress, t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.ClusterTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

func scanTask(s scanner) (model.ClusterTask, error) {
	var t model.ClusterTask
	var attempts string
	err := s.Scan(&t.ID, &t.JobID, &t.ClusterID, &t.TaskNum, &t.ClusterAction, &t.Action, &t.NodeID, &t.Service, &attempts)
	if err != nil {
		return model.ClusterTask{}, err
	}

	if err := json.Unmarshal([]byte(attempts), &t.Attempts); err != nil {
		return model.ClusterTask{}, fmt.Errorf("could not decode task attempts: %w", err)
	}

	return t, nil
}
