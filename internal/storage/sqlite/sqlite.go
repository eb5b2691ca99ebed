package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
	"github.com/slok/clusterd/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(migrations.MigratorConfig{DB: db, Logger: cfg.Logger})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	version, _, err := migrator.Version(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.WithValues(log.Kv{"schema": version}).Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// DB returns the underlying database, the SQLite queues share it.
func (r *Repository) DB() *sql.DB { return r.db }

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// clusterSpec is the JSON encoded part of a cluster row.
type clusterSpec struct {
	Services []model.Service `json:"services,omitempty"`
	Config   map[string]any  `json:"config,omitempty"`
	Provider model.Provider  `json:"provider"`
	NodeIDs  []string        `json:"nodeIds,omitempty"`
}

// CreateCluster creates a new cluster in the repository.
func (r *Repository) CreateCluster(ctx context.Context, c model.Cluster) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid cluster: %w", err)
	}

	spec, err := marshalJSON(clusterSpec{Services: c.Services, Config: c.Config, Provider: c.Provider, NodeIDs: c.NodeIDs})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO clusters (
			id, tenant_id, name, owner_id, status,
			latest_job_id, latest_job_num, expire_at,
			spec, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.Name, c.OwnerID, c.Status,
		c.LatestJobID, c.LatestJobNum, nullableNano(c.ExpireAt),
		spec, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("cluster %s: %w", c.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert cluster: %w", err)
	}

	r.logger.Debugf("Created cluster in repository: %s", c.ID)
	return nil
}

const clusterColumns = `id, tenant_id, name, owner_id, status, latest_job_id, latest_job_num, expire_at, spec, created_at`

// GetCluster retrieves a cluster by ID.
func (r *Repository) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cluster %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query cluster: %w", err)
	}

	return &c, nil
}

// UpdateCluster updates an existing cluster.
func (r *Repository) UpdateCluster(ctx context.Context, c model.Cluster) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid cluster: %w", err)
	}

	spec, err := marshalJSON(clusterSpec{Services: c.Services, Config: c.Config, Provider: c.Provider, NodeIDs: c.NodeIDs})
	if err != nil {
		return err
	}

	query := `
		UPDATE clusters
		SET
			tenant_id = ?,
			name = ?,
			owner_id = ?,
			status = ?,
			latest_job_id = ?,
			latest_job_num = ?,
			expire_at = ?,
			spec = ?,
			created_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		c.TenantID, c.Name, c.OwnerID, c.Status,
		c.LatestJobID, c.LatestJobNum, nullableNano(c.ExpireAt),
		spec, c.CreatedAt.UnixNano(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update cluster: %w", err)
	}
	if err := checkAffected(result, "cluster", c.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated cluster in repository: %s", c.ID)
	return nil
}

// ListExpiredClusters returns the clusters in any of the statuses whose lease expired before t.
func (r *Repository) ListExpiredClusters(ctx context.Context, t time.Time, statuses ...model.ClusterStatus) ([]model.Cluster, error) {
	if len(statuses) == 0 {
		return []model.Cluster{}, nil
	}

	args := []any{t.UnixNano()}
	for _, s := range statuses {
		args = append(args, s)
	}
	query := `SELECT ` + clusterColumns + ` FROM clusters
		WHERE expire_at IS NOT NULL AND expire_at <= ?
		AND status IN (` + placeholders(len(statuses)) + `)
		ORDER BY expire_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query clusters: %w", err)
	}
	defer rows.Close()

	clusters := []model.Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return clusters, nil
}

// ListClusters returns the clusters of a tenant, oldest first.
func (r *Repository) ListClusters(ctx context.Context, tenantID string) ([]model.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE tenant_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("could not query clusters: %w", err)
	}
	defer rows.Close()

	clusters := []model.Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return clusters, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCluster(s scanner) (model.Cluster, error) {
	var c model.Cluster
	var expireAt sql.NullInt64
	var createdAt int64
	var spec string

	err := s.Scan(&c.ID, &c.TenantID, &c.Name, &c.OwnerID, &c.Status,
		&c.LatestJobID, &c.LatestJobNum, &expireAt, &spec, &createdAt)
	if err != nil {
		return model.Cluster{}, err
	}

	var cs clusterSpec
	if err := json.Unmarshal([]byte(spec), &cs); err != nil {
		return model.Cluster{}, fmt.Errorf("could not decode cluster spec: %w", err)
	}
	c.Services = cs.Services
	c.Config = cs.Config
	c.Provider = cs.Provider
	c.NodeIDs = cs.NodeIDs
	c.ExpireAt = timeFromNullNano(expireAt)
	c.CreatedAt = timeFromNano(createdAt)

	return c, nil
}

// CreateJob creates a new job in the repository.
func (r *Repository) CreateJob(ctx context.Context, j model.ClusterJob) error {
	stages, taskStatus, planned, err := encodeJob(j)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, cluster_id, job_num, cluster_action, status, status_message,
			current_stage, next_task_num, stages, task_status, planned_services,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		j.ID, j.ClusterID, j.JobNum, j.ClusterAction, j.Status, j.StatusMessage,
		j.CurrentStage, j.NextTaskNum, stages, taskStatus, planned,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("job %s: %w", j.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert job: %w", err)
	}

	r.logger.Debugf("Created job in repository: %s", j.ID)
	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*model.ClusterJob, error) {
	query := `
		SELECT
			id, cluster_id, job_num, cluster_action, status, status_message,
			current_stage, next_task_num, stages, task_status, planned_services,
			created_at, updated_at
		FROM jobs
		WHERE id = ?
	`

	var j model.ClusterJob
	var stages, taskStatus, planned string
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.ClusterID, &j.JobNum, &j.ClusterAction, &j.Status, &j.StatusMessage,
		&j.CurrentStage, &j.NextTaskNum, &stages, &taskStatus, &planned,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query job: %w", err)
	}

	if err := json.Unmarshal([]byte(stages), &j.Stages); err != nil {
		return nil, fmt.Errorf("could not decode job stages: %w", err)
	}
	if err := json.Unmarshal([]byte(taskStatus), &j.TaskStatus); err != nil {
		return nil, fmt.Errorf("could not decode job task status: %w", err)
	}
	if err := json.Unmarshal([]byte(planned), &j.PlannedServices); err != nil {
		return nil, fmt.Errorf("could not decode job planned services: %w", err)
	}
	j.CreatedAt = timeFromNano(createdAt)
	j.UpdatedAt = timeFromNano(updatedAt)

	return &j, nil
}

// UpdateJob updates an existing job.
func (r *Repository) UpdateJob(ctx context.Context, j model.ClusterJob) error {
	stages, taskStatus, planned, err := encodeJob(j)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET
			cluster_id = ?,
			job_num = ?,
			cluster_action = ?,
			status = ?,
			status_message = ?,
			current_stage = ?,
			next_task_num = ?,
			stages = ?,
			task_status = ?,
			planned_services = ?,
			created_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		j.ClusterID, j.JobNum, j.ClusterAction, j.Status, j.StatusMessage,
		j.CurrentStage, j.NextTaskNum, stages, taskStatus, planned,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), j.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update job: %w", err)
	}
	if err := checkAffected(result, "job", j.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated job in repository: %s", j.ID)
	return nil
}

func encodeJob(j model.ClusterJob) (stages, taskStatus, planned string, err error) {
	if stages, err = marshalJSON(j.Stages); err != nil {
		return "", "", "", err
	}
	if taskStatus, err = marshalJSON(j.TaskStatus); err != nil {
		return "", "", "", err
	}
	if planned, err = marshalJSON(j.PlannedServices); err != nil {
		return "", "", "", err
	}
	return stages, taskStatus, planned, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not encode json: %w", err)
	}
	return string(data), nil
}

func checkAffected(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, model.ErrNotFound)
	}
	return nil
}

func isUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableNano(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func timeFromNullNano(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return timeFromNano(n.Int64)
}

func timeFromNano(n int64) time.Time { return time.Unix(0, n).UTC() }
