package storage

import (
	"context"
	"time"

	"github.com/slok/clusterd/internal/model"
)

// ClusterRepository is the interface for cluster persistence.
type ClusterRepository interface {
	CreateCluster(ctx context.Context, c model.Cluster) error
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
	UpdateCluster(ctx context.Context, c model.Cluster) error
	// ListClusters returns the clusters of a tenant, oldest first.
	ListClusters(ctx context.Context, tenantID string) ([]model.Cluster, error)
	// ListExpiredClusters returns the clusters in any of the statuses whose lease expired before t.
	ListExpiredClusters(ctx context.Context, t time.Time, statuses ...model.ClusterStatus) ([]model.Cluster, error)
}

// JobRepository is the interface for cluster job persistence.
type JobRepository interface {
	CreateJob(ctx context.Context, j model.ClusterJob) error
	GetJob(ctx context.Context, id string) (*model.ClusterJob, error)
	UpdateJob(ctx context.Context, j model.ClusterJob) error
}

// TaskRepository is the interface for cluster task persistence.
type TaskRepository interface {
	// SaveTask creates or replaces a task.
	SaveTask(ctx context.Context, t model.ClusterTask) error
	GetTask(ctx context.Context, id string) (*model.ClusterTask, error)
	// ListInProgressTasks returns the tasks in progress submitted before t.
	ListInProgressTasks(ctx context.Context, t time.Time) ([]model.ClusterTask, error)
}

// NodeRepository is the interface for node persistence.
type NodeRepository interface {
	CreateNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	UpdateNode(ctx context.Context, n model.Node) error
	ListClusterNodes(ctx context.Context, clusterID string) ([]model.Node, error)
}

// Repository is the interface for all the persistence the engine needs.
type Repository interface {
	ClusterRepository
	JobRepository
	TaskRepository
	NodeRepository
}

// CredentialStore stores the sensitive provider fields of the clusters.
type CredentialStore interface {
	GetCredentials(ctx context.Context, tenantID, clusterID string) (map[string]string, error)
	SetCredentials(ctx context.Context, tenantID, clusterID string, fields map[string]string) error
	WipeCredentials(ctx context.Context, tenantID, clusterID string) error
}
