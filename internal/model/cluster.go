package model

import (
	"fmt"
	"time"
)

// ClusterStatus represents the status of a cluster.
type ClusterStatus string

const (
	// ClusterStatusPending indicates the cluster has a job being planned or executed.
	ClusterStatusPending ClusterStatus = "PENDING"
	// ClusterStatusActive indicates the last job on the cluster completed.
	ClusterStatusActive ClusterStatus = "ACTIVE"
	// ClusterStatusIncomplete indicates the cluster creation failed half way.
	ClusterStatusIncomplete ClusterStatus = "INCOMPLETE"
	// ClusterStatusTerminated indicates the cluster has been deleted.
	ClusterStatusTerminated ClusterStatus = "TERMINATED"
	// ClusterStatusInconsistent indicates an action failed and the cluster state is unknown.
	ClusterStatusInconsistent ClusterStatus = "INCONSISTENT"
)

// Cluster is a multi-node cluster owned by a tenant.
type Cluster struct {
	ID           string
	TenantID     string
	Name         string
	OwnerID      string
	Status       ClusterStatus
	LatestJobID  string
	LatestJobNum int
	// ExpireAt is the cluster lease expiration, zero means no expiration.
	ExpireAt  time.Time
	Services  []Service
	Config    map[string]any
	Provider  Provider
	NodeIDs   []string
	CreatedAt time.Time
}

// Service is a service that can be placed on cluster nodes.
type Service struct {
	Name      string
	DependsOn ServiceDependencies
	// Actions are the provisioner actions this service implements.
	Actions map[ProvisionerAction]ServiceAction
}

// ServiceDependencies are the services a service depends on.
type ServiceDependencies struct {
	Install []string
	Runtime []string
}

// ServiceAction is how a provisioner should execute a service action.
type ServiceAction struct {
	Type string
	Data map[string]string
}

// Provider is the infrastructure provider of the cluster nodes, sensitive fields
// are not stored here, they live in the credential store.
type Provider struct {
	Name   string
	Fields map[string]string
}

// Service returns the service with the name.
func (c Cluster) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// Expired returns true if the cluster lease has expired at t.
func (c Cluster) Expired(t time.Time) bool {
	return !c.ExpireAt.IsZero() && !c.ExpireAt.After(t)
}

// Validate validates the cluster.
func (c Cluster) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenant id is required: %w", ErrNotValid)
	}
	switch c.Status {
	case ClusterStatusPending, ClusterStatusActive, ClusterStatusIncomplete, ClusterStatusTerminated, ClusterStatusInconsistent:
	default:
		return fmt.Errorf("unknown status %q: %w", c.Status, ErrNotValid)
	}
	return nil
}

// ClusterSpec is the user definition of a cluster to create.
type ClusterSpec struct {
	Name     string
	Services []Service
	Config   map[string]any
	Provider Provider
	// Credentials are the sensitive provider fields.
	Credentials map[string]string
	// Layout are the services of every node.
	Layout [][]string
	Flavor string
	Image  string
	TTL    time.Duration
}

// ClusterReport is the status of a cluster and its latest job.
type ClusterReport struct {
	Cluster Cluster
	Job     *ClusterJob
	Nodes   []Node
	// CompletedTasks and TotalTasks are the progress of the latest job.
	CompletedTasks int
	TotalTasks     int
}
