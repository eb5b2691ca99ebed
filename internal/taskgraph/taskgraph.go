package taskgraph

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/slok/clusterd/internal/model"
)

// TaskNode is an abstract task of the graph, Service is empty on node level actions.
type TaskNode struct {
	NodeID  string
	Service string
	Action  model.ProvisionerAction
}

// Builder builds the linearized stages of tasks of a job.
type Builder interface {
	Build(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]TaskNode, error)
}

// BuilderFunc is a helper to use functions as Builder.
type BuilderFunc func(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]TaskNode, error)

func (f BuilderFunc) Build(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]TaskNode, error) {
	return f(ctx, job, cluster, nodes, actions)
}

// DefaultBuilder builds the stages action by action. Node level actions get one
// stage with every node, service actions get one stage per service dependency level.
type DefaultBuilder struct{}

// NewDefaultBuilder returns a new default builder.
func NewDefaultBuilder() DefaultBuilder { return DefaultBuilder{} }

func (DefaultBuilder) Build(ctx context.Context, job model.ClusterJob, cluster model.Cluster, nodes []model.Node, actions []model.ProvisionerAction) ([][]TaskNode, error) {
	nodes = slices.Clone(nodes)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Num < nodes[j].Num })

	services := touchedServices(job, cluster, nodes)

	var stages [][]TaskNode
	for _, action := range actions {
		if action.NodeLevel() {
			stage := make([]TaskNode, 0, len(nodes))
			for _, n := range nodes {
				stage = append(stage, TaskNode{NodeID: n.ID, Action: action})
			}
			stages = append(stages, stage)
			continue
		}

		levels, err := serviceLevels(action, cluster, services)
		if err != nil {
			return nil, fmt.Errorf("could not order services for %s: %w", action, err)
		}
		for _, level := range levels {
			var stage []TaskNode
			for _, n := range nodes {
				for _, s := range level {
					if n.HasService(s) {
						stage = append(stage, TaskNode{NodeID: n.ID, Service: s, Action: action})
					}
				}
			}
			stages = append(stages, stage)
		}
	}

	return stages, nil
}

// touchedServices returns the services the job acts on, the planned ones or every
// service running on a node.
func touchedServices(job model.ClusterJob, cluster model.Cluster, nodes []model.Node) []string {
	set := map[string]bool{}
	if len(job.PlannedServices) > 0 {
		for _, s := range job.PlannedServices {
			set[s] = true
		}
	} else {
		for _, n := range nodes {
			for _, s := range n.Services {
				set[s] = true
			}
		}
	}

	var services []string
	for s := range set {
		if _, ok := cluster.Service(s); ok {
			services = append(services, s)
		}
	}
	sort.Strings(services)
	return services
}

// serviceLevels groups the services in dependency levels, a service is always in a
// later level than its dependencies.
func serviceLevels(action model.ProvisionerAction, cluster model.Cluster, services []string) ([][]string, error) {
	var depsOf func(model.Service) []string
	reverse := false
	switch action {
	case model.ProvisionerActionConfigure:
		if len(services) == 0 {
			return nil, nil
		}
		return [][]string{services}, nil
	case model.ProvisionerActionInstall:
		depsOf = func(s model.Service) []string { return s.DependsOn.Install }
	case model.ProvisionerActionRemove:
		depsOf = func(s model.Service) []string { return s.DependsOn.Install }
		reverse = true
	case model.ProvisionerActionInitialize, model.ProvisionerActionStart:
		depsOf = func(s model.Service) []string { return s.DependsOn.Runtime }
	case model.ProvisionerActionStop:
		depsOf = func(s model.Service) []string { return s.DependsOn.Runtime }
		reverse = true
	default:
		return nil, fmt.Errorf("unknown service action %q: %w", action, model.ErrNotValid)
	}

	touched := map[string]bool{}
	for _, s := range services {
		touched[s] = true
	}

	pending := map[string][]string{}
	for _, name := range services {
		svc, _ := cluster.Service(name)
		var deps []string
		for _, d := range depsOf(svc) {
			// Dependencies outside the touched services are already satisfied.
			if touched[d] && d != name {
				deps = append(deps, d)
			}
		}
		pending[name] = deps
	}

	var levels [][]string
	done := map[string]bool{}
	for len(done) < len(services) {
		var level []string
		for _, name := range services {
			if done[name] {
				continue
			}
			ready := true
			for _, d := range pending[name] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("service dependency cycle: %w", model.ErrNotValid)
		}
		for _, name := range level {
			done[name] = true
		}
		levels = append(levels, level)
	}

	if reverse {
		slices.Reverse(levels)
	}

	return levels, nil
}
