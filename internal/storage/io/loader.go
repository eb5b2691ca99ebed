package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/clusterd/internal/model"
)

// YAMLRepository loads the clusterd definitions from YAML files.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository creates a new YAML repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetActionTable loads an action table from a YAML file and returns a validated domain model.
func (r *YAMLRepository) GetActionTable(ctx context.Context, path string) (*model.ActionTable, error) {
	var cfg ActionTableConfig
	if err := r.load(ctx, path, &cfg); err != nil {
		return nil, err
	}

	return cfg.toModel()
}

// GetClusterSpec loads a cluster definition from a YAML file and returns a validated domain model.
func (r *YAMLRepository) GetClusterSpec(ctx context.Context, path string) (model.ClusterSpec, error) {
	var cfg ClusterConfig
	if err := r.load(ctx, path, &cfg); err != nil {
		return model.ClusterSpec{}, err
	}

	if err := cfg.validate(); err != nil {
		return model.ClusterSpec{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg.toModel()
}

func (r *YAMLRepository) load(ctx context.Context, path string, v any) error {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ActionTableConfig represents the YAML structure of an action table.
type ActionTableConfig struct {
	ClusterActions  map[string]ClusterActionConfig `yaml:"cluster_actions"`
	Rollbacks       map[string]RollbackConfig      `yaml:"rollbacks"`
	HardwareActions []string                       `yaml:"hardware_actions"`
}

// ClusterActionConfig represents the YAML structure of a cluster action.
type ClusterActionConfig struct {
	Actions       []string `yaml:"actions"`
	SuccessStatus string   `yaml:"success_status"`
	FailureStatus string   `yaml:"failure_status"`
}

// RollbackConfig represents the YAML structure of a rollback.
type RollbackConfig struct {
	Action string `yaml:"action"`
	Target string `yaml:"target"`
}

func (c ActionTableConfig) toModel() (*model.ActionTable, error) {
	if len(c.ClusterActions) == 0 {
		return nil, fmt.Errorf("invalid configuration: at least one cluster action is required")
	}

	cas := make(map[model.ClusterAction]model.ClusterActionSpec, len(c.ClusterActions))
	for name, ca := range c.ClusterActions {
		spec := model.ClusterActionSpec{
			SuccessStatus: model.ClusterStatus(ca.SuccessStatus),
			FailureStatus: model.ClusterStatus(ca.FailureStatus),
		}
		for _, a := range ca.Actions {
			spec.Actions = append(spec.Actions, model.ProvisionerAction(a))
		}
		cas[model.ClusterAction(name)] = spec
	}

	rbs := make(map[model.ProvisionerAction]model.Rollback, len(c.Rollbacks))
	for name, rb := range c.Rollbacks {
		rbs[model.ProvisionerAction(name)] = model.Rollback{
			Action: model.ProvisionerAction(rb.Action),
			Target: model.ProvisionerAction(rb.Target),
		}
	}

	var hw []model.ProvisionerAction
	for _, a := range c.HardwareActions {
		hw = append(hw, model.ProvisionerAction(a))
	}

	t, err := model.NewActionTable(cas, rbs, hw)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return t, nil
}

// ClusterConfig represents the YAML structure of a cluster definition.
type ClusterConfig struct {
	Name     string            `yaml:"name"`
	Provider ProviderConfig    `yaml:"provider"`
	Services []ServiceConfig   `yaml:"services"`
	Config   map[string]any    `yaml:"config"`
	Nodes    []NodeConfig      `yaml:"nodes"`
	Flavor   string            `yaml:"flavor"`
	Image    string            `yaml:"image"`
	TTL      string            `yaml:"ttl"`
	Secrets  map[string]string `yaml:"credentials"`
}

// ProviderConfig represents the YAML structure of a provider.
type ProviderConfig struct {
	Name   string            `yaml:"name"`
	Fields map[string]string `yaml:"fields"`
}

// ServiceConfig represents the YAML structure of a service.
type ServiceConfig struct {
	Name             string                         `yaml:"name"`
	InstallDependsOn []string                       `yaml:"install_depends_on"`
	RuntimeDependsOn []string                       `yaml:"runtime_depends_on"`
	Actions          map[string]ServiceActionConfig `yaml:"actions"`
}

// ServiceActionConfig represents the YAML structure of a service action.
type ServiceActionConfig struct {
	Type string            `yaml:"type"`
	Data map[string]string `yaml:"data"`
}

// NodeConfig represents the YAML structure of a node layout entry.
type NodeConfig struct {
	Services []string `yaml:"services"`
	// Count repeats the node, defaults to one.
	Count int `yaml:"count"`
}

func (c ClusterConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Provider.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	for i, n := range c.Nodes {
		if n.Count < 0 {
			return fmt.Errorf("node %d count can't be negative", i)
		}
	}
	return nil
}

func (c ClusterConfig) toModel() (model.ClusterSpec, error) {
	spec := model.ClusterSpec{
		Name:        c.Name,
		Config:      c.Config,
		Provider:    model.Provider{Name: c.Provider.Name, Fields: c.Provider.Fields},
		Credentials: c.Secrets,
		Flavor:      c.Flavor,
		Image:       c.Image,
	}

	if c.TTL != "" {
		ttl, err := time.ParseDuration(c.TTL)
		if err != nil {
			return model.ClusterSpec{}, fmt.Errorf("invalid ttl: %w", err)
		}
		spec.TTL = ttl
	}

	for _, s := range c.Services {
		svc := model.Service{
			Name: s.Name,
			DependsOn: model.ServiceDependencies{
				Install: s.InstallDependsOn,
				Runtime: s.RuntimeDependsOn,
			},
			Actions: map[model.ProvisionerAction]model.ServiceAction{},
		}
		for name, a := range s.Actions {
			svc.Actions[model.ProvisionerAction(name)] = model.ServiceAction{Type: a.Type, Data: a.Data}
		}
		spec.Services = append(spec.Services, svc)
	}

	for _, n := range c.Nodes {
		count := n.Count
		if count == 0 {
			count = 1
		}
		for range count {
			spec.Layout = append(spec.Layout, append([]string{}, n.Services...))
		}
	}

	return spec, nil
}
