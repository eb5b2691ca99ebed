package expand

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/slok/clusterd/internal/model"
)

// macroRe matches macros like `%host.service.db%`, names always have a dot.
var macroRe = regexp.MustCompile(`%([a-zA-Z]+(?:\.[a-zA-Z0-9_\-]+)+)%`)

// Topology is the cluster state the macros are resolved against.
type Topology struct {
	Cluster model.Cluster
	// Nodes are every node of the cluster.
	Nodes []model.Node
	// Self is the node the configuration is expanded for.
	Self model.Node
}

// Config returns a copy of the configuration with the macros of every string
// value expanded, nested objects and arrays included.
func Config(cfg map[string]any, topo Topology) (map[string]any, error) {
	if cfg == nil {
		return nil, nil
	}

	nodes := make([]model.Node, len(topo.Nodes))
	copy(nodes, topo.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Num < nodes[j].Num })
	topo.Nodes = nodes

	res, err := expandValue(cfg, topo, "")
	if err != nil {
		return nil, err
	}
	return res.(map[string]any), nil
}

// String expands the macros of a single string.
func String(s string, topo Topology) (string, error) {
	var resErr error
	res := macroRe.ReplaceAllStringFunc(s, func(m string) string {
		if resErr != nil {
			return m
		}
		v, err := resolve(strings.Trim(m, "%"), topo)
		if err != nil {
			resErr = err
			return m
		}
		return v
	})
	if resErr != nil {
		return "", resErr
	}
	return res, nil
}

func expandValue(v any, topo Topology, path string) (any, error) {
	switch tv := v.(type) {
	case string:
		s, err := String(tv, topo)
		if err != nil {
			return nil, fmt.Errorf("could not expand %q: %w", path, err)
		}
		return s, nil
	case map[string]any:
		res := make(map[string]any, len(tv))
		for k, e := range tv {
			ev, err := expandValue(e, topo, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			res[k] = ev
		}
		return res, nil
	case []any:
		res := make([]any, len(tv))
		for i, e := range tv {
			ev, err := expandValue(e, topo, joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			res[i] = ev
		}
		return res, nil
	default:
		return v, nil
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func resolve(name string, topo Topology) (string, error) {
	parts := strings.Split(name, ".")

	switch {
	case name == "cluster.id":
		return topo.Cluster.ID, nil
	case name == "cluster.name":
		return topo.Cluster.Name, nil
	case name == "cluster.owner":
		return topo.Cluster.OwnerID, nil
	case name == "host.self":
		return nodeHost(topo.Self)
	case name == "ip.self":
		return nodeIP(topo.Self)
	case len(parts) == 3 && parts[1] == "service":
		nodes, err := serviceNodes(topo, parts[2])
		if err != nil {
			return "", err
		}
		switch parts[0] {
		case "host":
			return joinNodes(nodes, nodeHost)
		case "ip":
			return joinNodes(nodes, nodeIP)
		case "num":
			return strconv.Itoa(len(nodes)), nil
		}
	case len(parts) == 4 && parts[0] == "instance" && parts[1] == "self" && parts[2] == "service":
		nodes, err := serviceNodes(topo, parts[3])
		if err != nil {
			return "", err
		}
		for i, n := range nodes {
			if n.ID == topo.Self.ID {
				return strconv.Itoa(i + 1), nil
			}
		}
		return "", fmt.Errorf("node %s does not run service %s: %w", topo.Self.ID, parts[3], model.ErrNotValid)
	}

	return "", fmt.Errorf("unknown macro %q: %w", name, model.ErrNotValid)
}

func serviceNodes(topo Topology, service string) ([]model.Node, error) {
	var nodes []model.Node
	for _, n := range topo.Nodes {
		if n.HasService(service) {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes with service %s: %w", service, model.ErrNotFound)
	}
	return nodes, nil
}

func joinNodes(nodes []model.Node, f func(model.Node) (string, error)) (string, error) {
	vals := make([]string, 0, len(nodes))
	for _, n := range nodes {
		v, err := f(n)
		if err != nil {
			return "", err
		}
		vals = append(vals, v)
	}
	return strings.Join(vals, ","), nil
}

func nodeHost(n model.Node) (string, error) {
	if n.Properties.Hostname == "" {
		return "", fmt.Errorf("node %s has no hostname: %w", n.ID, model.ErrNotFound)
	}
	return n.Properties.Hostname, nil
}

func nodeIP(n model.Node) (string, error) {
	ip := n.IP()
	if ip == "" {
		return "", fmt.Errorf("node %s has no ip address: %w", n.ID, model.ErrNotFound)
	}
	return ip, nil
}
