package model

import (
	"fmt"
	"time"
)

// MaxNodeActions is the number of action audit entries kept per node.
const MaxNodeActions = 10

// Node is a cluster node.
type Node struct {
	ID         string
	ClusterID  string
	Num        int
	Services   []string
	Properties NodeProperties
	// Actions is the audit of the latest actions executed on the node, oldest first.
	Actions []NodeAction
}

// NodeProperties are the properties of a node, most of them reported by the provisioners.
type NodeProperties struct {
	Hostname    string
	IPAddresses map[string]string
	Flavor      string
	Image       string
	// Results are the raw result fields reported by the provisioners.
	Results map[string]any
}

// NodeAction is an audit entry of an action executed on a node.
type NodeAction struct {
	TaskID     string
	Action     ProvisionerAction
	Service    string
	Status     TaskStatus
	SubmitTime time.Time
	StartTime  time.Time
	StatusTime time.Time
}

// NodeID returns the ID of a node from its cluster ID and number.
func NodeID(clusterID string, num int) string {
	return fmt.Sprintf("%s-node-%03d", clusterID, num)
}

// HasService returns true if the node runs the service.
func (n Node) HasService(name string) bool {
	for _, s := range n.Services {
		if s == name {
			return true
		}
	}
	return false
}

// IP returns the main IP address of the node.
func (n Node) IP() string {
	if ip, ok := n.Properties.IPAddresses["access_v4"]; ok {
		return ip
	}
	if ip, ok := n.Properties.IPAddresses["bind_v4"]; ok {
		return ip
	}
	return ""
}

// AddAction appends an action audit entry evicting the oldest ones when the audit is full.
func (n *Node) AddAction(a NodeAction) {
	n.Actions = append(n.Actions, a)
	if extra := len(n.Actions) - MaxNodeActions; extra > 0 {
		n.Actions = append([]NodeAction(nil), n.Actions[extra:]...)
	}
}

// StartAction marks the audit entry of a task as started.
func (n *Node) StartAction(taskID string, t time.Time) bool {
	a := n.findAction(taskID)
	if a == nil {
		return false
	}
	a.StartTime = t
	a.StatusTime = t
	return true
}

// FinishAction sets the final status on the audit entry of a task.
func (n *Node) FinishAction(taskID string, status TaskStatus, t time.Time) bool {
	a := n.findAction(taskID)
	if a == nil {
		return false
	}
	a.Status = status
	a.StatusTime = t
	return true
}

// ApplyReport merges the worker reported fields on the node properties.
func (n *Node) ApplyReport(r CompletionReport) {
	if r.Hostname != "" {
		n.Properties.Hostname = r.Hostname
	}
	if len(r.IPAddresses) > 0 {
		if n.Properties.IPAddresses == nil {
			n.Properties.IPAddresses = map[string]string{}
		}
		for k, v := range r.IPAddresses {
			n.Properties.IPAddresses[k] = v
		}
	}
	if len(r.Result) > 0 {
		if n.Properties.Results == nil {
			n.Properties.Results = map[string]any{}
		}
		for k, v := range r.Result {
			n.Properties.Results[k] = v
		}
	}
}

// findAction returns the latest audit entry for the task.
func (n *Node) findAction(taskID string) *NodeAction {
	for i := len(n.Actions) - 1; i >= 0; i-- {
		if n.Actions[i].TaskID == taskID {
			return &n.Actions[i]
		}
	}
	return nil
}
