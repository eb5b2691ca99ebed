package model

import "fmt"

// ClusterAction is a user level operation on a cluster.
type ClusterAction string

const (
	ClusterActionCreate               ClusterAction = "CLUSTER_CREATE"
	ClusterActionDelete               ClusterAction = "CLUSTER_DELETE"
	ClusterActionConfigure            ClusterAction = "CLUSTER_CONFIGURE"
	ClusterActionConfigureWithRestart ClusterAction = "CLUSTER_CONFIGURE_WITH_RESTART"
	ClusterActionStopServices         ClusterAction = "STOP_SERVICES"
	ClusterActionStartServices        ClusterAction = "START_SERVICES"
	ClusterActionRestartServices      ClusterAction = "RESTART_SERVICES"
	ClusterActionAddServices          ClusterAction = "ADD_SERVICES"
)

// ProvisionerAction is a per node (and optionally per service) operation executed by a provisioner.
type ProvisionerAction string

const (
	ProvisionerActionCreate     ProvisionerAction = "CREATE"
	ProvisionerActionConfirm    ProvisionerAction = "CONFIRM"
	ProvisionerActionBootstrap  ProvisionerAction = "BOOTSTRAP"
	ProvisionerActionInstall    ProvisionerAction = "INSTALL"
	ProvisionerActionRemove     ProvisionerAction = "REMOVE"
	ProvisionerActionInitialize ProvisionerAction = "INITIALIZE"
	ProvisionerActionConfigure  ProvisionerAction = "CONFIGURE"
	ProvisionerActionStart      ProvisionerAction = "START"
	ProvisionerActionStop       ProvisionerAction = "STOP"
	ProvisionerActionDelete     ProvisionerAction = "DELETE"
)

// NodeLevel returns true for the actions that act on the node itself instead of a service.
func (p ProvisionerAction) NodeLevel() bool {
	switch p {
	case ProvisionerActionCreate, ProvisionerActionConfirm, ProvisionerActionBootstrap, ProvisionerActionDelete:
		return true
	}
	return false
}

// Rollback is the action that undoes a partially completed action, Target is the
// action the rollback undoes, the actions from Target up to the failed one are
// executed again after the rollback.
type Rollback struct {
	Action ProvisionerAction
	Target ProvisionerAction
}

// ClusterActionSpec describes how a cluster action is executed.
type ClusterActionSpec struct {
	Actions       []ProvisionerAction
	SuccessStatus ClusterStatus
	FailureStatus ClusterStatus
}

// ActionTable is the immutable configuration of cluster actions and their
// provisioner actions. Use NewActionTable or DefaultActionTable to get one.
type ActionTable struct {
	clusterActions map[ClusterAction]ClusterActionSpec
	rollbacks      map[ProvisionerAction]Rollback
	hardware       map[ProvisionerAction]bool
}

// NewActionTable returns a validated action table.
func NewActionTable(clusterActions map[ClusterAction]ClusterActionSpec, rollbacks map[ProvisionerAction]Rollback, hardwareActions []ProvisionerAction) (*ActionTable, error) {
	t := &ActionTable{
		clusterActions: make(map[ClusterAction]ClusterActionSpec, len(clusterActions)),
		rollbacks:      make(map[ProvisionerAction]Rollback, len(rollbacks)),
		hardware:       make(map[ProvisionerAction]bool, len(hardwareActions)),
	}

	for ca, spec := range clusterActions {
		if len(spec.Actions) == 0 {
			return nil, fmt.Errorf("cluster action %s has no provisioner actions: %w", ca, ErrNotValid)
		}
		if spec.SuccessStatus == "" || spec.FailureStatus == "" {
			return nil, fmt.Errorf("cluster action %s requires success and failure status: %w", ca, ErrNotValid)
		}
		spec.Actions = append([]ProvisionerAction(nil), spec.Actions...)
		t.clusterActions[ca] = spec
	}
	for pa, rb := range rollbacks {
		if rb.Action == "" || rb.Target == "" {
			return nil, fmt.Errorf("rollback for %s requires action and target: %w", pa, ErrNotValid)
		}
		t.rollbacks[pa] = rb
	}
	for _, pa := range hardwareActions {
		t.hardware[pa] = true
	}

	return t, nil
}

// DefaultActionTable returns the default action table.
func DefaultActionTable() *ActionTable {
	t, err := NewActionTable(
		map[ClusterAction]ClusterActionSpec{
			ClusterActionCreate: {
				Actions: []ProvisionerAction{
					ProvisionerActionCreate,
					ProvisionerActionConfirm,
					ProvisionerActionBootstrap,
					ProvisionerActionInstall,
					ProvisionerActionConfigure,
					ProvisionerActionInitialize,
					ProvisionerActionStart,
				},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusIncomplete,
			},
			ClusterActionDelete: {
				Actions:       []ProvisionerAction{ProvisionerActionDelete},
				SuccessStatus: ClusterStatusTerminated,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionConfigure: {
				Actions:       []ProvisionerAction{ProvisionerActionConfigure},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionConfigureWithRestart: {
				Actions:       []ProvisionerAction{ProvisionerActionStop, ProvisionerActionConfigure, ProvisionerActionStart},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionStopServices: {
				Actions:       []ProvisionerAction{ProvisionerActionStop},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionStartServices: {
				Actions:       []ProvisionerAction{ProvisionerActionStart},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionRestartServices: {
				Actions:       []ProvisionerAction{ProvisionerActionStop, ProvisionerActionStart},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
			ClusterActionAddServices: {
				Actions: []ProvisionerAction{
					ProvisionerActionInstall,
					ProvisionerActionConfigure,
					ProvisionerActionInitialize,
					ProvisionerActionStart,
				},
				SuccessStatus: ClusterStatusActive,
				FailureStatus: ClusterStatusInconsistent,
			},
		},
		map[ProvisionerAction]Rollback{
			ProvisionerActionConfirm: {Action: ProvisionerActionDelete, Target: ProvisionerActionCreate},
		},
		[]ProvisionerAction{
			ProvisionerActionCreate,
			ProvisionerActionConfirm,
			ProvisionerActionBootstrap,
			ProvisionerActionDelete,
		},
	)
	if err != nil {
		panic(err)
	}

	return t
}

// Spec returns the specification of a cluster action.
func (t *ActionTable) Spec(ca ClusterAction) (ClusterActionSpec, error) {
	spec, ok := t.clusterActions[ca]
	if !ok {
		return ClusterActionSpec{}, fmt.Errorf("cluster action %s: %w", ca, ErrNotFound)
	}
	spec.Actions = append([]ProvisionerAction(nil), spec.Actions...)
	return spec, nil
}

// Actions returns the ordered provisioner actions of a cluster action.
func (t *ActionTable) Actions(ca ClusterAction) ([]ProvisionerAction, error) {
	spec, err := t.Spec(ca)
	if err != nil {
		return nil, err
	}
	return spec.Actions, nil
}

// Rollback returns the rollback of a provisioner action, if any.
func (t *ActionTable) Rollback(pa ProvisionerAction) (Rollback, bool) {
	rb, ok := t.rollbacks[pa]
	return rb, ok
}

// IsHardwareAction returns true if the action works on raw hardware, these don't
// need the cluster configuration expanded.
func (t *ActionTable) IsHardwareAction(pa ProvisionerAction) bool {
	return t.hardware[pa]
}

// ReplacementActions returns the actions that need to be executed before retrying
// a failed action: the rollback followed by every action from the rollback target
// up to the failed one (excluded) in the cluster action order. Returns nil if the
// failed action has no rollback.
func (t *ActionTable) ReplacementActions(ca ClusterAction, failed ProvisionerAction) ([]ProvisionerAction, error) {
	rb, ok := t.rollbacks[failed]
	if !ok {
		return nil, nil
	}

	actions, err := t.Actions(ca)
	if err != nil {
		return nil, err
	}

	res := []ProvisionerAction{rb.Action}
	collecting := false
	for _, a := range actions {
		if a == failed {
			break
		}
		if a == rb.Target {
			collecting = true
		}
		if collecting {
			res = append(res, a)
		}
	}

	return res, nil
}
