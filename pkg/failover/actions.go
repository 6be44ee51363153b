package failover

import (
	"github.com/cuemby/failover/pkg/types"
)

// ActionKind names a state machine action
type ActionKind string

const (
	// ActionPersist commits the failover unit. It is always the first action.
	ActionPersist ActionKind = "Persist"
	// ActionDoReconfiguration asks the primary to apply the configuration
	ActionDoReconfiguration ActionKind = "DoReconfiguration"
	// ActionUpdateConfiguration tells a non-primary replica its new role
	ActionUpdateConfiguration ActionKind = "UpdateConfiguration"
	// ActionAddReplica asks a node to build a replica
	ActionAddReplica ActionKind = "AddReplica"
	// ActionDeleteReplica asks a node to drop a replica
	ActionDeleteReplica ActionKind = "DeleteReplica"
	// ActionRequestPlacement asks the FM to place missing replicas
	ActionRequestPlacement ActionKind = "RequestPlacement"
)

// Action is an effect to run after the failover unit has been committed
type Action struct {
	Kind      ActionKind
	Target    types.NodeInstance
	ReplicaID int64
	Epoch     types.Epoch
	// Configuration is the replica set sent with reconfiguration actions
	Configuration []*types.Replica
}

// IsMessage reports whether the action sends a message to a node
func (a Action) IsMessage() bool {
	switch a.Kind {
	case ActionDoReconfiguration, ActionUpdateConfiguration, ActionAddReplica, ActionDeleteReplica:
		return true
	}
	return false
}

// Result is the outcome of processing one input
type Result struct {
	// Changed is set when current differs from old
	Changed bool
	// Rejected is set when the input was dropped; Err says why
	Rejected bool
	Reason   string
	Err      error
	Actions  []Action
}

// NeedsPersist reports whether the result carries a Persist action
func (r Result) NeedsPersist() bool {
	return len(r.Actions) > 0 && r.Actions[0].Kind == ActionPersist
}

// MessageActions returns the actions that send messages
func (r Result) MessageActions() []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.IsMessage() {
			out = append(out, a)
		}
	}
	return out
}

// PendingActions rebuilds the messages fu is still waiting on: the
// configuration while it reconfigures, AddReplica for replicas still
// building and DeleteReplica for replicas being dropped. They are resent
// when a node never answered.
func PendingActions(fu *types.FailoverUnit) []Action {
	var actions []Action
	if fu.ReconfigurationState == types.ReconfigurationStateReconfiguring {
		actions = append(actions, configurationActions(fu)...)
	}
	for _, r := range fu.Replicas {
		var kind ActionKind
		switch r.State {
		case types.ReplicaStateBuilding:
			kind = ActionAddReplica
		case types.ReplicaStateDropping:
			kind = ActionDeleteReplica
		default:
			continue
		}
		actions = append(actions, Action{
			Kind:      kind,
			Target:    r.Node,
			ReplicaID: r.ReplicaID,
			Epoch:     fu.CurrentEpoch,
		})
	}
	return actions
}
