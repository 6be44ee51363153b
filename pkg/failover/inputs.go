package failover

import (
	"github.com/cuemby/failover/pkg/types"
)

// InputKind names a state machine input
type InputKind string

const (
	InputNodeUp                  InputKind = "NodeUp"
	InputReplicaUp               InputKind = "ReplicaUp"
	InputReplicaDown             InputKind = "ReplicaDown"
	InputReplicaDropped          InputKind = "ReplicaDropped"
	InputLoadReport              InputKind = "LoadReport"
	InputEndpointAvailable       InputKind = "EndpointAvailable"
	InputReconfigurationComplete InputKind = "ReconfigurationComplete"
	InputAddReplica              InputKind = "AddReplica"
	InputRemoveReplica           InputKind = "RemoveReplica"
	InputSwapPrimary             InputKind = "SwapPrimary"
	InputUpgradeNode             InputKind = "UpgradeNode"
	InputRecoverDataLoss         InputKind = "RecoverDataLoss"
	InputDelete                  InputKind = "Delete"
)

// Input is one of the closed set of state machine inputs declared in this file
type Input interface {
	Kind() InputKind
	isInput()
}

// ReplicaReport is what a node reports about one of its replicas
type ReplicaReport struct {
	Node       types.NodeInstance
	ReplicaID  int64
	InstanceID int64
	State      types.ReplicaState
	Epoch      types.Epoch
	Endpoint   string
}

// NodeUp carries the node's replicas of this failover unit
type NodeUp struct {
	Node     types.NodeInstance
	Replicas []ReplicaReport
}

// ReplicaUp reports a replica open on its node
type ReplicaUp struct {
	Report ReplicaReport
}

// ReplicaDown reports a replica that is no longer reachable
type ReplicaDown struct {
	Report ReplicaReport
}

// ReplicaDropped reports a replica that has been deleted from its node
type ReplicaDropped struct {
	Report ReplicaReport
}

// LoadReport carries load metrics of a replica
type LoadReport struct {
	Report ReplicaReport
	Load   map[string]int64
}

// EndpointAvailable reports the endpoint a replica listens on
type EndpointAvailable struct {
	Report ReplicaReport
}

// ReconfigurationComplete is sent by the primary once it applied a configuration
type ReconfigurationComplete struct {
	Node  types.NodeInstance
	Epoch types.Epoch
}

// AddReplica places a new replica on a node
type AddReplica struct {
	Node types.NodeInstance
}

// RemoveReplica removes the replica hosted on a node
type RemoveReplica struct {
	NodeID string
}

// SwapPrimary moves the primary role to the replica on a node
type SwapPrimary struct {
	NodeID string
}

// UpgradeNode prepares the failover unit for a node going down for upgrade
type UpgradeNode struct {
	Node types.NodeInstance
}

// RecoverDataLoss rebuilds the configuration after quorum loss
type RecoverDataLoss struct{}

// Delete tombstones the failover unit and drops its replicas
type Delete struct{}

func (NodeUp) Kind() InputKind                  { return InputNodeUp }
func (ReplicaUp) Kind() InputKind               { return InputReplicaUp }
func (ReplicaDown) Kind() InputKind             { return InputReplicaDown }
func (ReplicaDropped) Kind() InputKind          { return InputReplicaDropped }
func (LoadReport) Kind() InputKind              { return InputLoadReport }
func (EndpointAvailable) Kind() InputKind       { return InputEndpointAvailable }
func (ReconfigurationComplete) Kind() InputKind { return InputReconfigurationComplete }
func (AddReplica) Kind() InputKind              { return InputAddReplica }
func (RemoveReplica) Kind() InputKind           { return InputRemoveReplica }
func (SwapPrimary) Kind() InputKind             { return InputSwapPrimary }
func (UpgradeNode) Kind() InputKind             { return InputUpgradeNode }
func (RecoverDataLoss) Kind() InputKind         { return InputRecoverDataLoss }
func (Delete) Kind() InputKind                  { return InputDelete }

func (NodeUp) isInput()                  {}
func (ReplicaUp) isInput()               {}
func (ReplicaDown) isInput()             {}
func (ReplicaDropped) isInput()          {}
func (LoadReport) isInput()              {}
func (EndpointAvailable) isInput()       {}
func (ReconfigurationComplete) isInput() {}
func (AddReplica) isInput()              {}
func (RemoveReplica) isInput()           {}
func (SwapPrimary) isInput()             {}
func (UpgradeNode) isInput()             {}
func (RecoverDataLoss) isInput()         {}
func (Delete) isInput()                  {}
