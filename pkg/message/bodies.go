package message

import (
	"github.com/cuemby/failover/pkg/types"
)

// ReplicaDescription is a node's view of one of its replicas
type ReplicaDescription struct {
	Node       types.NodeInstance
	ReplicaID  int64
	InstanceID int64
	State      types.ReplicaState
	Role       types.ReplicaRole `json:",omitempty"`
	Endpoint   string            `json:",omitempty"`
}

// FailoverUnitReplica ties a replica to its partition and the epoch it was reported at
type FailoverUnitReplica struct {
	FailoverUnitID types.FailoverUnitID
	ServiceName    string `json:",omitempty"`
	Epoch          types.Epoch
	Replica        ReplicaDescription
	// Sequence is echoed back in acknowledgements so the sender can tell
	// which version of its report was processed
	Sequence int64 `json:",omitempty"`
}

// Key identifies the replica across messages
func (r FailoverUnitReplica) Key() string {
	return r.FailoverUnitID.String() + "/" + r.Replica.Node.NodeID
}

// ReplicaUpMessageBody batches replica reports. Dropped replicas travel in
// their own list; every other state, down included, goes in Replicas.
type ReplicaUpMessageBody struct {
	Replicas        []FailoverUnitReplica `json:",omitempty"`
	DroppedReplicas []FailoverUnitReplica `json:",omitempty"`
}

// IsEmpty reports whether the body carries no report
func (b *ReplicaUpMessageBody) IsEmpty() bool {
	return len(b.Replicas) == 0 && len(b.DroppedReplicas) == 0
}

// Len counts the reports in both lists
func (b *ReplicaUpMessageBody) Len() int {
	return len(b.Replicas) + len(b.DroppedReplicas)
}

// ReplicaUpReplyBody acknowledges processed reports. Reports refused for an
// epoch mismatch come back in StaleReplicas carrying the FM's epoch.
type ReplicaUpReplyBody struct {
	Replicas        []FailoverUnitReplica `json:",omitempty"`
	DroppedReplicas []FailoverUnitReplica `json:",omitempty"`
	StaleReplicas   []FailoverUnitReplica `json:",omitempty"`
}

// ReplicaEndpointBody reports or acknowledges one replica endpoint
type ReplicaEndpointBody struct {
	Replica FailoverUnitReplica
}

// ConfigurationBody carries a replica set at an epoch. It is the body of
// DoReconfiguration, UpdateConfiguration, AddReplica and DeleteReplica.
type ConfigurationBody struct {
	FailoverUnitID types.FailoverUnitID
	ServiceName    string `json:",omitempty"`
	Epoch          types.Epoch
	// Target is the replica the message is addressed to
	Target   ReplicaDescription
	Replicas []ReplicaDescription `json:",omitempty"`
}

// NodeUpBody registers a node instance with the FM
type NodeUpBody struct {
	Node          types.NodeInstance
	Address       string
	UpgradeDomain string `json:",omitempty"`
	FaultDomain   string `json:",omitempty"`
	FabricVersion types.FabricVersionInstance
}

// NodeUpAckBody answers NodeUp with the fabric version the node must run
type NodeUpAckBody struct {
	Activated     bool
	FabricVersion types.FabricVersionInstance
}

// HeartbeatBody keeps a node instance alive
type HeartbeatBody struct {
	Node types.NodeInstance
}

// LoadReportBody carries per-replica load metrics
type LoadReportBody struct {
	Replica FailoverUnitReplica
	Load    map[string]int64
}

// ReconfigurationCompleteBody is sent by a primary once it applied an epoch
type ReconfigurationCompleteBody struct {
	FailoverUnitID types.FailoverUnitID
	Node           types.NodeInstance
	Epoch          types.Epoch
}

// NodeFabricUpgradeBody instructs a node to run a fabric version
type NodeFabricUpgradeBody struct {
	Upgrade types.FabricUpgradeDescription
}

// NodeFabricUpgradeReplyBody reports the version a node now runs
type NodeFabricUpgradeReplyBody struct {
	Node          types.NodeInstance
	FabricVersion types.FabricVersionInstance
}

// FabricUpgradeRequestBody asks the FM to start a fabric upgrade
type FabricUpgradeRequestBody struct {
	Upgrade types.FabricUpgradeDescription
}

// PLBSafetyCheckBody reports a completed upgrade safety check
type PLBSafetyCheckBody struct {
	ApplicationID string
}

// QueryFailoverUnitsBody asks for location changes after a version
type QueryFailoverUnitsBody struct {
	Since types.ServiceLocationVersion
}

// QueryFailoverUnitsReplyBody returns the changed units
type QueryFailoverUnitsReplyBody struct {
	Version       types.ServiceLocationVersion
	FailoverUnits []*types.FailoverUnit
}

// CreateFailoverUnitBody asks the FM to create a partition of a service
type CreateFailoverUnitBody struct {
	ServiceName          string
	ApplicationID        string
	TargetReplicaSetSize int
	MinReplicaSetSize    int
}

// CreateFailoverUnitReplyBody returns the id of the new partition
type CreateFailoverUnitReplyBody struct {
	FailoverUnitID types.FailoverUnitID
}

// FMReplicaBody names a member of the FM replica set
type FMReplicaBody struct {
	NodeID      string
	RaftAddress string `json:",omitempty"`
	// Address is the member's message transport address
	Address string `json:",omitempty"`
}

// NotPrimaryBody points a sender at the current FM primary
type NotPrimaryBody struct {
	PrimaryAddress string
}

// DescribeReplica is the wire view of a replica held by the FM
func DescribeReplica(r *types.Replica) ReplicaDescription {
	return ReplicaDescription{
		Node:       r.Node,
		ReplicaID:  r.ReplicaID,
		InstanceID: r.InstanceID,
		State:      r.State,
		Role:       r.Role(),
		Endpoint:   r.Endpoint,
	}
}
