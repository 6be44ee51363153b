package types

import (
	"sort"
	"time"
)

// ReplicaState is the lifecycle state of a replica
type ReplicaState string

const (
	ReplicaStateBuilding  ReplicaState = "building"
	ReplicaStateIdle      ReplicaState = "idle"
	ReplicaStateSecondary ReplicaState = "secondary"
	ReplicaStatePrimary   ReplicaState = "primary"
	ReplicaStateStandby   ReplicaState = "standby"
	ReplicaStateDropping  ReplicaState = "dropping"
	ReplicaStateDropped   ReplicaState = "dropped"
	ReplicaStateDown      ReplicaState = "down"
)

// ReplicaRole is the role a replica plays in the configuration
type ReplicaRole string

const (
	ReplicaRoleNone      ReplicaRole = "none"
	ReplicaRoleIdle      ReplicaRole = "idle"
	ReplicaRoleSecondary ReplicaRole = "secondary"
	ReplicaRolePrimary   ReplicaRole = "primary"
)

// Replica is one copy of a partition on a node
type Replica struct {
	Node        NodeInstance
	ReplicaID   int64
	InstanceID  int64
	State       ReplicaState
	Endpoint    string
	Load        map[string]int64
	LastUpdated time.Time

	// PreviousRole is the configuration role held when the replica went down
	PreviousRole ReplicaRole `json:",omitempty"`
}

// Role derives the configuration role from the lifecycle state
func (r *Replica) Role() ReplicaRole {
	switch r.State {
	case ReplicaStatePrimary:
		return ReplicaRolePrimary
	case ReplicaStateSecondary:
		return ReplicaRoleSecondary
	case ReplicaStateBuilding, ReplicaStateIdle:
		return ReplicaRoleIdle
	default:
		return ReplicaRoleNone
	}
}

// IsInConfiguration reports whether the replica counts toward quorum
func (r *Replica) IsInConfiguration() bool {
	role := r.Role()
	return role == ReplicaRolePrimary || role == ReplicaRoleSecondary
}

// WasInConfiguration reports whether a down replica last belonged to the configuration
func (r *Replica) WasInConfiguration() bool {
	return r.PreviousRole == ReplicaRolePrimary || r.PreviousRole == ReplicaRoleSecondary
}

// IsUp reports whether the replica is hosted and reachable
func (r *Replica) IsUp() bool {
	switch r.State {
	case ReplicaStateDown, ReplicaStateDropped, ReplicaStateDropping:
		return false
	}
	return true
}

func (r *Replica) Clone() *Replica {
	c := *r
	if r.Load != nil {
		c.Load = make(map[string]int64, len(r.Load))
		for k, v := range r.Load {
			c.Load[k] = v
		}
	}
	return &c
}

// ReconfigurationState is the failover unit level state
type ReconfigurationState string

const (
	ReconfigurationStateInitializing  ReconfigurationState = "initializing"
	ReconfigurationStateStable        ReconfigurationState = "stable"
	ReconfigurationStateReconfiguring ReconfigurationState = "reconfiguring"
)

// FailoverUnit is one partition's replica configuration
type FailoverUnit struct {
	ID                       FailoverUnitID
	ServiceName              string
	ApplicationID            string
	TargetReplicaSetSize     int
	MinReplicaSetSize        int
	CurrentEpoch             Epoch
	ReconfigurationState     ReconfigurationState
	ReconfigurationStartedAt time.Time
	Replicas                 []*Replica
	LookupVersion            int64
	PersistencePending       bool
	LastUpdated              time.Time
	Deleted                  bool
}

// NewFailoverUnit returns an initializing failover unit at the initial epoch
func NewFailoverUnit(id FailoverUnitID, serviceName, appID string, target, min int) *FailoverUnit {
	return &FailoverUnit{
		ID:                   id,
		ServiceName:          serviceName,
		ApplicationID:        appID,
		TargetReplicaSetSize: target,
		MinReplicaSetSize:    min,
		CurrentEpoch:         InitialEpoch,
		ReconfigurationState: ReconfigurationStateInitializing,
	}
}

// Clone returns a deep copy safe to mutate
func (fu *FailoverUnit) Clone() *FailoverUnit {
	c := *fu
	c.Replicas = make([]*Replica, len(fu.Replicas))
	for i, r := range fu.Replicas {
		c.Replicas[i] = r.Clone()
	}
	return &c
}

// GetReplica returns the replica hosted on nodeID, or nil
func (fu *FailoverUnit) GetReplica(nodeID string) *Replica {
	for _, r := range fu.Replicas {
		if r.Node.NodeID == nodeID {
			return r
		}
	}
	return nil
}

// Primary returns the primary replica, or nil
func (fu *FailoverUnit) Primary() *Replica {
	for _, r := range fu.Replicas {
		if r.State == ReplicaStatePrimary {
			return r
		}
	}
	return nil
}

// ConfigurationReplicas returns the replicas currently in the configuration
func (fu *FailoverUnit) ConfigurationReplicas() []*Replica {
	var out []*Replica
	for _, r := range fu.Replicas {
		if r.IsInConfiguration() {
			out = append(out, r)
		}
	}
	return out
}

// UpReplicaCount counts replicas that are neither down nor dropped
func (fu *FailoverUnit) UpReplicaCount() int {
	n := 0
	for _, r := range fu.Replicas {
		if r.IsUp() {
			n++
		}
	}
	return n
}

// NeedsReplicas reports whether placement should add replicas
func (fu *FailoverUnit) NeedsReplicas() bool {
	return !fu.Deleted && fu.UpReplicaCount() < fu.TargetReplicaSetSize
}

// NodeIDs returns the sorted node ids hosting a replica
func (fu *FailoverUnit) NodeIDs() []string {
	ids := make([]string, 0, len(fu.Replicas))
	for _, r := range fu.Replicas {
		ids = append(ids, r.Node.NodeID)
	}
	sort.Strings(ids)
	return ids
}

// NextReplicaID returns an id not used by any replica of the unit
func (fu *FailoverUnit) NextReplicaID() int64 {
	var max int64
	for _, r := range fu.Replicas {
		if r.ReplicaID > max {
			max = r.ReplicaID
		}
	}
	return max + 1
}
