package types

import (
	"time"
)

// NodeStatus represents the FM's view of a node
type NodeStatus string

const (
	NodeStatusUp   NodeStatus = "up"
	NodeStatusDown NodeStatus = "down"
)

// NodeInfo is the FM's record of a node
type NodeInfo struct {
	Instance      NodeInstance
	Address       string
	UpgradeDomain string
	FaultDomain   string
	Status        NodeStatus
	LastHeartbeat time.Time
	FabricVersion FabricVersionInstance
}

func (n *NodeInfo) ID() string {
	return n.Instance.NodeID
}

func (n *NodeInfo) IsUp() bool {
	return n.Status == NodeStatusUp
}

func (n *NodeInfo) Clone() *NodeInfo {
	c := *n
	return &c
}

// QueueCounts is a point-in-time view of a job queue
type QueueCounts struct {
	Pending   int
	InFlight  int
	Processed int64
	QueueFull int64
	TimedOut  int64
}

// Size is the number of items counted against the queue capacity
func (c QueueCounts) Size() int {
	return c.Pending + c.InFlight
}
