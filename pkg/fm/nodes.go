package fm

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/types"
)

func (fm *FailoverManager) loadNodes() error {
	nodes, err := fm.store.ListNodes()
	if err != nil {
		return errors.Wrap(err, "failed to load nodes")
	}

	// heartbeats were tracked by the previous primary; start the timeout over
	now := fm.clock.Now()
	fm.nodesMu.Lock()
	defer fm.nodesMu.Unlock()
	for _, n := range nodes {
		if n.IsUp() {
			n.LastHeartbeat = now
		}
		fm.nodes[n.ID()] = n
	}
	return nil
}

// Nodes returns a copy of every known node, sorted by id
func (fm *FailoverManager) Nodes() []*types.NodeInfo {
	fm.nodesMu.RLock()
	defer fm.nodesMu.RUnlock()
	out := make([]*types.NodeInfo, 0, len(fm.nodes))
	for _, n := range fm.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetNode returns a copy of the node, if known
func (fm *FailoverManager) GetNode(id string) (*types.NodeInfo, bool) {
	fm.nodesMu.RLock()
	defer fm.nodesMu.RUnlock()
	n, ok := fm.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (fm *FailoverManager) nodeByAddress(addr string) (*types.NodeInfo, bool) {
	fm.nodesMu.RLock()
	defer fm.nodesMu.RUnlock()
	for _, n := range fm.nodes {
		if n.Address == addr {
			return n.Clone(), true
		}
	}
	return nil, false
}

// updateNode commits next and replaces the cached node. fn returns the next
// value from a copy of the current one, or nil when nothing changes.
func (fm *FailoverManager) updateNode(id string, fn func(current *types.NodeInfo) (*types.NodeInfo, error)) (*types.NodeInfo, error) {
	fm.nodesMu.Lock()
	defer fm.nodesMu.Unlock()

	var current *types.NodeInfo
	if n, ok := fm.nodes[id]; ok {
		current = n.Clone()
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return nil, err
	}

	tx := storage.NewTransaction()
	if err := tx.PutNode(next); err != nil {
		return nil, err
	}
	if err := fm.store.Commit(tx); err != nil {
		return nil, errors.Wrapf(err, "failed to persist node %s", id)
	}
	fm.nodes[id] = next
	return next.Clone(), nil
}

// ProcessNodeUp registers a node instance. An older instance than the one
// known is rejected as stale.
func (fm *FailoverManager) ProcessNodeUp(body message.NodeUpBody) (message.NodeUpAckBody, error) {
	if fm.isClosed() {
		return message.NodeUpAckBody{}, fm.closedError()
	}
	now := fm.clock.Now()
	_, err := fm.updateNode(body.Node.NodeID, func(current *types.NodeInfo) (*types.NodeInfo, error) {
		if current != nil && current.Instance.Supersedes(body.Node) {
			return nil, errors.Wrapf(errcode.ErrStaleRequest, "node %s is already up as %s", body.Node, current.Instance)
		}
		return &types.NodeInfo{
			Instance:      body.Node,
			Address:       body.Address,
			UpgradeDomain: body.UpgradeDomain,
			FaultDomain:   body.FaultDomain,
			Status:        types.NodeStatusUp,
			LastHeartbeat: now,
			FabricVersion: body.FabricVersion,
		}, nil
	})
	if err != nil {
		return message.NodeUpAckBody{}, err
	}

	fm.logger.Info().
		Str("node_id", body.Node.NodeID).
		Str("instance", body.Node.String()).
		Str("address", body.Address).
		Msg("Node up")
	fm.events.Publish(events.NewEvent(events.EventNodeUp, "node up",
		map[string]string{"node_id": body.Node.NodeID, "address": body.Address}))
	fm.RequestPlacement()

	return message.NodeUpAckBody{Activated: true, FabricVersion: fm.upgrade.VersionInstance()}, nil
}

// ProcessHeartbeat refreshes the heartbeat of an up node instance. Heartbeats
// are kept in memory only.
func (fm *FailoverManager) ProcessHeartbeat(node types.NodeInstance) error {
	fm.nodesMu.Lock()
	defer fm.nodesMu.Unlock()

	n, ok := fm.nodes[node.NodeID]
	if !ok {
		return errors.Wrapf(errcode.ErrNotFound, "node %s", node.NodeID)
	}
	if n.Instance != node || !n.IsUp() {
		return errors.Wrapf(errcode.ErrStaleRequest, "node %s is %s as %s", node, n.Status, n.Instance)
	}
	next := n.Clone()
	next.LastHeartbeat = fm.clock.Now()
	fm.nodes[node.NodeID] = next
	return nil
}

// MarkNodeDown records the node instance as down and reports every replica
// it hosted as down
func (fm *FailoverManager) MarkNodeDown(ctx context.Context, node types.NodeInstance) error {
	if fm.isClosed() {
		return fm.closedError()
	}
	down, err := fm.updateNode(node.NodeID, func(current *types.NodeInfo) (*types.NodeInfo, error) {
		if current == nil {
			return nil, errors.Wrapf(errcode.ErrNotFound, "node %s", node.NodeID)
		}
		if current.Instance.Supersedes(node) || !current.IsUp() {
			return nil, nil
		}
		current.Status = types.NodeStatusDown
		return current, nil
	})
	if err != nil {
		return err
	}
	if down == nil {
		return nil
	}

	fm.logger.Warn().Str("node_id", node.NodeID).Str("instance", down.Instance.String()).Msg("Node down")
	fm.events.Publish(events.NewEvent(events.EventNodeDown, "node down",
		map[string]string{"node_id": node.NodeID}))

	var firstErr error
	for _, fu := range fm.cache.FailoverUnits() {
		if fu.ID.IsFM() {
			continue
		}
		r := fu.GetReplica(node.NodeID)
		if r == nil || !r.IsUp() || r.Node.InstanceID > down.Instance.InstanceID {
			continue
		}
		input := failover.ReplicaDown{Report: failover.ReplicaReport{
			Node:       r.Node,
			ReplicaID:  r.ReplicaID,
			InstanceID: r.InstanceID,
			State:      types.ReplicaStateDown,
			Epoch:      fu.CurrentEpoch,
		}}
		if _, err := fm.cache.ProcessFailoverUnitInput(ctx, fu.ID, input); err != nil && !isStale(err) {
			fm.logger.Error().Err(err).
				Str("failover_unit_id", fu.ID.String()).
				Str("node_id", node.NodeID).
				Msg("Failed to mark replica down")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recordFabricVersion stores the version a node reported it runs
func (fm *FailoverManager) recordFabricVersion(node types.NodeInstance, version types.FabricVersionInstance) error {
	_, err := fm.updateNode(node.NodeID, func(current *types.NodeInfo) (*types.NodeInfo, error) {
		if current == nil || current.Instance != node || current.FabricVersion == version {
			return nil, nil
		}
		current.FabricVersion = version
		return current, nil
	})
	return err
}

func isStale(err error) bool {
	return errors.Is(err, errcode.ErrStaleEpoch) || errors.Is(err, errcode.ErrStaleRequest)
}
