package fm

import (
	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/placement"
	"github.com/cuemby/failover/pkg/types"
)

var actionMessages = map[failover.ActionKind]message.Action{
	failover.ActionDoReconfiguration:   message.ActionDoReconfiguration,
	failover.ActionUpdateConfiguration: message.ActionUpdateConfiguration,
	failover.ActionAddReplica:          message.ActionAddReplica,
	failover.ActionDeleteReplica:       message.ActionDeleteReplica,
}

// ExecuteActions sends the messages produced by a committed update of fu.
// Messages to one node keep their order.
func (fm *FailoverManager) ExecuteActions(fu *types.FailoverUnit, actions []failover.Action) {
	byAddress := make(map[string][]*message.Message)
	var order []string

	for _, a := range actions {
		if a.Kind == failover.ActionRequestPlacement {
			fm.RequestPlacement()
			continue
		}
		action, ok := actionMessages[a.Kind]
		if !ok {
			continue
		}
		node, ok := fm.GetNode(a.Target.NodeID)
		if !ok {
			fm.logger.Debug().
				Str("failover_unit_id", fu.ID.String()).
				Str("node_id", a.Target.NodeID).
				Msg("Skipping message to unknown node")
			continue
		}
		msg, err := message.New(action, configurationBody(fu, a))
		if err != nil {
			fm.logger.Error().Err(err).Str("action", string(action)).Msg("Failed to build message")
			continue
		}
		if _, seen := byAddress[node.Address]; !seen {
			order = append(order, node.Address)
		}
		byAddress[node.Address] = append(byAddress[node.Address], msg)
	}

	for _, addr := range order {
		fm.sendAsync(addr, byAddress[addr])
	}
}

// configurationBody describes the replica an action targets and, for
// reconfiguration actions, the configuration it belongs to
func configurationBody(fu *types.FailoverUnit, a failover.Action) message.ConfigurationBody {
	body := message.ConfigurationBody{
		FailoverUnitID: fu.ID,
		ServiceName:    fu.ServiceName,
		Epoch:          a.Epoch,
		Target: message.ReplicaDescription{
			Node:      a.Target,
			ReplicaID: a.ReplicaID,
		},
	}
	if r := fu.GetReplica(a.Target.NodeID); r != nil && r.ReplicaID == a.ReplicaID {
		body.Target = message.DescribeReplica(r)
	}
	for _, r := range a.Configuration {
		body.Replicas = append(body.Replicas, message.DescribeReplica(r))
	}
	return body
}

// sendAsync sends msgs to addr in order without blocking the caller. Lost
// messages are resent by the reconciler.
func (fm *FailoverManager) sendAsync(addr string, msgs []*message.Message) {
	go func() {
		for _, msg := range msgs {
			if err := fm.transport.SendOneWay(fm.ctx, addr, msg); err != nil {
				fm.logger.Debug().Err(err).
					Str("action", string(msg.Action)).
					Str("to", addr).
					Msg("Failed to send message")
				return
			}
		}
	}()
}

// RequestPlacement schedules a placement pass
func (fm *FailoverManager) RequestPlacement() {
	fm.placement.Request(types.NewActivityID())
}

// placeReplicas adds replicas to every unit short of its target replica set
// size. It retries while some unit could not be fully placed.
func (fm *FailoverManager) placeReplicas(activityID string) {
	if fm.isClosed() {
		fm.placement.OnWorkComplete(bgwork.RetryNone)
		return
	}

	retry := bgwork.RetryNone
	nodes := fm.Nodes()
	for _, fu := range fm.cache.FailoverUnits() {
		if fu.ID.IsFM() || !fu.NeedsReplicas() {
			continue
		}
		req := placement.Request{Unit: fu, Count: fu.TargetReplicaSetSize - fu.UpReplicaCount()}
		if app, ok := fm.cache.GetApplication(fu.ApplicationID); ok {
			req.Capacity = app.Capacity
		}

		// units are re-read so earlier placements in this pass count as load
		selected, err := fm.placer.Place(req, nodes, fm.cache.FailoverUnits())
		if err != nil {
			retry = bgwork.RetryNeeded
			if !errors.Is(err, placement.ErrNoSuitableNode) {
				fm.logger.Warn().Err(err).Str("failover_unit_id", fu.ID.String()).Msg("Placement failed")
			}
		}
		for _, node := range selected {
			input := failover.AddReplica{Node: node.Instance}
			if _, err := fm.cache.ProcessFailoverUnitInput(fm.ctx, fu.ID, input); err != nil {
				retry = bgwork.RetryNeeded
				fm.logger.Debug().Err(err).
					Str("activity_id", activityID).
					Str("failover_unit_id", fu.ID.String()).
					Str("node_id", node.ID()).
					Msg("Failed to add replica")
			}
		}
	}
	fm.placement.OnWorkComplete(retry)
}
