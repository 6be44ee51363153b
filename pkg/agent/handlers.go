package agent

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/fmmessage"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

func (a *Agent) handler(action message.Action) transport.Handler {
	switch action {
	case message.ActionDoReconfiguration, message.ActionUpdateConfiguration:
		return a.handleConfiguration
	case message.ActionAddReplica:
		return a.handleAddReplica
	case message.ActionDeleteReplica:
		return a.handleDeleteReplica
	case message.ActionReplicaUpReply:
		return a.handleReplicaUpReply
	case message.ActionReplicaEndpointUpdatedReply:
		return a.handleEndpointUpdatedReply
	case message.ActionNodeFabricUpgrade:
		return a.handleNodeFabricUpgrade
	}
	return func(_ context.Context, _ *message.Message, rc transport.ReceiverContext) {
		_ = rc.Reject(errors.Wrapf(errcode.ErrInvalidArgument, "agent does not handle %s", action))
	}
}

// handleConfiguration adopts the roles and epoch of a newer configuration.
// The primary answers DoReconfiguration with ReconfigurationComplete, also
// when the configuration is resent.
func (a *Agent) handleConfiguration(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
	var body message.ConfigurationBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}

	hosted, applied := false, false
	_, err := a.update(body.FailoverUnitID, func(r *Replica) *Replica {
		if r == nil || r.ReplicaID != body.Target.ReplicaID {
			return r
		}
		hosted = true
		if body.Epoch.Less(r.Epoch) {
			return r
		}
		applied = true
		r.Epoch = body.Epoch
		if body.Target.State != "" && r.State != types.ReplicaStateDown {
			r.State = body.Target.State
		}
		r.Configuration = body.Replicas
		return r
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("failover_unit_id", body.FailoverUnitID.String()).Msg("Failed to apply configuration")
		return
	}

	switch {
	case !hosted:
		// the FM believes this node hosts a replica it does not have
		a.reportGone(body)
	case !applied:
		a.logger.Debug().
			Str("failover_unit_id", body.FailoverUnitID.String()).
			Str("epoch", body.Epoch.String()).
			Msg("Ignoring configuration from an older epoch")
	case msg.Action == message.ActionDoReconfiguration:
		a.logger.Info().
			Str("failover_unit_id", body.FailoverUnitID.String()).
			Str("epoch", body.Epoch.String()).
			Int("replicas", len(body.Replicas)).
			Msg("Reconfiguration applied")
		complete, err := message.NewWithActivity(message.ActionReconfigurationComplete, msg.ActivityID,
			message.ReconfigurationCompleteBody{FailoverUnitID: body.FailoverUnitID, Node: a.Node(), Epoch: body.Epoch})
		if err != nil {
			return
		}
		a.sendToFM(body.FailoverUnitID, complete)
	}
}

// handleAddReplica creates the replica, or reports it again when it exists
func (a *Agent) handleAddReplica(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
	var body message.ConfigurationBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}

	r, err := a.update(body.FailoverUnitID, func(r *Replica) *Replica {
		if r != nil && r.ReplicaID == body.Target.ReplicaID {
			if r.Epoch.Less(body.Epoch) {
				r.Epoch = body.Epoch
			}
			return r
		}
		instance := body.Target.InstanceID
		if instance == 0 {
			instance = 1
		}
		return &Replica{
			FailoverUnitID: body.FailoverUnitID,
			ServiceName:    body.ServiceName,
			Epoch:          body.Epoch,
			ReplicaID:      body.Target.ReplicaID,
			InstanceID:     instance,
			State:          types.ReplicaStateIdle,
		}
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("failover_unit_id", body.FailoverUnitID.String()).Msg("Failed to add replica")
		return
	}
	a.logger.Info().
		Str("failover_unit_id", body.FailoverUnitID.String()).
		Int64("replica_id", r.ReplicaID).
		Msg("Replica built")
	stage := fmmessage.StageReplicaUp
	if r.State == types.ReplicaStateDown {
		stage = fmmessage.StageReplicaDown
	}
	a.report(stage, r)
}

// handleDeleteReplica drops the replica and reports it dropped. A newer
// replica of the same unit is kept.
func (a *Agent) handleDeleteReplica(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
	var body message.ConfigurationBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}

	kept := false
	_, err := a.update(body.FailoverUnitID, func(r *Replica) *Replica {
		if r != nil && r.ReplicaID > body.Target.ReplicaID {
			kept = true
			return r
		}
		return nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("failover_unit_id", body.FailoverUnitID.String()).Msg("Failed to drop replica")
		return
	}
	if kept {
		return
	}
	a.logger.Info().
		Str("failover_unit_id", body.FailoverUnitID.String()).
		Int64("replica_id", body.Target.ReplicaID).
		Msg("Replica dropped")
	a.reportGone(body)
}

// reportGone reports the replica a configuration message targets as dropped
func (a *Agent) reportGone(body message.ConfigurationBody) {
	a.report(fmmessage.StageReplicaDropped, &Replica{
		FailoverUnitID: body.FailoverUnitID,
		ServiceName:    body.ServiceName,
		Epoch:          body.Epoch,
		ReplicaID:      body.Target.ReplicaID,
		InstanceID:     body.Target.InstanceID,
		State:          types.ReplicaStateDropped,
	})
}

// handleReplicaUpReply settles acknowledged reports. Reports refused for a
// stale epoch are sent again at the epoch the FM returned.
func (a *Agent) handleReplicaUpReply(_ context.Context, msg *message.Message, _ transport.ReceiverContext) {
	stale, err := a.retry.ProcessReplicaUpReply(msg)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Invalid ReplicaUp reply")
		return
	}
	for _, s := range stale {
		a.resendAtEpoch(s)
	}
}

func (a *Agent) resendAtEpoch(s message.FailoverUnitReplica) {
	r, err := a.update(s.FailoverUnitID, func(r *Replica) *Replica {
		if r != nil && r.ReplicaID == s.Replica.ReplicaID && r.Epoch.Less(s.Epoch) {
			r.Epoch = s.Epoch
		}
		return r
	})
	if err != nil {
		return
	}
	if r == nil || r.ReplicaID != s.Replica.ReplicaID {
		a.report(fmmessage.StageReplicaDropped, &Replica{
			FailoverUnitID: s.FailoverUnitID,
			ServiceName:    s.ServiceName,
			Epoch:          s.Epoch,
			ReplicaID:      s.Replica.ReplicaID,
			InstanceID:     s.Replica.InstanceID,
			State:          types.ReplicaStateDropped,
		})
		return
	}
	stage := fmmessage.StageReplicaUp
	if r.State == types.ReplicaStateDown {
		stage = fmmessage.StageReplicaDown
	}
	a.report(stage, r)
}

func (a *Agent) handleEndpointUpdatedReply(_ context.Context, msg *message.Message, _ transport.ReceiverContext) {
	if err := a.retry.ProcessEndpointUpdatedReply(msg); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid endpoint reply")
	}
}

// handleNodeFabricUpgrade installs the requested fabric version and tells
// the FM which version the node runs. Commands for an older upgrade leave
// the installed version alone.
func (a *Agent) handleNodeFabricUpgrade(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
	var body message.NodeFabricUpgradeBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}

	target := body.Upgrade.VersionInstance()
	a.mu.Lock()
	if a.fabricVersion.InstanceID < target.InstanceID {
		if err := a.store.saveFabricVersion(target); err != nil {
			a.mu.Unlock()
			_ = rc.Reject(err)
			return
		}
		a.logger.Info().
			Str("from", a.fabricVersion.String()).
			Str("to", target.String()).
			Msg("Fabric version installed")
		a.fabricVersion = target
	}
	reply := message.NodeFabricUpgradeReplyBody{Node: a.node, FabricVersion: a.fabricVersion}
	a.mu.Unlock()

	r, err := message.Reply(msg, message.ActionNodeFabricUpgradeReply, reply)
	if err != nil {
		return
	}
	if err := rc.Reply(r); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to answer fabric upgrade")
	}
}

// sendToFM sends without blocking the transport handler
func (a *Agent) sendToFM(id types.FailoverUnitID, msg *message.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Get().Agent.RequestTimeout)
		defer cancel()
		if err := a.fm.SendToFM(ctx, id, msg); err != nil {
			a.logger.Debug().Err(err).Str("action", string(msg.Action)).Msg("Failed to send to failover manager")
		}
	}()
}

func (a *Agent) heartbeatLoop() {
	defer close(a.doneCh)
	ticker := a.clock.Ticker(a.cfg.Get().Agent.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat()
		case <-a.stopCh:
			return
		}
	}
}

// heartbeat keeps the node instance alive. An FM that no longer knows the
// instance, or has marked it down, gets the node back under a new instance.
func (a *Agent) heartbeat() {
	timeout := a.cfg.Get().Agent.RequestTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := message.New(message.ActionNodeHeartbeat, message.HeartbeatBody{Node: a.Node()})
	if err != nil {
		return
	}
	_, err = a.fm.RequestFM(ctx, types.FailoverUnitID{}, msg)
	switch {
	case err == nil:
		return
	case errors.Is(err, errcode.ErrStaleRequest), errors.Is(err, errcode.ErrNotFound):
		a.rejoin()
	default:
		a.logger.Debug().Err(err).Msg("Heartbeat failed")
	}
}

func (a *Agent) rejoin() {
	a.mu.Lock()
	a.node.InstanceID++
	node := a.node
	err := a.store.saveInstance(node.InstanceID)
	a.mu.Unlock()
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to save node instance")
		return
	}

	a.logger.Warn().Str("instance", node.String()).Msg("Node instance no longer accepted, rejoining")
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.Get().Agent.RequestTimeout)
	defer cancel()
	if err := a.register(ctx); err != nil {
		a.logger.Warn().Err(err).Dur("retry_in", a.cfg.Get().Agent.HeartbeatInterval).Msg("Rejoin failed")
	}
}
