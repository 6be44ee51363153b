package fm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

// ProcessReplicaUp applies a batch of replica reports from the node at from.
// Every report the FM is done with is acknowledged; reports at an old epoch
// come back as stale with the current epoch, and reports that hit a
// transient error are left out so the node sends them again. The last
// message of an upload also retires the replicas the node no longer has.
func (fm *FailoverManager) ProcessReplicaUp(ctx context.Context, from string, body message.ReplicaUpMessageBody, isLast bool) message.ReplicaUpReplyBody {
	var reply message.ReplicaUpReplyBody

	for _, r := range body.Replicas {
		var input failover.Input = failover.ReplicaUp{Report: report(r)}
		if r.Replica.State == types.ReplicaStateDown {
			input = failover.ReplicaDown{Report: report(r)}
		}
		switch fm.processReport(ctx, r, input, false) {
		case reportAcked:
			reply.Replicas = append(reply.Replicas, r)
		case reportStale:
			reply.StaleReplicas = append(reply.StaleReplicas, fm.withCurrentEpoch(r))
		}
	}
	for _, r := range body.DroppedReplicas {
		switch fm.processReport(ctx, r, failover.ReplicaDropped{Report: report(r)}, true) {
		case reportAcked:
			reply.DroppedReplicas = append(reply.DroppedReplicas, r)
		case reportStale:
			reply.StaleReplicas = append(reply.StaleReplicas, fm.withCurrentEpoch(r))
		}
	}

	if isLast {
		fm.retireUnreportedReplicas(ctx, from)
	}
	return reply
}

type reportOutcome int

const (
	reportAcked reportOutcome = iota
	reportStale
	reportRetry
)

func (fm *FailoverManager) processReport(ctx context.Context, r message.FailoverUnitReplica, input failover.Input, dropped bool) reportOutcome {
	_, err := fm.cache.ProcessFailoverUnitInput(ctx, r.FailoverUnitID, input)
	switch {
	case err == nil:
		return reportAcked
	case errors.Is(err, errcode.ErrStaleEpoch):
		if _, ok := fm.cache.GetFailoverUnit(r.FailoverUnitID); ok {
			return reportStale
		}
		return reportAcked
	case errors.Is(err, errcode.ErrNotFound):
		// the FM has no such replica; the node must not keep it
		if !dropped {
			fm.deleteOrphan(r)
		}
		return reportAcked
	case errors.Is(err, errcode.ErrStaleRequest):
		return reportAcked
	}
	fm.logger.Debug().Err(err).
		Str("replica", r.Key()).
		Str("input", string(input.Kind())).
		Msg("Replica report not applied, awaiting resend")
	return reportRetry
}

func (fm *FailoverManager) withCurrentEpoch(r message.FailoverUnitReplica) message.FailoverUnitReplica {
	if fu, ok := fm.cache.GetFailoverUnit(r.FailoverUnitID); ok {
		r.Epoch = fu.CurrentEpoch
	}
	return r
}

// deleteOrphan tells a node to drop a replica the FM does not track
func (fm *FailoverManager) deleteOrphan(r message.FailoverUnitReplica) {
	node, ok := fm.GetNode(r.Replica.Node.NodeID)
	if !ok {
		return
	}
	body := message.ConfigurationBody{
		FailoverUnitID: r.FailoverUnitID,
		ServiceName:    r.ServiceName,
		Epoch:          r.Epoch,
		Target:         r.Replica,
	}
	msg, err := message.New(message.ActionDeleteReplica, body)
	if err != nil {
		fm.logger.Error().Err(err).Str("replica", r.Key()).Msg("Failed to build DeleteReplica")
		return
	}
	fm.sendAsync(node.Address, []*message.Message{msg})
}

// retireUnreportedReplicas runs NodeUp without reports against every unit
// holding a replica of an older instance of the node, dropping replicas the
// restarted node did not upload
func (fm *FailoverManager) retireUnreportedReplicas(ctx context.Context, from string) {
	node, ok := fm.nodeByAddress(from)
	if !ok || !node.IsUp() {
		return
	}
	for _, fu := range fm.cache.FailoverUnits() {
		if fu.ID.IsFM() {
			continue
		}
		r := fu.GetReplica(node.ID())
		if r == nil || r.Node.InstanceID >= node.Instance.InstanceID {
			continue
		}
		input := failover.NodeUp{Node: node.Instance}
		if _, err := fm.cache.ProcessFailoverUnitInput(ctx, fu.ID, input); err != nil {
			fm.logger.Warn().Err(err).
				Str("failover_unit_id", fu.ID.String()).
				Str("node_id", node.ID()).
				Msg("Failed to retire replica of restarted node")
		}
	}
}
