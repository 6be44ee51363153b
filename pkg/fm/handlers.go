package fm

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/jobqueue"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/transport"
)

// fabricUpgradeKey serializes every fabric upgrade message
const fabricUpgradeKey = "fabric-upgrade"

// processFunc handles a message from a job queue worker. A returned error
// has not been answered yet: retryable errors queue the message again and
// the rest reject it.
type processFunc func(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) error

func (fm *FailoverManager) registerHandlers() {
	fm.register(message.ActionNodeUp, nodeKey, fm.handleNodeUp)
	fm.register(message.ActionNodeHeartbeat, nodeKey, fm.handleHeartbeat)
	fm.register(message.ActionReplicaUp, senderKey, fm.handleReplicaUp)
	fm.register(message.ActionReplicaEndpointUpdated, replicaKey, fm.handleEndpointUpdated)
	fm.register(message.ActionLoadReport, replicaKey, fm.handleLoadReport)
	fm.register(message.ActionReconfigurationComplete, failoverUnitKey, fm.handleReconfigurationComplete)
	fm.register(message.ActionNodeFabricUpgradeReply, fixedKey(fabricUpgradeKey), fm.handleNodeFabricUpgradeReply)
	fm.register(message.ActionFabricUpgradeRequest, fixedKey(fabricUpgradeKey), fm.handleFabricUpgradeRequest)
	fm.register(message.ActionPLBSafetyCheck, applicationKey, fm.handlePLBSafetyCheck)
	fm.register(message.ActionQueryFailoverUnits, fixedKey(""), fm.handleQueryFailoverUnits)
	fm.register(message.ActionCreateFailoverUnit, serviceKey, fm.handleCreateFailoverUnit)
}

// register installs a transport handler that queues the message as a timed
// job item
func (fm *FailoverManager) register(action message.Action, key func(*message.Message, transport.ReceiverContext) string, process processFunc) {
	fm.transport.RegisterHandler(action, func(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
		fm.enqueue(&jobMessage{action: action, key: key(msg, rc), msg: msg, rc: rc, process: process})
	})
}

// jobMessage is a received message on its way through the job queue
type jobMessage struct {
	action  message.Action
	key     string
	msg     *message.Message
	rc      transport.ReceiverContext
	process processFunc
	attempt int
}

// enqueue queues j as a timed job item. A full queue answers ServiceBusy
// and an item that waited too long answers Timeout.
func (fm *FailoverManager) enqueue(j *jobMessage) {
	timeout := fm.cfg.Get().JobQueue.ItemTimeout
	item := jobqueue.NewTimedItem(j.key, timeout, func(root *FailoverManager) {
		root.run(j, timeout)
	}).WithTimeoutHandler(func(*FailoverManager) {
		_ = j.rc.Reject(errors.Wrapf(errcode.ErrTimeout, "%s waited longer than %s", j.action, timeout))
	}).WithQueueFullHandler(func(_ *FailoverManager, size int) {
		_ = j.rc.Reject(errors.Wrapf(errcode.ErrServiceBusy, "%d messages queued", size))
	}).WithClosedHandler(func(root *FailoverManager) {
		_ = j.rc.Reject(root.closedError())
	})

	if err := fm.queue.Enqueue(item); errors.Is(err, errcode.ErrObjectClosed) {
		_ = j.rc.Reject(fm.closedError())
	}
}

func (fm *FailoverManager) run(j *jobMessage, timeout time.Duration) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(fm.ctx, timeout)
	err := j.process(ctx, j.msg, j.rc)
	cancel()
	timer.ObserveDurationVec(metrics.MessageHandlingDuration, string(j.action))
	if err == nil {
		return
	}

	logger := fm.logger.With().
		Err(err).
		Str("action", string(j.action)).
		Str("from", j.rc.From()).
		Int("attempt", j.attempt).
		Logger()

	// the key is still held by this item, so the retry runs before later
	// messages of the same key
	if errcode.IsRetryable(err) && j.attempt < fm.cfg.Get().JobQueue.MaxRetryCount && !fm.isClosed() {
		logger.Debug().Msg("Retrying message")
		j.attempt++
		fm.enqueue(j)
		return
	}
	logger.Debug().Msg("Message dropped")
	_ = j.rc.Reject(err)
}

func fixedKey(key string) func(*message.Message, transport.ReceiverContext) string {
	return func(*message.Message, transport.ReceiverContext) string { return key }
}

func nodeKey(msg *message.Message, rc transport.ReceiverContext) string {
	var body message.HeartbeatBody
	if err := msg.Decode(&body); err == nil && body.Node.NodeID != "" {
		return "node/" + body.Node.NodeID
	}
	return senderKey(msg, rc)
}

func senderKey(_ *message.Message, rc transport.ReceiverContext) string {
	return "sender/" + rc.From()
}

func replicaKey(msg *message.Message, rc transport.ReceiverContext) string {
	var body message.ReplicaEndpointBody
	if err := msg.Decode(&body); err == nil {
		return "fu/" + body.Replica.FailoverUnitID.String()
	}
	return senderKey(msg, rc)
}

func failoverUnitKey(msg *message.Message, rc transport.ReceiverContext) string {
	var body message.ReconfigurationCompleteBody
	if err := msg.Decode(&body); err == nil {
		return "fu/" + body.FailoverUnitID.String()
	}
	return senderKey(msg, rc)
}

func applicationKey(msg *message.Message, rc transport.ReceiverContext) string {
	var body message.PLBSafetyCheckBody
	if err := msg.Decode(&body); err == nil && body.ApplicationID != "" {
		return "app/" + body.ApplicationID
	}
	return senderKey(msg, rc)
}

func serviceKey(msg *message.Message, rc transport.ReceiverContext) string {
	var body message.CreateFailoverUnitBody
	if err := msg.Decode(&body); err == nil && body.ServiceName != "" {
		return "service/" + body.ServiceName
	}
	return senderKey(msg, rc)
}

func (fm *FailoverManager) reply(rc transport.ReceiverContext, msg *message.Message, action message.Action, body interface{}) {
	reply, err := message.Reply(msg, action, body)
	if err != nil {
		_ = rc.Reject(err)
		return
	}
	if err := rc.Reply(reply); err != nil {
		fm.logger.Debug().Err(err).Str("action", string(action)).Str("to", rc.From()).Msg("Failed to send reply")
	}
}

func (fm *FailoverManager) ack(rc transport.ReceiverContext, msg *message.Message, err error) {
	if err != nil {
		_ = rc.Reject(err)
		return
	}
	fm.reply(rc, msg, message.ActionAck, nil)
}

func (fm *FailoverManager) handleNodeUp(_ context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.NodeUpBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if body.Address == "" {
		body.Address = rc.From()
	}
	ack, err := fm.ProcessNodeUp(body)
	if err != nil {
		return err
	}
	fm.reply(rc, msg, message.ActionNodeUpAck, ack)
	return nil
}

func (fm *FailoverManager) handleHeartbeat(_ context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.HeartbeatBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if err := fm.ProcessHeartbeat(body.Node); err != nil {
		return err
	}
	fm.ack(rc, msg, nil)
	return nil
}

func (fm *FailoverManager) handleReplicaUp(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.ReplicaUpMessageBody
	if err := msg.Decode(&body); err != nil && !msg.IsLast {
		return err
	}
	reply := fm.ProcessReplicaUp(ctx, rc.From(), body, msg.IsLast)
	r, err := message.Reply(msg, message.ActionReplicaUpReply, reply)
	if err != nil {
		return err
	}
	r.IsLast = msg.IsLast
	if err := rc.Reply(r); err != nil {
		fm.logger.Debug().Err(err).Str("to", rc.From()).Msg("Failed to send ReplicaUp reply")
	}
	return nil
}

func (fm *FailoverManager) handleEndpointUpdated(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.ReplicaEndpointBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	r := body.Replica
	input := failover.EndpointAvailable{Report: report(r)}
	if _, err := fm.cache.ProcessFailoverUnitInput(ctx, r.FailoverUnitID, input); err != nil && !isFinal(err) {
		return err
	}
	// stale or unknown endpoints are acknowledged too; the next ReplicaUp carries the endpoint again
	fm.reply(rc, msg, message.ActionReplicaEndpointUpdatedReply, body)
	return nil
}

func (fm *FailoverManager) handleLoadReport(ctx context.Context, msg *message.Message, _ transport.ReceiverContext) error {
	var body message.LoadReportBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	input := failover.LoadReport{Report: report(body.Replica), Load: body.Load}
	_, err := fm.cache.ProcessFailoverUnitInput(ctx, body.Replica.FailoverUnitID, input)
	return err
}

func (fm *FailoverManager) handleReconfigurationComplete(ctx context.Context, msg *message.Message, _ transport.ReceiverContext) error {
	var body message.ReconfigurationCompleteBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	input := failover.ReconfigurationComplete{Node: body.Node, Epoch: body.Epoch}
	if _, err := fm.cache.ProcessFailoverUnitInput(ctx, body.FailoverUnitID, input); err != nil {
		return errors.Wrapf(err, "reconfiguration of %s at %s", body.FailoverUnitID, body.Epoch)
	}
	return nil
}

func (fm *FailoverManager) handleNodeFabricUpgradeReply(_ context.Context, msg *message.Message, _ transport.ReceiverContext) error {
	var body message.NodeFabricUpgradeReplyBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if err := fm.recordFabricVersion(body.Node, body.FabricVersion); err != nil {
		return errors.Wrapf(err, "fabric version of %s", body.Node.NodeID)
	}
	fm.upgrade.ProcessNodeFabricUpgradeReplyAsync(fm.ctx, body).Then(func(err error) {
		if err != nil {
			fm.logger.Debug().Err(err).Str("node_id", body.Node.NodeID).Msg("Fabric upgrade reply not applied")
		}
	})
	return nil
}

func (fm *FailoverManager) handleFabricUpgradeRequest(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.FabricUpgradeRequestBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if err := fm.upgrade.ProcessFabricUpgrade(ctx, body.Upgrade); err != nil {
		return err
	}
	fm.ack(rc, msg, nil)
	return nil
}

func (fm *FailoverManager) handlePLBSafetyCheck(_ context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.PLBSafetyCheckBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	// the commit retries outlive the job item; answer when it completes
	fm.cache.BeginProcessPLBSafetyCheck(fm.ctx, body.ApplicationID).Then(func(err error) {
		fm.ack(rc, msg, err)
	})
	return nil
}

func (fm *FailoverManager) handleQueryFailoverUnits(_ context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.QueryFailoverUnitsBody
	if len(msg.Body) > 0 {
		if err := msg.Decode(&body); err != nil {
			return err
		}
	}
	units, version := fm.cache.ChangedFailoverUnits(body.Since)
	fm.reply(rc, msg, message.ActionAck, message.QueryFailoverUnitsReplyBody{Version: version, FailoverUnits: units})
	return nil
}

func (fm *FailoverManager) handleCreateFailoverUnit(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) error {
	var body message.CreateFailoverUnitBody
	if err := msg.Decode(&body); err != nil {
		return err
	}
	if body.ServiceName == "" {
		return errors.Wrap(errcode.ErrInvalidArgument, "service name is required")
	}
	id, err := fm.CreateFailoverUnit(ctx, body.ServiceName, body.ApplicationID, body.TargetReplicaSetSize, body.MinReplicaSetSize)
	if err != nil {
		return err
	}
	fm.reply(rc, msg, message.ActionAck, message.CreateFailoverUnitReplyBody{FailoverUnitID: id})
	return nil
}

// report converts a wire replica report into a state machine report
func report(r message.FailoverUnitReplica) failover.ReplicaReport {
	return failover.ReplicaReport{
		Node:       r.Replica.Node,
		ReplicaID:  r.Replica.ReplicaID,
		InstanceID: r.Replica.InstanceID,
		State:      r.Replica.State,
		Epoch:      r.Epoch,
		Endpoint:   r.Replica.Endpoint,
	}
}

// isFinal reports errors that retrying the same report cannot fix
func isFinal(err error) bool {
	return isStale(err) || errors.Is(err, errcode.ErrNotFound)
}
