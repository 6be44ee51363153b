package fmmessage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/assert"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

// Stage is the kind of change an entry reports to the FM
type Stage string

const (
	StageNone              Stage = "none"
	StageReplicaUp         Stage = "replica_up"
	StageReplicaUpload     Stage = "replica_upload"
	StageReplicaDown       Stage = "replica_down"
	StageReplicaDropped    Stage = "replica_dropped"
	StageEndpointAvailable Stage = "endpoint_available"
)

// Entry is one replica change waiting to reach the FM
type Entry struct {
	Stage   Stage
	Replica message.FailoverUnitReplica
}

// Sender delivers one-way messages to the FM owning a failover unit.
// *transport.FMTransport implements it.
type Sender interface {
	SendToFM(ctx context.Context, id types.FailoverUnitID, msg *message.Message) error
}

// Builder turns entries into messages. Replica reports are coalesced into
// one ReplicaUp message per destination until Finalize; endpoint updates
// go out one message each as soon as they are added.
type Builder struct {
	ctx        context.Context
	sender     Sender
	activityID string

	fm  message.ReplicaUpMessageBody
	fmm message.ReplicaUpMessageBody

	sent int
}

// NewBuilder creates a builder whose messages carry activityID
func NewBuilder(ctx context.Context, sender Sender, activityID string) *Builder {
	return &Builder{ctx: ctx, sender: sender, activityID: activityID}
}

func (b *Builder) body(id types.FailoverUnitID) *message.ReplicaUpMessageBody {
	if id.IsFM() {
		return &b.fmm
	}
	return &b.fm
}

// Send adds e to the pending ReplicaUp body or sends it right away
func (b *Builder) Send(e Entry) error {
	switch e.Stage {
	case StageReplicaDown, StageReplicaUpload, StageReplicaUp:
		body := b.body(e.Replica.FailoverUnitID)
		body.Replicas = append(body.Replicas, e.Replica)
		return nil

	case StageReplicaDropped:
		body := b.body(e.Replica.FailoverUnitID)
		body.DroppedReplicas = append(body.DroppedReplicas, e.Replica)
		return nil

	case StageEndpointAvailable:
		msg, err := message.NewWithActivity(message.ActionReplicaEndpointUpdated, b.activityID,
			message.ReplicaEndpointBody{Replica: e.Replica})
		if err != nil {
			return err
		}
		return b.send(e.Replica.FailoverUnitID, msg)

	default:
		assert.TestAssert("unknown message stage %q for %s", e.Stage, e.Replica.Key())
		return errors.Wrapf(errcode.ErrInvalidArgument, "unknown message stage %q", e.Stage)
	}
}

// Finalize sends the coalesced ReplicaUp messages and returns the first
// error of this call. isLast marks the end of a node's upload; the FM
// partition is never part of an upload.
func (b *Builder) Finalize(isLast bool) error {
	var err error
	if !b.fmm.IsEmpty() {
		err = b.sendReplicaUp(types.FMFailoverUnitID, b.fmm, false)
	}
	if !b.fm.IsEmpty() || isLast {
		if ferr := b.sendReplicaUp(types.FailoverUnitID{}, b.fm, isLast); err == nil {
			err = ferr
		}
	}
	b.fm = message.ReplicaUpMessageBody{}
	b.fmm = message.ReplicaUpMessageBody{}
	return err
}

func (b *Builder) sendReplicaUp(id types.FailoverUnitID, body message.ReplicaUpMessageBody, isLast bool) error {
	msg, err := message.NewWithActivity(message.ActionReplicaUp, b.activityID, body)
	if err != nil {
		return err
	}
	msg.IsLast = isLast
	return b.send(id, msg)
}

func (b *Builder) send(id types.FailoverUnitID, msg *message.Message) error {
	if err := b.sender.SendToFM(b.ctx, id, msg); err != nil {
		return err
	}
	b.sent++
	return nil
}

// Sent is the number of messages delivered to the sender so far
func (b *Builder) Sent() int {
	return b.sent
}
