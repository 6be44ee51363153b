package fmmessage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fassert "github.com/cuemby/failover/pkg/assert"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

type sentMessage struct {
	id  types.FailoverUnitID
	msg *message.Message
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	fail     error
	failNext int
}

func (s *fakeSender) SendToFM(ctx context.Context, id types.FailoverUnitID, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.Wrap(errcode.ErrUnreachable, "fm")
	}
	s.sent = append(s.sent, sentMessage{id: id, msg: msg.Clone()})
	return nil
}

func (s *fakeSender) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *fakeSender) take() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func entry(stage Stage, id types.FailoverUnitID, nodeID string, state types.ReplicaState) Entry {
	return Entry{
		Stage: stage,
		Replica: message.FailoverUnitReplica{
			FailoverUnitID: id,
			Epoch:          types.InitialEpoch,
			Replica: message.ReplicaDescription{
				Node:      types.NodeInstance{NodeID: nodeID, InstanceID: 1},
				ReplicaID: 1,
				State:     state,
			},
		},
	}
}

func replicaUpBody(t *testing.T, m *message.Message) message.ReplicaUpMessageBody {
	t.Helper()
	require.Equal(t, message.ActionReplicaUp, m.Action)
	var body message.ReplicaUpMessageBody
	require.NoError(t, m.Decode(&body))
	return body
}

// ackAll builds the reply the FM sends for a ReplicaUp message
func ackAll(t *testing.T, m *message.Message) *message.Message {
	t.Helper()
	body := replicaUpBody(t, m)
	reply, err := message.Reply(m, message.ActionReplicaUpReply, message.ReplicaUpReplyBody{
		Replicas:        body.Replicas,
		DroppedReplicas: body.DroppedReplicas,
	})
	require.NoError(t, err)
	reply.IsLast = m.IsLast
	return reply
}

func testConfig(maxPerMessage int) *config.Component {
	cfg := config.Default()
	cfg.MessageRetry.MinimumIntervalBetweenWork = time.Second
	cfg.MessageRetry.RetryInterval = time.Second
	cfg.MessageRetry.MaxReplicasPerMessage = maxPerMessage
	return config.NewComponent(cfg)
}

func newComponent(t *testing.T, maxPerMessage int) (*RetryComponent, *fakeSender, *clock.Mock) {
	t.Helper()
	sender := &fakeSender{}
	mock := clock.NewMock()
	c := NewRetryComponent("test", sender, testConfig(maxPerMessage), mock)
	t.Cleanup(c.Close)
	return c, sender, mock
}

func TestBuilderFinalizeReportsItsOwnFailure(t *testing.T) {
	sender := &fakeSender{failNext: 1}
	b := NewBuilder(context.Background(), sender, "activity")

	require.NoError(t, b.Send(entry(StageReplicaUp, types.NewFailoverUnitID(), "N1", types.ReplicaStateSecondary)))
	assert.True(t, errors.Is(b.Finalize(false), errcode.ErrUnreachable))

	// a later batch that goes out is not failed by the earlier one
	require.NoError(t, b.Send(entry(StageReplicaUp, types.NewFailoverUnitID(), "N1", types.ReplicaStateSecondary)))
	assert.NoError(t, b.Finalize(false))
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, b.Sent())
}

func TestBuilderCoalescesReplicaReports(t *testing.T) {
	sender := &fakeSender{}
	id := types.NewFailoverUnitID()
	b := NewBuilder(context.Background(), sender, "activity")

	require.NoError(t, b.Send(entry(StageReplicaUp, id, "N1", types.ReplicaStateSecondary)))
	require.NoError(t, b.Send(entry(StageReplicaDown, id, "N2", types.ReplicaStateDown)))
	require.NoError(t, b.Send(entry(StageReplicaDropped, id, "N3", types.ReplicaStateDropped)))
	assert.Equal(t, 0, sender.count(), "nothing sent before Finalize")

	require.NoError(t, b.Finalize(false))
	sent := sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "activity", sent[0].msg.ActivityID)
	assert.False(t, sent[0].msg.IsLast)

	body := replicaUpBody(t, sent[0].msg)
	assert.Len(t, body.Replicas, 2)
	require.Len(t, body.DroppedReplicas, 1)
	assert.Equal(t, "N3", body.DroppedReplicas[0].Replica.Node.NodeID)
}

func TestBuilderSendsEndpointImmediately(t *testing.T) {
	sender := &fakeSender{}
	id := types.NewFailoverUnitID()
	b := NewBuilder(context.Background(), sender, "activity")

	e := entry(StageEndpointAvailable, id, "N1", types.ReplicaStatePrimary)
	e.Replica.Replica.Endpoint = "tcp://n1:20000"
	require.NoError(t, b.Send(e))

	sent := sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, message.ActionReplicaEndpointUpdated, sent[0].msg.Action)
	var body message.ReplicaEndpointBody
	require.NoError(t, sent[0].msg.Decode(&body))
	assert.Equal(t, "tcp://n1:20000", body.Replica.Replica.Endpoint)

	require.NoError(t, b.Finalize(false))
	assert.Equal(t, 0, sender.count(), "no empty ReplicaUp")
}

func TestBuilderRoutesFMPartitionSeparately(t *testing.T) {
	sender := &fakeSender{}
	b := NewBuilder(context.Background(), sender, "activity")

	require.NoError(t, b.Send(entry(StageReplicaUpload, types.FMFailoverUnitID, "N1", types.ReplicaStateSecondary)))
	require.NoError(t, b.Send(entry(StageReplicaUpload, types.NewFailoverUnitID(), "N1", types.ReplicaStateSecondary)))
	require.NoError(t, b.Finalize(true))

	sent := sender.take()
	require.Len(t, sent, 2)
	assert.True(t, sent[0].id.IsFM())
	assert.False(t, sent[0].msg.IsLast, "the FM partition is not part of an upload")
	assert.False(t, sent[1].id.IsFM())
	assert.True(t, sent[1].msg.IsLast)
}

func TestBuilderUnknownStage(t *testing.T) {
	b := NewBuilder(context.Background(), &fakeSender{}, "activity")
	e := entry(StageNone, types.NewFailoverUnitID(), "N1", types.ReplicaStateIdle)

	err := b.Send(e)
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))

	fassert.EnableTestAssert(true)
	defer fassert.EnableTestAssert(false)
	require.Panics(t, func() { _ = b.Send(e) })
}

func TestEntriesStayPendingUntilAcked(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()
	c.Enqueue(entry(StageReplicaUp, id, "N1", types.ReplicaStateSecondary))

	// the reply is lost: every cycle resends
	for i := 0; i < 3; i++ {
		c.OnBgmrRetry("cycle")
		sent := sender.take()
		require.Len(t, sent, 1)
		assert.Len(t, replicaUpBody(t, sent[0].msg).Replicas, 1)
	}
	require.Len(t, c.PendingEntries(), 1)

	c.OnBgmrRetry("cycle")
	sent := sender.take()
	require.Len(t, sent, 1)
	_, err := c.ProcessReplicaUpReply(ackAll(t, sent[0].msg))
	require.NoError(t, err)
	assert.Empty(t, c.PendingEntries())

	c.OnBgmrRetry("cycle")
	assert.Equal(t, 0, sender.count())
}

func TestFailedSendIsRetried(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()
	c.Enqueue(entry(StageReplicaDown, id, "N1", types.ReplicaStateDown))

	sender.setFail(errors.Wrap(errcode.ErrUnreachable, "fm"))
	c.OnBgmrRetry("cycle")
	assert.Len(t, c.PendingEntries(), 1)

	sender.setFail(nil)
	c.OnBgmrRetry("cycle")
	sent := sender.take()
	require.Len(t, sent, 1)
	body := replicaUpBody(t, sent[0].msg)
	require.Len(t, body.Replicas, 1)
	assert.Equal(t, types.ReplicaStateDown, body.Replicas[0].Replica.State)
}

func TestStaleAckKeepsNewerReport(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()

	c.Enqueue(entry(StageReplicaUp, id, "N1", types.ReplicaStateSecondary))
	c.OnBgmrRetry("cycle")
	first := sender.take()
	require.Len(t, first, 1)

	// the replica goes down before the FM answered the first report
	c.Enqueue(entry(StageReplicaDown, id, "N1", types.ReplicaStateDown))
	_, err := c.ProcessReplicaUpReply(ackAll(t, first[0].msg))
	require.NoError(t, err)

	pending := c.PendingEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, types.ReplicaStateDown, pending[0].Replica.Replica.State)

	c.OnBgmrRetry("cycle")
	second := sender.take()
	require.Len(t, second, 1)
	body := replicaUpBody(t, second[0].msg)
	require.Len(t, body.Replicas, 1)
	assert.Equal(t, types.ReplicaStateDown, body.Replicas[0].Replica.State, "latest state delivered")

	_, err = c.ProcessReplicaUpReply(ackAll(t, second[0].msg))
	require.NoError(t, err)
	assert.Empty(t, c.PendingEntries())
}

func TestStaleEpochEntriesAreReturned(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()
	c.Enqueue(entry(StageReplicaUp, id, "N1", types.ReplicaStateSecondary))
	c.OnBgmrRetry("cycle")
	sent := sender.take()
	require.Len(t, sent, 1)

	stale := replicaUpBody(t, sent[0].msg).Replicas[0]
	stale.Epoch = types.Epoch{DataLossVersion: 1, ConfigurationVersion: 3}
	reply, err := message.Reply(sent[0].msg, message.ActionReplicaUpReply, message.ReplicaUpReplyBody{
		StaleReplicas: []message.FailoverUnitReplica{stale},
	})
	require.NoError(t, err)

	got, err := c.ProcessReplicaUpReply(reply)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Epoch.ConfigurationVersion)
	assert.Len(t, c.PendingEntries(), 1, "not acknowledged")
}

func TestEndpointAckMatchesSequence(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()
	c.Enqueue(entry(StageEndpointAvailable, id, "N1", types.ReplicaStatePrimary))
	c.OnBgmrRetry("cycle")

	sent := sender.take()
	require.Len(t, sent, 1)
	var body message.ReplicaEndpointBody
	require.NoError(t, sent[0].msg.Decode(&body))

	reply, err := message.Reply(sent[0].msg, message.ActionReplicaEndpointUpdatedReply, body)
	require.NoError(t, err)
	require.NoError(t, c.ProcessEndpointUpdatedReply(reply))
	assert.Empty(t, c.PendingEntries())
}

func TestUploadBatchesAndIsLast(t *testing.T) {
	c, sender, _ := newComponent(t, 2)
	c.BeginUpload()
	for i := 0; i < 3; i++ {
		c.Enqueue(entry(StageReplicaUpload, types.NewFailoverUnitID(), "N9", types.ReplicaStateSecondary))
	}
	assert.True(t, c.IsUploading())

	// three upload entries do not fit in one message of two
	c.OnBgmrRetry("upload")
	sent := sender.take()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].msg.IsLast)
	assert.Len(t, replicaUpBody(t, sent[0].msg).Replicas, 2)
	_, err := c.ProcessReplicaUpReply(ackAll(t, sent[0].msg))
	require.NoError(t, err)
	assert.True(t, c.IsUploading())

	c.OnBgmrRetry("upload")
	sent = sender.take()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].msg.IsLast)
	assert.Len(t, replicaUpBody(t, sent[0].msg).Replicas, 1)
	_, err = c.ProcessReplicaUpReply(ackAll(t, sent[0].msg))
	require.NoError(t, err)
	assert.False(t, c.IsUploading())
	assert.Empty(t, c.PendingEntries())
}

func TestEmptyUploadStillSendsIsLast(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	c.BeginUpload()

	c.OnBgmrRetry("upload")
	sent := sender.take()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].msg.IsLast)
	body := replicaUpBody(t, sent[0].msg)
	assert.True(t, body.IsEmpty())

	_, err := c.ProcessReplicaUpReply(ackAll(t, sent[0].msg))
	require.NoError(t, err)
	assert.False(t, c.IsUploading())
}

func TestChangeDuringUploadStaysInUpload(t *testing.T) {
	c, _, _ := newComponent(t, 10)
	id := types.NewFailoverUnitID()
	c.BeginUpload()
	c.Enqueue(entry(StageReplicaUpload, id, "N1", types.ReplicaStateSecondary))
	c.Enqueue(entry(StageReplicaDown, id, "N1", types.ReplicaStateDown))

	pending := c.PendingEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, StageReplicaUpload, pending[0].Stage)
	assert.Equal(t, types.ReplicaStateDown, pending[0].Replica.Replica.State)
}

func TestBackgroundWorkDrivesRetries(t *testing.T) {
	c, sender, mock := newComponent(t, 10)
	c.Enqueue(entry(StageReplicaUp, types.NewFailoverUnitID(), "N1", types.ReplicaStateSecondary))

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return sender.count() == 1 && !c.bgm.IsRunning() }, time.Second, 5*time.Millisecond)

	// unacknowledged: the retry interval brings it back
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestClosedComponentIgnoresEntries(t *testing.T) {
	c, sender, _ := newComponent(t, 10)
	c.Close()

	assert.Equal(t, int64(0), c.Enqueue(entry(StageReplicaUp, types.NewFailoverUnitID(), "N1", types.ReplicaStateSecondary)))
	c.OnBgmrRetry("cycle")
	assert.Equal(t, 0, sender.count())
}
