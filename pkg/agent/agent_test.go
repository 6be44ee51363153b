package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

const fmAddr = "fm:19000"

// fakeFM accepts every node and acknowledges every replica report unless
// told otherwise
type fakeFM struct {
	t *transport.InmemTransport

	mu        sync.Mutex
	received  []*message.Message
	heartbeat error
	staleOnce *types.Epoch
}

func newFakeFM(network *transport.InmemNetwork) *fakeFM {
	f := &fakeFM{t: network.NewTransport(fmAddr)}
	f.t.RegisterHandler(message.ActionNodeUp, func(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
		f.record(msg)
		reply, _ := message.Reply(msg, message.ActionNodeUpAck, message.NodeUpAckBody{Activated: true})
		_ = rc.Reply(reply)
	})
	f.t.RegisterHandler(message.ActionNodeHeartbeat, func(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
		f.record(msg)
		f.mu.Lock()
		err := f.heartbeat
		f.mu.Unlock()
		if err != nil {
			_ = rc.Reject(err)
			return
		}
		reply, _ := message.Reply(msg, message.ActionAck, nil)
		_ = rc.Reply(reply)
	})
	f.t.RegisterHandler(message.ActionReplicaUp, func(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
		f.record(msg)
		var body message.ReplicaUpMessageBody
		_ = msg.Decode(&body)

		reply := message.ReplicaUpReplyBody{DroppedReplicas: body.DroppedReplicas}
		f.mu.Lock()
		stale := f.staleOnce
		f.staleOnce = nil
		f.mu.Unlock()
		for _, r := range body.Replicas {
			if stale != nil {
				r.Epoch = *stale
				reply.StaleReplicas = append(reply.StaleReplicas, r)
				continue
			}
			reply.Replicas = append(reply.Replicas, r)
		}
		m, _ := message.Reply(msg, message.ActionReplicaUpReply, reply)
		m.IsLast = msg.IsLast
		_ = rc.Reply(m)
	})
	f.t.RegisterHandler(message.ActionReplicaEndpointUpdated, func(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
		f.record(msg)
		var body message.ReplicaEndpointBody
		_ = msg.Decode(&body)
		reply, _ := message.Reply(msg, message.ActionReplicaEndpointUpdatedReply, body)
		_ = rc.Reply(reply)
	})
	for _, action := range []message.Action{
		message.ActionReconfigurationComplete,
		message.ActionNodeFabricUpgradeReply,
	} {
		f.t.RegisterHandler(action, func(_ context.Context, msg *message.Message, _ transport.ReceiverContext) {
			f.record(msg)
		})
	}
	return f
}

type nopReceiver struct{}

func (nopReceiver) From() string                 { return fmAddr }
func (nopReceiver) Reply(*message.Message) error { return nil }
func (nopReceiver) Reject(error) error           { return nil }

func (f *fakeFM) record(msg *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeFM) all(action message.Action) []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Message
	for _, m := range f.received {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

// replicaReports returns every replica carried by ReplicaUp messages
func (f *fakeFM) replicaReports(t *testing.T) []message.FailoverUnitReplica {
	t.Helper()
	var out []message.FailoverUnitReplica
	for _, m := range f.all(message.ActionReplicaUp) {
		var body message.ReplicaUpMessageBody
		require.NoError(t, m.Decode(&body))
		out = append(out, body.Replicas...)
		out = append(out, body.DroppedReplicas...)
	}
	return out
}

func (f *fakeFM) send(t *testing.T, to string, action message.Action, body interface{}) {
	t.Helper()
	msg, err := message.New(action, body)
	require.NoError(t, err)
	require.NoError(t, f.t.SendOneWay(context.Background(), to, msg))
}

func testConfig() *config.Component {
	cfg := config.Default()
	cfg.MessageRetry.MinimumIntervalBetweenWork = 0
	cfg.MessageRetry.RetryInterval = 50 * time.Millisecond
	cfg.Agent.HeartbeatInterval = time.Hour
	cfg.Agent.RequestTimeout = 2 * time.Second
	return config.NewComponent(cfg)
}

func newAgent(t *testing.T, network *transport.InmemNetwork, id, dataDir string) *Agent {
	t.Helper()
	tr := network.NewTransport(id + ":19000")
	a, err := New(Options{
		NodeID:        id,
		UpgradeDomain: "ud1",
		DataDir:       dataDir,
		Transport:     tr,
		FMAddress:     fmAddr,
		Config:        testConfig(),
		FabricVersion: types.FabricVersionInstance{Version: "1.0", InstanceID: 1},
	})
	require.NoError(t, err)
	return a
}

func openAgent(t *testing.T, network *transport.InmemNetwork, id, dataDir string) *Agent {
	t.Helper()
	a := newAgent(t, network, id, dataDir)
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func addReplica(id types.FailoverUnitID, node types.NodeInstance, epoch types.Epoch) message.ConfigurationBody {
	return message.ConfigurationBody{
		FailoverUnitID: id,
		ServiceName:    "fabric:/app/svc",
		Epoch:          epoch,
		Target:         message.ReplicaDescription{Node: node, ReplicaID: 1, InstanceID: 1, State: types.ReplicaStateBuilding},
	}
}

func awaitPendingEmpty(t *testing.T, a *Agent) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(a.PendingReports()) == 0 && !a.retry.IsUploading()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenRegistersAndUploads(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	nodeUps := fm.all(message.ActionNodeUp)
	require.Len(t, nodeUps, 1)
	var body message.NodeUpBody
	require.NoError(t, nodeUps[0].Decode(&body))
	assert.Equal(t, types.NodeInstance{NodeID: "n1", InstanceID: 1}, body.Node)
	assert.Equal(t, "n1:19000", body.Address)
	assert.Equal(t, "ud1", body.UpgradeDomain)

	awaitPendingEmpty(t, a)
	uploads := fm.all(message.ActionReplicaUp)
	require.NotEmpty(t, uploads)
	assert.True(t, uploads[0].IsLast)
}

func TestOpenFailsWhenFMUnreachable(t *testing.T) {
	network := transport.NewInmemNetwork()
	a := newAgent(t, network, "n1", "")
	defer a.Close()

	err := a.Open(context.Background())
	assert.ErrorIs(t, err, errcode.ErrUnreachable)
}

func TestAddReplicaIsBuiltAndReported(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")
	awaitPendingEmpty(t, a)

	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))

	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	awaitPendingEmpty(t, a)

	var found bool
	for _, r := range fm.replicaReports(t) {
		if r.FailoverUnitID == id {
			found = true
			assert.Equal(t, types.ReplicaStateIdle, r.Replica.State)
			assert.Equal(t, types.InitialEpoch, r.Epoch)
		}
	}
	assert.True(t, found)
}

func TestDoReconfigurationRepliesComplete(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))
	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	next := types.InitialEpoch.NextConfiguration()
	self := message.ReplicaDescription{Node: a.Node(), ReplicaID: 1, InstanceID: 1, State: types.ReplicaStatePrimary}
	fm.send(t, "n1:19000", message.ActionDoReconfiguration, message.ConfigurationBody{
		FailoverUnitID: id,
		Epoch:          next,
		Target:         self,
		Replicas:       []message.ReplicaDescription{self},
	})

	require.Eventually(t, func() bool {
		return len(fm.all(message.ActionReconfigurationComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	var complete message.ReconfigurationCompleteBody
	require.NoError(t, fm.all(message.ActionReconfigurationComplete)[0].Decode(&complete))
	assert.Equal(t, next, complete.Epoch)
	assert.Equal(t, a.Node(), complete.Node)

	r, ok := a.Replica(id)
	require.True(t, ok)
	assert.Equal(t, types.ReplicaStatePrimary, r.State)
	assert.Equal(t, next, r.Epoch)
	assert.Len(t, r.Configuration, 1)
}

func TestOlderConfigurationIsIgnored(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	id := types.NewFailoverUnitID()
	later := types.InitialEpoch.NextConfiguration()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), later))
	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	msg, err := message.New(message.ActionUpdateConfiguration, message.ConfigurationBody{
		FailoverUnitID: id,
		Epoch:          types.InitialEpoch,
		Target:         message.ReplicaDescription{Node: a.Node(), ReplicaID: 1, State: types.ReplicaStateSecondary},
	})
	require.NoError(t, err)
	a.handler(message.ActionUpdateConfiguration)(context.Background(), msg, nopReceiver{})

	r, ok := a.Replica(id)
	require.True(t, ok)
	assert.Equal(t, types.ReplicaStateIdle, r.State)
	assert.Equal(t, later, r.Epoch)
}

func TestDeleteReplicaReportsDropped(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))
	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	fm.send(t, "n1:19000", message.ActionDeleteReplica, addReplica(id, a.Node(), types.InitialEpoch))
	require.Eventually(t, func() bool {
		for _, r := range fm.replicaReports(t) {
			if r.FailoverUnitID == id && r.Replica.State == types.ReplicaStateDropped {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := a.Replica(id)
	assert.False(t, ok)
}

func TestStaleReportIsResentAtFMEpoch(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")
	awaitPendingEmpty(t, a)

	fmEpoch := types.Epoch{DataLossVersion: 1, ConfigurationVersion: 4}
	fm.mu.Lock()
	fm.staleOnce = &fmEpoch
	fm.mu.Unlock()

	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))

	require.Eventually(t, func() bool {
		r, ok := a.Replica(id)
		return ok && r.Epoch == fmEpoch
	}, 5*time.Second, 10*time.Millisecond)
	awaitPendingEmpty(t, a)

	var resent bool
	for _, r := range fm.replicaReports(t) {
		if r.FailoverUnitID == id && r.Epoch == fmEpoch {
			resent = true
		}
	}
	assert.True(t, resent)
}

func TestReportsStayPendingUntilAcknowledged(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))
	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	awaitPendingEmpty(t, a)

	// replies are lost while the link back is cut
	network.Cut(fmAddr, "n1:19000")
	require.NoError(t, a.ReportEndpoint(id, "tcp://n1:3000"))
	require.NoError(t, a.ReportReplicaDown(id))

	require.Eventually(t, func() bool {
		return len(fm.all(message.ActionReplicaEndpointUpdated)) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.PendingReports(), 2)

	network.Heal(fmAddr, "n1:19000")
	awaitPendingEmpty(t, a)

	r, ok := a.Replica(id)
	require.True(t, ok)
	assert.Equal(t, types.ReplicaStateDown, r.State)
}

func TestNodeFabricUpgradeInstallsVersion(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	dir := t.TempDir()
	a := newAgent(t, network, "n1", dir)
	require.NoError(t, a.Open(context.Background()))

	upgrade := types.FabricUpgradeDescription{TargetVersion: "2.0", InstanceID: 2, UpgradeDomains: []string{"ud1"}}
	fm.send(t, "n1:19000", message.ActionNodeFabricUpgrade, message.NodeFabricUpgradeBody{Upgrade: upgrade})

	require.Eventually(t, func() bool {
		return len(fm.all(message.ActionNodeFabricUpgradeReply)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	var reply message.NodeFabricUpgradeReplyBody
	require.NoError(t, fm.all(message.ActionNodeFabricUpgradeReply)[0].Decode(&reply))
	assert.Equal(t, upgrade.VersionInstance(), reply.FabricVersion)
	assert.Equal(t, a.Node(), reply.Node)
	require.NoError(t, a.Close())

	// the installed version survives a restart
	restarted := openAgent(t, network, "n1", dir)
	assert.Equal(t, upgrade.VersionInstance(), restarted.FabricVersion())
}

func TestRestartUploadsHostedReplicas(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	dir := t.TempDir()

	a := newAgent(t, network, "n1", dir)
	require.NoError(t, a.Open(context.Background()))
	id := types.NewFailoverUnitID()
	fm.send(t, "n1:19000", message.ActionAddReplica, addReplica(id, a.Node(), types.InitialEpoch))
	require.Eventually(t, func() bool {
		_, ok := a.Replica(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Close())

	restarted := openAgent(t, network, "n1", dir)
	assert.Equal(t, types.NodeInstance{NodeID: "n1", InstanceID: 2}, restarted.Node())
	awaitPendingEmpty(t, restarted)

	var uploaded bool
	for _, m := range fm.all(message.ActionReplicaUp) {
		if !m.IsLast {
			continue
		}
		var body message.ReplicaUpMessageBody
		require.NoError(t, m.Decode(&body))
		for _, r := range body.Replicas {
			if r.FailoverUnitID == id && r.Replica.Node.InstanceID == 2 {
				uploaded = true
				assert.Equal(t, types.ReplicaStateIdle, r.Replica.State)
			}
		}
	}
	assert.True(t, uploaded)
}

func TestHeartbeatRejoinsWithNewInstance(t *testing.T) {
	network := transport.NewInmemNetwork()
	fm := newFakeFM(network)
	a := openAgent(t, network, "n1", "")

	a.heartbeat()
	assert.Equal(t, int64(1), a.Node().InstanceID)

	fm.mu.Lock()
	fm.heartbeat = errcode.ErrStaleRequest
	fm.mu.Unlock()
	a.heartbeat()

	assert.Equal(t, int64(2), a.Node().InstanceID)
	nodeUps := fm.all(message.ActionNodeUp)
	require.Len(t, nodeUps, 2)
	var body message.NodeUpBody
	require.NoError(t, nodeUps[1].Decode(&body))
	assert.Equal(t, int64(2), body.Node.InstanceID)
}

func TestClosedAgentRejectsReports(t *testing.T) {
	network := transport.NewInmemNetwork()
	newFakeFM(network)
	a := newAgent(t, network, "n1", "")
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.ReportEndpoint(types.NewFailoverUnitID(), "x"), errcode.ErrObjectClosed)
	assert.ErrorIs(t, a.Open(context.Background()), errcode.ErrObjectClosed)
}

func TestHealthFollowsRegistration(t *testing.T) {
	network := transport.NewInmemNetwork()
	newFakeFM(network)
	a := newAgent(t, network, "n1", t.TempDir())

	assert.False(t, a.IsLeader())
	assert.Empty(t, a.LeaderAddr())
	assert.NoError(t, a.Ping())

	require.NoError(t, a.Open(context.Background()))
	assert.Equal(t, fmAddr, a.LeaderAddr())
	assert.NoError(t, a.Ping())

	require.NoError(t, a.Close())
	assert.Empty(t, a.LeaderAddr())
	assert.ErrorIs(t, a.Ping(), errcode.ErrObjectClosed)
}
