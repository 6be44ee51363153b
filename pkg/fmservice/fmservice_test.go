package fmservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/fm"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

func newBoltStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func commitLog(t *testing.T, tx *storage.Transaction) *raft.Log {
	t.Helper()
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	entry, err := json.Marshal(Command{Op: opCommit, Data: data})
	require.NoError(t, err)
	return &raft.Log{Data: entry}
}

func TestFSMAppliesTransactions(t *testing.T) {
	store := newBoltStore(t)
	fsm := newStoreFSM(store)

	fu := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/svc", "app", 3, 2)
	tx := storage.NewTransaction()
	require.NoError(t, tx.PutFailoverUnit(fu))

	assert.Nil(t, fsm.Apply(commitLog(t, tx)))
	stored, err := store.GetFailoverUnit(fu.ID)
	require.NoError(t, err)
	assert.Equal(t, fu.ServiceName, stored.ServiceName)
}

func TestFSMRejectsUnknownCommands(t *testing.T) {
	fsm := newStoreFSM(newBoltStore(t))

	data, err := json.Marshal(Command{Op: "drop_everything"})
	require.NoError(t, err)
	result := fsm.Apply(&raft.Log{Data: data})
	assert.Error(t, result.(error))

	result = fsm.Apply(&raft.Log{Data: []byte("not json")})
	assert.Error(t, result.(error))
}

func TestFSMSnapshotRestoresAnotherReplica(t *testing.T) {
	source := newStoreFSM(newBoltStore(t))
	kept := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/a", "app", 1, 1)
	tx := storage.NewTransaction()
	require.NoError(t, tx.PutFailoverUnit(kept))
	require.Nil(t, source.Apply(commitLog(t, tx)))

	snapshot, err := source.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snapshot.Persist(sink))
	snapshot.Release()
	assert.False(t, sink.cancelled)

	targetStore := newBoltStore(t)
	target := newStoreFSM(targetStore)
	stale := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/b", "app", 1, 1)
	tx = storage.NewTransaction()
	require.NoError(t, tx.PutFailoverUnit(stale))
	require.Nil(t, target.Apply(commitLog(t, tx)))

	require.NoError(t, target.Restore(io.NopCloser(&sink.Buffer)))

	fus, err := targetStore.ListFailoverUnits()
	require.NoError(t, err)
	require.Len(t, fus, 1)
	assert.Equal(t, kept.ID, fus[0].ID)
}

func testConfig() *config.Component {
	cfg := config.Default()
	cfg.MessageRetry.MinimumIntervalBetweenWork = 0
	cfg.MessageRetry.RetryInterval = 50 * time.Millisecond
	cfg.Reconciler.Interval = time.Hour
	return config.NewComponent(cfg)
}

type member struct {
	svc  *Service
	raft *raft.InmemTransport
	addr raft.ServerAddress
}

func newMember(t *testing.T, network *transport.InmemNetwork, id string, bootstrap bool) *member {
	t.Helper()
	addr, rt := raft.NewInmemTransport("")
	svc, err := New(Options{
		NodeID:        id,
		DataDir:       t.TempDir(),
		Bootstrap:     bootstrap,
		Transport:     network.NewTransport(id + ":19000"),
		RaftTransport: rt,
		Config:        testConfig(),
	})
	require.NoError(t, err)
	return &member{svc: svc, raft: rt, addr: addr}
}

func (m *member) open(t *testing.T) {
	t.Helper()
	require.NoError(t, m.svc.Open(context.Background()))
	t.Cleanup(func() { _ = m.svc.Close() })
}

func awaitPrimary(t *testing.T, s *Service) *fm.FailoverManager {
	t.Helper()
	var manager *fm.FailoverManager
	require.Eventually(t, func() bool {
		m, ok := s.FM()
		manager = m
		return ok
	}, 10*time.Second, 20*time.Millisecond)
	return manager
}

func fmUnit(t *testing.T, s *Service) (*types.FailoverUnit, bool) {
	t.Helper()
	fu, err := s.LocalStore().GetFailoverUnit(types.FMFailoverUnitID)
	if err != nil {
		return nil, false
	}
	return fu, true
}

func TestPrimaryHostsFailoverManager(t *testing.T) {
	network := transport.NewInmemNetwork()
	m1 := newMember(t, network, "m1", true)
	m1.open(t)

	manager := awaitPrimary(t, m1.svc)
	assert.True(t, m1.svc.IsLeader())

	require.Eventually(t, func() bool {
		fu, ok := fmUnit(t, m1.svc)
		return ok && len(fu.Replicas) == 1
	}, 10*time.Second, 20*time.Millisecond)
	fu, _ := fmUnit(t, m1.svc)
	primary := fu.Primary()
	require.NotNil(t, primary)
	assert.Equal(t, "m1", primary.Node.NodeID)
	assert.Equal(t, "m1:19000", primary.Endpoint)

	// commits go through raft into the local copy
	id, err := manager.CreateFailoverUnit(context.Background(), "fabric:/app/svc", "app", 1, 1)
	require.NoError(t, err)
	stored, err := m1.svc.LocalStore().GetFailoverUnit(id)
	require.NoError(t, err)
	assert.Equal(t, "fabric:/app/svc", stored.ServiceName)

	// nodes reach the FM on the primary's transport
	node := network.NewTransport("n1:19000")
	msg, err := message.New(message.ActionNodeUp, message.NodeUpBody{
		Node:    types.NodeInstance{NodeID: "n1", InstanceID: 1},
		Address: "n1:19000",
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := node.Request(ctx, "m1:19000", msg)
	require.NoError(t, err)
	var ack message.NodeUpAckBody
	require.NoError(t, reply.Decode(&ack))
	assert.True(t, ack.Activated)
}

func TestSecondaryRedirectsToPrimary(t *testing.T) {
	network := transport.NewInmemNetwork()
	m1 := newMember(t, network, "m1", true)
	m2 := newMember(t, network, "m2", false)
	m1.raft.Connect(m2.addr, m2.raft)
	m2.raft.Connect(m1.addr, m1.raft)
	m1.open(t)
	m2.open(t)
	awaitPrimary(t, m1.svc)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, m2.svc.Join(ctx, "m1:19000"))

	members, err := m1.svc.Members()
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// the membership record reaches the secondary through raft
	require.Eventually(t, func() bool {
		fu, ok := fmUnit(t, m2.svc)
		if !ok || len(fu.Replicas) != 2 {
			return false
		}
		r := fu.GetReplica("m2")
		return r != nil && r.State == types.ReplicaStateSecondary && r.Endpoint == "m2:19000"
	}, 10*time.Second, 20*time.Millisecond)
	_, hosting := m2.svc.FM()
	assert.False(t, hosting)

	node := transport.NewFMTransport(network.NewTransport("n1:19000"), "m2:19000", message.PriorityNormal)
	nodeUp := func() error {
		msg, err := message.New(message.ActionNodeUp, message.NodeUpBody{
			Node:    types.NodeInstance{NodeID: "n1", InstanceID: 1},
			Address: "n1:19000",
		})
		require.NoError(t, err)
		_, err = node.RequestFM(ctx, types.FailoverUnitID{}, msg)
		return err
	}

	assert.ErrorIs(t, nodeUp(), errcode.ErrNotPrimary)
	assert.Equal(t, "m1:19000", node.FMAddress())
	assert.NoError(t, nodeUp())
}

func TestMembershipChangesNeedThePrimary(t *testing.T) {
	network := transport.NewInmemNetwork()
	m1 := newMember(t, network, "m1", true)
	m2 := newMember(t, network, "m2", false)
	m1.open(t)
	m2.open(t)
	awaitPrimary(t, m1.svc)

	ctx := context.Background()
	assert.ErrorIs(t, m2.svc.AddReplica(ctx, message.FMReplicaBody{NodeID: "m3", RaftAddress: "x"}), errcode.ErrNotPrimary)
	assert.ErrorIs(t, m2.svc.RemoveReplica(ctx, "m1"), errcode.ErrNotPrimary)
	assert.ErrorIs(t, m1.svc.RemoveReplica(ctx, "m1"), errcode.ErrInvalidArgument)
	assert.ErrorIs(t, m1.svc.AddReplica(ctx, message.FMReplicaBody{NodeID: "m3"}), errcode.ErrInvalidArgument)
}

func TestClosedServiceStopsServing(t *testing.T) {
	network := transport.NewInmemNetwork()
	m1 := newMember(t, network, "m1", true)
	require.NoError(t, m1.svc.Open(context.Background()))
	manager := awaitPrimary(t, m1.svc)

	require.NoError(t, m1.svc.Close())
	_, hosting := m1.svc.FM()
	assert.False(t, hosting)
	_, err := manager.CreateFailoverUnit(context.Background(), "fabric:/app/svc", "app", 1, 1)
	assert.ErrorIs(t, err, errcode.ErrObjectClosed)
	assert.ErrorIs(t, m1.svc.Open(context.Background()), errcode.ErrObjectClosed)
}
