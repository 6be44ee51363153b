package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/types"
)

type fakeTarget struct {
	mu         sync.Mutex
	nodes      []*types.NodeInfo
	units      []*types.FailoverUnit
	markedDown []string
	executed   map[types.FailoverUnitID][]failover.ActionKind
	placements int
}

func (f *fakeTarget) Nodes() []*types.NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes
}

func (f *fakeTarget) FailoverUnits() []*types.FailoverUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units
}

func (f *fakeTarget) MarkNodeDown(_ context.Context, node types.NodeInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedDown = append(f.markedDown, node.NodeID)
	return nil
}

func (f *fakeTarget) ExecuteActions(fu *types.FailoverUnit, actions []failover.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executed == nil {
		f.executed = make(map[types.FailoverUnitID][]failover.ActionKind)
	}
	for _, a := range actions {
		f.executed[fu.ID] = append(f.executed[fu.ID], a.Kind)
	}
}

func (f *fakeTarget) RequestPlacement() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placements++
}

func testConfig() *config.Component {
	cfg := config.Default()
	cfg.Reconciler.Interval = 10 * time.Second
	cfg.Reconciler.NodeDownTimeout = 30 * time.Second
	cfg.Reconciler.ReconfigurationTimeout = time.Minute
	return config.NewComponent(cfg)
}

func heartbeatNode(id string, last time.Time, status types.NodeStatus) *types.NodeInfo {
	return &types.NodeInfo{
		Instance:      types.NodeInstance{NodeID: id, InstanceID: 1},
		Status:        status,
		LastHeartbeat: last,
	}
}

func replica(nodeID string, id int64, state types.ReplicaState) *types.Replica {
	return &types.Replica{Node: types.NodeInstance{NodeID: nodeID, InstanceID: 1}, ReplicaID: id, State: state}
}

func TestReconcileMarksSilentNodesDown(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	target := &fakeTarget{nodes: []*types.NodeInfo{
		heartbeatNode("fresh", now.Add(-10*time.Second), types.NodeStatusUp),
		heartbeatNode("silent", now.Add(-45*time.Second), types.NodeStatusUp),
		heartbeatNode("already-down", now.Add(-time.Hour), types.NodeStatusDown),
	}}

	NewReconciler(target, testConfig(), mock).reconcile()
	assert.Equal(t, []string{"silent"}, target.markedDown)
}

func TestReconcileResendsStuckReconfiguration(t *testing.T) {
	mock := clock.NewMock()
	started := mock.Now()

	stuck := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/a", "app", 2, 1)
	stuck.ReconfigurationState = types.ReconfigurationStateReconfiguring
	stuck.ReconfigurationStartedAt = started
	stuck.LastUpdated = started
	stuck.Replicas = []*types.Replica{
		replica("n1", 1, types.ReplicaStatePrimary),
		replica("n2", 2, types.ReplicaStateSecondary),
	}

	dropping := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/b", "app", 1, 1)
	dropping.ReconfigurationState = types.ReconfigurationStateStable
	dropping.LastUpdated = started
	dropping.Replicas = []*types.Replica{
		replica("n1", 1, types.ReplicaStatePrimary),
		replica("n3", 2, types.ReplicaStateDropping),
	}

	target := &fakeTarget{units: []*types.FailoverUnit{stuck, dropping}}
	r := NewReconciler(target, testConfig(), mock)

	mock.Add(30 * time.Second)
	r.reconcile()
	assert.Empty(t, target.executed)

	mock.Add(time.Minute)
	r.reconcile()
	assert.Equal(t, []failover.ActionKind{failover.ActionDoReconfiguration, failover.ActionUpdateConfiguration},
		target.executed[stuck.ID])
	assert.Equal(t, []failover.ActionKind{failover.ActionDeleteReplica}, target.executed[dropping.ID])
	assert.Zero(t, target.placements)
}

func TestReconcileRequestsPlacement(t *testing.T) {
	mock := clock.NewMock()
	fu := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/a", "app", 3, 1)
	fu.ReconfigurationState = types.ReconfigurationStateStable
	fu.LastUpdated = mock.Now()
	fu.Replicas = []*types.Replica{replica("n1", 1, types.ReplicaStatePrimary)}

	target := &fakeTarget{units: []*types.FailoverUnit{fu}}
	NewReconciler(target, testConfig(), mock).reconcile()
	assert.Equal(t, 1, target.placements)
	assert.Empty(t, target.executed)
}

func TestReconcilerLoopRunsOnInterval(t *testing.T) {
	mock := clock.NewMock()
	target := &fakeTarget{nodes: []*types.NodeInfo{
		heartbeatNode("silent", mock.Now(), types.NodeStatusUp),
	}}
	r := NewReconciler(target, testConfig(), mock)
	r.Start()
	defer r.Stop()

	// the ticker is created by the loop goroutine
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.markedDown) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
