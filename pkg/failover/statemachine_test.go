package failover

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/types"
)

func node(id string) types.NodeInstance {
	return types.NodeInstance{NodeID: id, InstanceID: 1}
}

func replica(nodeID string, id int64, state types.ReplicaState) *types.Replica {
	return &types.Replica{Node: node(nodeID), ReplicaID: id, InstanceID: 1, State: state}
}

func report(r *types.Replica, epoch types.Epoch) ReplicaReport {
	return ReplicaReport{Node: r.Node, ReplicaID: r.ReplicaID, InstanceID: r.InstanceID, State: r.State, Epoch: epoch}
}

func stableUnit(target int, replicas ...*types.Replica) *types.FailoverUnit {
	fu := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/svc", "app", target, 1)
	fu.ReconfigurationState = types.ReconfigurationStateStable
	fu.Replicas = replicas
	return fu
}

func newStateMachine() *StateMachine {
	return NewStateMachine(clock.NewMock(), NewTracer(0))
}

// process runs input against a private copy of fu, like the service cache does
func process(sm *StateMachine, fu *types.FailoverUnit, input Input) (Result, *types.FailoverUnit) {
	current := fu.Clone()
	return sm.Process(fu, current, input), current
}

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestReplicaDownOfOnlyPrimary(t *testing.T) {
	sm := newStateMachine()
	primary := replica("N1", 1, types.ReplicaStatePrimary)
	fu := stableUnit(1, primary)

	result, current := process(sm, fu, ReplicaDown{Report: report(primary, types.InitialEpoch)})

	require.False(t, result.Rejected)
	assert.True(t, result.Changed)
	assert.Equal(t, types.ReconfigurationStateReconfiguring, current.ReconfigurationState)
	assert.Equal(t, types.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}, current.CurrentEpoch)
	require.NotEmpty(t, result.Actions)
	assert.Equal(t, ActionPersist, result.Actions[0].Kind, "persist precedes every message")
	assert.Equal(t, []ActionKind{ActionPersist, ActionRequestPlacement}, kinds(result.Actions))

	down := current.GetReplica("N1")
	assert.Equal(t, types.ReplicaStateDown, down.State)
	assert.Equal(t, types.ReplicaRolePrimary, down.PreviousRole)

	// the committed unit is untouched
	assert.Equal(t, types.ReplicaStatePrimary, fu.GetReplica("N1").State)
	assert.Equal(t, types.InitialEpoch, fu.CurrentEpoch)
}

func TestPrimaryDownPromotesSecondary(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(3,
		replica("N1", 1, types.ReplicaStatePrimary),
		replica("N2", 2, types.ReplicaStateSecondary),
		replica("N3", 3, types.ReplicaStateSecondary),
	)

	result, current := process(sm, fu, ReplicaDown{Report: report(fu.GetReplica("N1"), types.InitialEpoch)})

	require.False(t, result.Rejected)
	epoch := types.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}
	assert.Equal(t, epoch, current.CurrentEpoch)
	assert.Equal(t, "N2", current.Primary().Node.NodeID)
	assert.Equal(t, []ActionKind{
		ActionPersist,
		ActionDoReconfiguration,
		ActionUpdateConfiguration,
		ActionRequestPlacement,
	}, kinds(result.Actions))

	do := result.Actions[1]
	assert.Equal(t, "N2", do.Target.NodeID)
	assert.Equal(t, epoch, do.Epoch)
	assert.Len(t, do.Configuration, 2)
	assert.Equal(t, "N3", result.Actions[2].Target.NodeID)
}

func TestMismatchedEpochIsDropped(t *testing.T) {
	sm := newStateMachine()
	primary := replica("N1", 1, types.ReplicaStatePrimary)
	secondary := replica("N2", 2, types.ReplicaStateSecondary)
	fu := stableUnit(2, primary, secondary)
	fu.CurrentEpoch = types.Epoch{DataLossVersion: 1, ConfigurationVersion: 3}
	fu.ReconfigurationState = types.ReconfigurationStateReconfiguring

	for _, epoch := range []types.Epoch{
		{DataLossVersion: 1, ConfigurationVersion: 2},
		{DataLossVersion: 1, ConfigurationVersion: 4},
		{DataLossVersion: 0, ConfigurationVersion: 9},
	} {
		inputs := []Input{
			ReplicaUp{Report: report(secondary, epoch)},
			ReplicaDown{Report: report(secondary, epoch)},
			ReplicaDropped{Report: report(secondary, epoch)},
			LoadReport{Report: report(secondary, epoch), Load: map[string]int64{"cpu": 10}},
			EndpointAvailable{Report: report(secondary, epoch)},
			ReconfigurationComplete{Node: primary.Node, Epoch: epoch},
		}
		for _, input := range inputs {
			t.Run(string(input.Kind())+" "+epoch.String(), func(t *testing.T) {
				result, current := process(sm, fu, input)

				assert.True(t, result.Rejected)
				assert.True(t, errors.Is(result.Err, errcode.ErrStaleEpoch))
				assert.False(t, result.Changed)
				assert.Empty(t, result.Actions)
				assert.Equal(t, fu, current)
			})
		}
	}
}

func TestNodeUpSkipsStaleEntries(t *testing.T) {
	sm := newStateMachine()
	r := replica("N2", 2, types.ReplicaStateDown)
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), r)
	fu.CurrentEpoch = types.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}

	stale := report(r, types.InitialEpoch)
	result, _ := process(sm, fu, NodeUp{Node: r.Node, Replicas: []ReplicaReport{stale}})
	assert.False(t, result.Rejected)
	assert.False(t, result.Changed)
	assert.Empty(t, result.Actions)

	fresh := report(r, fu.CurrentEpoch)
	result, current := process(sm, fu, NodeUp{Node: r.Node, Replicas: []ReplicaReport{fresh}})
	assert.True(t, result.Changed)
	// idle again and promoted back into the configuration
	assert.Equal(t, types.ReplicaStateSecondary, current.GetReplica("N2").State)
	assert.Equal(t, types.ReconfigurationStateReconfiguring, current.ReconfigurationState)
}

func TestStaleReplicaInstanceIgnored(t *testing.T) {
	sm := newStateMachine()
	r := replica("N2", 2, types.ReplicaStateSecondary)
	r.InstanceID = 5
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), r)

	old := report(r, fu.CurrentEpoch)
	old.InstanceID = 4
	result, current := process(sm, fu, ReplicaDown{Report: old})

	assert.True(t, result.Rejected)
	assert.True(t, errors.Is(result.Err, errcode.ErrStaleRequest))
	assert.Equal(t, types.ReplicaStateSecondary, current.GetReplica("N2").State)
}

func TestInitialBuild(t *testing.T) {
	sm := newStateMachine()
	fu := types.NewFailoverUnit(types.NewFailoverUnitID(), "fabric:/app/svc", "app", 1, 1)

	result, fu1 := process(sm, fu, AddReplica{Node: node("N1")})
	require.False(t, result.Rejected)
	assert.Equal(t, []ActionKind{ActionPersist, ActionAddReplica}, kinds(result.Actions))
	built := fu1.GetReplica("N1")
	require.NotNil(t, built)
	assert.Equal(t, types.ReplicaStateBuilding, built.State)
	assert.Equal(t, int64(1), built.ReplicaID)

	result, fu2 := process(sm, fu1, ReplicaUp{Report: report(built, fu1.CurrentEpoch)})
	require.False(t, result.Rejected)
	assert.Equal(t, types.ReconfigurationStateReconfiguring, fu2.ReconfigurationState)
	assert.Equal(t, types.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}, fu2.CurrentEpoch)
	assert.Equal(t, "N1", fu2.Primary().Node.NodeID)
	assert.Equal(t, []ActionKind{ActionPersist, ActionDoReconfiguration}, kinds(result.Actions))

	result, fu3 := process(sm, fu2, ReconfigurationComplete{Node: node("N1"), Epoch: fu2.CurrentEpoch})
	require.False(t, result.Rejected)
	assert.Equal(t, types.ReconfigurationStateStable, fu3.ReconfigurationState)
	assert.True(t, fu3.ReconfigurationStartedAt.IsZero())
	assert.Equal(t, []ActionKind{ActionPersist}, kinds(result.Actions))

	// duplicates are harmless
	result, _ = process(sm, fu3, ReconfigurationComplete{Node: node("N1"), Epoch: fu3.CurrentEpoch})
	assert.False(t, result.Rejected)
	assert.False(t, result.Changed)
}

func TestReturningReplicaRejoinsAfterReconfiguration(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(3,
		replica("N1", 1, types.ReplicaStatePrimary),
		replica("N2", 2, types.ReplicaStateSecondary),
		replica("N3", 3, types.ReplicaStateSecondary),
	)
	_, fu1 := process(sm, fu, ReplicaDown{Report: report(fu.GetReplica("N1"), fu.CurrentEpoch)})

	back := report(fu1.GetReplica("N1"), fu1.CurrentEpoch)
	back.InstanceID = 2
	result, fu2 := process(sm, fu1, ReplicaUp{Report: back})
	require.False(t, result.Rejected)
	assert.Equal(t, types.ReplicaStateIdle, fu2.GetReplica("N1").State, "waits for the running reconfiguration")
	assert.Equal(t, fu1.CurrentEpoch, fu2.CurrentEpoch)

	result, fu3 := process(sm, fu2, ReconfigurationComplete{Node: node("N2"), Epoch: fu2.CurrentEpoch})
	require.False(t, result.Rejected)
	assert.Equal(t, types.ReplicaStateSecondary, fu3.GetReplica("N1").State)
	assert.Equal(t, types.ReconfigurationStateReconfiguring, fu3.ReconfigurationState)
	assert.Equal(t, types.Epoch{DataLossVersion: 1, ConfigurationVersion: 3}, fu3.CurrentEpoch)
	assert.Equal(t, ActionDoReconfiguration, result.Actions[1].Kind)
	assert.Equal(t, "N2", result.Actions[1].Target.NodeID)
}

func TestReconfigurationCompleteFromNonPrimary(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))
	fu.ReconfigurationState = types.ReconfigurationStateReconfiguring

	result, _ := process(sm, fu, ReconfigurationComplete{Node: node("N2"), Epoch: fu.CurrentEpoch})
	assert.True(t, result.Rejected)
	assert.True(t, errors.Is(result.Err, errcode.ErrStaleRequest))
}

func TestSwapPrimary(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))

	result, current := process(sm, fu, SwapPrimary{NodeID: "N2"})
	require.False(t, result.Rejected)
	assert.Equal(t, "N2", current.Primary().Node.NodeID)
	assert.Equal(t, types.ReplicaStateSecondary, current.GetReplica("N1").State)
	assert.Equal(t, []ActionKind{ActionPersist, ActionDoReconfiguration, ActionUpdateConfiguration}, kinds(result.Actions))
	assert.Equal(t, "N2", result.Actions[1].Target.NodeID)

	result, _ = process(sm, current, SwapPrimary{NodeID: "N1"})
	assert.True(t, result.Rejected, "no swap while reconfiguring")
	assert.True(t, errors.Is(result.Err, errcode.ErrServiceBusy))
}

func TestUpgradeNodeMovesPrimary(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))

	result, current := process(sm, fu, UpgradeNode{Node: node("N2")})
	assert.False(t, result.Changed, "secondary stays put")

	result, current = process(sm, fu, UpgradeNode{Node: node("N1")})
	require.False(t, result.Rejected)
	assert.Equal(t, "N2", current.Primary().Node.NodeID)
}

func TestRemoveReplica(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))

	result, _ := process(sm, fu, RemoveReplica{NodeID: "N1"})
	assert.True(t, result.Rejected)
	assert.True(t, errors.Is(result.Err, errcode.ErrInvalidArgument))

	result, current := process(sm, fu, RemoveReplica{NodeID: "N2"})
	require.False(t, result.Rejected)
	assert.Equal(t, types.ReplicaStateDropping, current.GetReplica("N2").State)
	assert.Equal(t, []ActionKind{
		ActionPersist,
		ActionDeleteReplica,
		ActionDoReconfiguration,
		ActionRequestPlacement,
	}, kinds(result.Actions))
	for _, a := range result.Actions {
		assert.Equal(t, current.CurrentEpoch, a.Epoch)
	}

	dropped := report(current.GetReplica("N2"), current.CurrentEpoch)
	result, after := process(sm, current, ReplicaDropped{Report: dropped})
	require.False(t, result.Rejected)
	assert.Nil(t, after.GetReplica("N2"))
}

func TestRecoverDataLoss(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(1, replica("N1", 1, types.ReplicaStatePrimary))
	_, fu1 := process(sm, fu, ReplicaDown{Report: report(fu.GetReplica("N1"), fu.CurrentEpoch)})
	require.Nil(t, fu1.Primary())

	result, _ := process(sm, fu1, RecoverDataLoss{})
	assert.True(t, result.Rejected, "nothing to recover from")

	// a brand new replica does not become primary on its own
	_, fu2 := process(sm, fu1, RemoveReplica{NodeID: "N1"})
	_, fu3 := process(sm, fu2, AddReplica{Node: node("N2")})
	_, fu4 := process(sm, fu3, ReplicaUp{Report: report(fu3.GetReplica("N2"), fu3.CurrentEpoch)})
	require.Nil(t, fu4.Primary())
	assert.Equal(t, types.ReplicaStateIdle, fu4.GetReplica("N2").State)

	result, fu5 := process(sm, fu4, RecoverDataLoss{})
	require.False(t, result.Rejected)
	assert.Equal(t, types.Epoch{DataLossVersion: 2, ConfigurationVersion: 1}, fu5.CurrentEpoch)
	assert.Equal(t, "N2", fu5.Primary().Node.NodeID)
	assert.Equal(t, []ActionKind{ActionPersist, ActionDoReconfiguration}, kinds(result.Actions))
}

func TestPreviousPrimaryRestoresQuorum(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(1, replica("N1", 1, types.ReplicaStatePrimary))
	_, fu1 := process(sm, fu, ReplicaDown{Report: report(fu.GetReplica("N1"), fu.CurrentEpoch)})

	result, fu2 := process(sm, fu1, ReplicaUp{Report: report(fu1.GetReplica("N1"), fu1.CurrentEpoch)})
	require.False(t, result.Rejected)
	assert.Equal(t, "N1", fu2.Primary().Node.NodeID)
	assert.Equal(t, types.Epoch{DataLossVersion: 1, ConfigurationVersion: 3}, fu2.CurrentEpoch)
	assert.Empty(t, fu2.GetReplica("N1").PreviousRole)
}

func TestDelete(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(2, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))

	result, current := process(sm, fu, Delete{})
	require.False(t, result.Rejected)
	assert.True(t, current.Deleted)
	assert.Equal(t, []ActionKind{ActionPersist, ActionDeleteReplica, ActionDeleteReplica}, kinds(result.Actions))
	for _, r := range current.Replicas {
		assert.Equal(t, types.ReplicaStateDropping, r.State)
	}

	result, _ = process(sm, current, AddReplica{Node: node("N3")})
	assert.True(t, result.Rejected)
	assert.True(t, errors.Is(result.Err, errcode.ErrNotFound))

	// a dropping replica that reports up is told to delete itself again
	result, _ = process(sm, current, ReplicaUp{Report: report(current.GetReplica("N1"), current.CurrentEpoch)})
	assert.False(t, result.Changed)
	assert.Equal(t, []ActionKind{ActionDeleteReplica}, kinds(result.Actions))

	result, after := process(sm, current, ReplicaDropped{Report: report(current.GetReplica("N1"), current.CurrentEpoch)})
	require.False(t, result.Rejected)
	assert.Len(t, after.Replicas, 1)
}

func TestLoadReportIsNotPersisted(t *testing.T) {
	sm := newStateMachine()
	primary := replica("N1", 1, types.ReplicaStatePrimary)
	fu := stableUnit(1, primary)

	result, current := process(sm, fu, LoadReport{Report: report(primary, fu.CurrentEpoch), Load: map[string]int64{"cpu": 40}})
	require.False(t, result.Rejected)
	assert.True(t, result.Changed)
	assert.False(t, result.NeedsPersist())
	assert.Equal(t, int64(40), current.GetReplica("N1").Load["cpu"])
}

func TestEndpointAvailable(t *testing.T) {
	sm := newStateMachine()
	primary := replica("N1", 1, types.ReplicaStatePrimary)
	fu := stableUnit(1, primary)

	rep := report(primary, fu.CurrentEpoch)
	rep.Endpoint = "10.0.0.1:9000"
	result, current := process(sm, fu, EndpointAvailable{Report: rep})
	require.False(t, result.Rejected)
	assert.True(t, result.NeedsPersist())
	assert.Equal(t, "10.0.0.1:9000", current.GetReplica("N1").Endpoint)
}

func TestAddReplicaRejectsOccupiedNode(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(3, replica("N1", 1, types.ReplicaStatePrimary))

	result, _ := process(sm, fu, AddReplica{Node: node("N1")})
	assert.True(t, errors.Is(result.Err, errcode.ErrAlreadyExists))

	result, current := process(sm, fu, AddReplica{Node: node("N2")})
	require.False(t, result.Rejected)
	assert.Equal(t, int64(2), current.GetReplica("N2").ReplicaID)
}

func TestPendingActionsRebuildOutstandingMessages(t *testing.T) {
	sm := newStateMachine()
	fu := stableUnit(3, replica("N1", 1, types.ReplicaStatePrimary), replica("N2", 2, types.ReplicaStateSecondary))
	assert.Empty(t, PendingActions(fu))

	_, current := process(sm, fu, RemoveReplica{NodeID: "N2"})
	_, current = process(sm, current, AddReplica{Node: node("N3")})

	pending := PendingActions(current)
	assert.Equal(t, []ActionKind{ActionDoReconfiguration, ActionDeleteReplica, ActionAddReplica}, kinds(pending))
	assert.Equal(t, "N1", pending[0].Target.NodeID)
	assert.Equal(t, "N2", pending[1].Target.NodeID)
	assert.Equal(t, "N3", pending[2].Target.NodeID)
	for _, a := range pending {
		assert.Equal(t, current.CurrentEpoch, a.Epoch)
	}
}
