package failover

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/cuemby/failover/pkg/types"
)

// lifecycleEvents lists, for each target state, the states a replica may reach it from
var lifecycleEvents = fsm.Events{
	{Name: string(types.ReplicaStateIdle), Src: []string{
		string(types.ReplicaStateBuilding),
		string(types.ReplicaStateSecondary),
		string(types.ReplicaStateStandby),
		string(types.ReplicaStateDown),
	}, Dst: string(types.ReplicaStateIdle)},
	{Name: string(types.ReplicaStateSecondary), Src: []string{
		string(types.ReplicaStateIdle),
		string(types.ReplicaStatePrimary),
	}, Dst: string(types.ReplicaStateSecondary)},
	{Name: string(types.ReplicaStatePrimary), Src: []string{
		string(types.ReplicaStateIdle),
		string(types.ReplicaStateSecondary),
	}, Dst: string(types.ReplicaStatePrimary)},
	{Name: string(types.ReplicaStateStandby), Src: []string{
		string(types.ReplicaStateIdle),
		string(types.ReplicaStateDown),
	}, Dst: string(types.ReplicaStateStandby)},
	{Name: string(types.ReplicaStateBuilding), Src: []string{
		string(types.ReplicaStateStandby),
		string(types.ReplicaStateDown),
	}, Dst: string(types.ReplicaStateBuilding)},
	{Name: string(types.ReplicaStateDown), Src: []string{
		string(types.ReplicaStateBuilding),
		string(types.ReplicaStateIdle),
		string(types.ReplicaStateSecondary),
		string(types.ReplicaStatePrimary),
		string(types.ReplicaStateStandby),
		string(types.ReplicaStateDropping),
	}, Dst: string(types.ReplicaStateDown)},
	{Name: string(types.ReplicaStateDropping), Src: []string{
		string(types.ReplicaStateBuilding),
		string(types.ReplicaStateIdle),
		string(types.ReplicaStateSecondary),
		string(types.ReplicaStatePrimary),
		string(types.ReplicaStateStandby),
		string(types.ReplicaStateDown),
	}, Dst: string(types.ReplicaStateDropping)},
	{Name: string(types.ReplicaStateDropped), Src: []string{
		string(types.ReplicaStateBuilding),
		string(types.ReplicaStateIdle),
		string(types.ReplicaStateSecondary),
		string(types.ReplicaStatePrimary),
		string(types.ReplicaStateStandby),
		string(types.ReplicaStateDown),
		string(types.ReplicaStateDropping),
	}, Dst: string(types.ReplicaStateDropped)},
}

// CanTransition reports whether a replica may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to types.ReplicaState) bool {
	if from == to {
		return true
	}
	return fsm.NewFSM(string(from), lifecycleEvents, fsm.Callbacks{}).Can(string(to))
}

// transitionReplica moves r to state `to`, returning the fsm error for an
// impossible transition
func transitionReplica(r *types.Replica, to types.ReplicaState) error {
	if r.State == to {
		return nil
	}
	f := fsm.NewFSM(string(r.State), lifecycleEvents, fsm.Callbacks{})
	if err := f.Event(context.Background(), string(to)); err != nil {
		return err
	}
	r.State = types.ReplicaState(f.Current())
	return nil
}
