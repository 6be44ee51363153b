/*
Package fm implements the failover manager: the authority over every
failover unit's replica set.

# Message flow

Every inbound message is wrapped in a timed job item and queued on the
manager's job queue. Items about one node or one failover unit share a
key, so they are processed one at a time in arrival order. A full queue
answers ServiceBusy and an item that waited past its timeout answers
Timeout; nodes retry both.

	NodeUp / NodeHeartbeat        node cache
	ReplicaUp                     state machine, per reported replica
	ReplicaEndpointUpdated        state machine
	LoadReport                    state machine
	ReconfigurationComplete       state machine
	NodeFabricUpgradeReply        fabric upgrade manager
	FabricUpgradeRequest          fabric upgrade manager
	PLBSafetyCheck                service cache
	QueryFailoverUnits            service cache

State machine results are committed by the service cache before their
actions reach ExecuteActions, which turns them into DoReconfiguration,
UpdateConfiguration, AddReplica and DeleteReplica messages.

# Background work

Placement runs as background work: each pass asks the placer for nodes
for every unit short of its target replica set size and feeds the picks
back as AddReplica inputs. The reconciler marks silent nodes down and
resends messages a unit is still waiting on.
*/
package fm
