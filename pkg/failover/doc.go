/*
Package failover computes FailoverUnit transitions.

StateMachine.Process takes the committed unit (old), a private copy to mutate
(current) and one Input. It returns the ordered actions to run once current is
committed. ActionPersist is always first when a persisted field changed, so no
message describing the new configuration leaves before the store commit.

Reports whose epoch differs from the unit's current epoch, and reports from an
older replica or node incarnation, are dropped without touching the unit.

Replica state changes go through a looplab/fsm lifecycle; an impossible
transition means the in-memory bookkeeping is corrupt and is a coding error.
*/
package failover
