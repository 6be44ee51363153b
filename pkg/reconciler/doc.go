/*
Package reconciler heals failover state that lost a message.

Every Reconciler.Interval the reconciler:

  - marks down up nodes whose last heartbeat is older than NodeDownTimeout,
    which drives ReplicaDown into every unit with a replica there
  - resends the pending messages of units untouched for
    ReconfigurationTimeout: the configuration of a unit still
    reconfiguring, AddReplica for building replicas and DeleteReplica for
    dropping ones
  - requests placement when any unit has fewer up replicas than its target

Messages are idempotent on the node side, so a resend that races with a
late reply is harmless.
*/
package reconciler
