/*
Package fmmessage delivers replica changes from a node to the failover
manager with at-least-once semantics.

A RetryComponent holds the latest change per replica. Each background
retry cycle hands every pending change to a Builder, which coalesces
ReplicaUp, ReplicaDown, ReplicaDropped and upload reports into one
ReplicaUp message per destination and sends endpoint updates one by one.
Changes leave the pending set only when the FM acknowledges the sequence
that is pending; sending alone never removes anything, so a lost reply
costs a duplicate and never a change.
*/
package fmmessage
