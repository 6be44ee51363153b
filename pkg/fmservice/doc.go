/*
Package fmservice hosts the FailoverManager as a replicated service.

The FM partition is a raft group (hashicorp/raft with raft-boltdb log and
stable stores). Every member applies committed transactions to a local
storage.BoltStore through a raft FSM; the leader additionally serves the
FailoverManager, whose store is a ReplicatedStore that turns each commit
into a raft log entry.

# Primary changes

Leadership notifications drive the FM lifecycle. A new leader waits on a
barrier so the local store holds every earlier entry, builds a
FailoverManager with the raft term as its generation and opens it. A
leader that steps down closes its FailoverManager; from then on FM
messages reaching it are answered with NotPrimary carrying the transport
address of the current primary, which transport.FMTransport follows.

# Membership

Members join through the AddFMReplica message, which the primary turns into
a raft voter change. The raft membership is mirrored into the reserved FM
failover unit so every member knows the transport address of the primary.
*/
package fmservice
