/*
Package storage persists the failover manager's state in BoltDB.

# Layout

BoltStore keeps one bucket per record kind, each value JSON encoded:

	failover_units   FailoverUnitID -> types.FailoverUnit
	applications     application id -> types.ApplicationInfo
	nodes            node id        -> types.NodeInfo
	fabric           "version"      -> types.FabricVersionInstance
	                 "upgrade"      -> types.FabricUpgrade

The database file is failover.db inside the data directory.

# Transactions

Writes never go to the store directly. Callers fill a Transaction with
Put and Delete operations and hand it to Commit, which applies all of them
in one bolt update or none at all:

	tx := storage.NewTransaction()
	if err := tx.PutFailoverUnit(fu); err != nil {
		return err
	}
	tx.DeleteApplication(appID)
	if err := store.Commit(tx); err != nil {
		return err
	}

A Transaction is plain data. The FM service ships it as a raft log entry
and every replica applies it to its own BoltStore, so the same Commit path
serves a single node and a replicated FM.

Commit failures are classified into errcode values. A closed or read-only
database is ErrStoreFatal; anything else, a lock timeout included, is
ErrStoreTransient and worth retrying. Each commit is timed in
failover_store_commit_duration_seconds.

# Snapshots

Snapshot returns every bucket as raw JSON and Restore replaces the whole
database with one. Raft snapshots and the failover-backup tool use both.

The storagetest package wraps a Store to inject commit failures in tests.
*/
package storage
