/*
Package types defines the data model shared by the failover core.

Every other package reads and writes these types: the FM stores them in its
buckets, the state machine computes new versions of them and the transport
carries them inside message bodies. Types are plain structs with exported
fields so they serialize to JSON without tags.

# Core Types

Identity and ordering:
  - FailoverUnitID: UUID-backed partition id; FMFailoverUnitID is reserved
    for the FM's own partition
  - Epoch: (DataLossVersion, ConfigurationVersion), orders configurations
  - ServiceLocationVersion: orders location cache updates by
    (Generation, FMVersion, StoreVersion)
  - NodeInstance, TaskInstance: a higher instance id supersedes a lower one

Partitions:
  - FailoverUnit: replica set, current epoch, reconfiguration state
  - Replica: node instance, lifecycle state, endpoint, reported load
  - ReplicaState / ReplicaRole: the role is derived from the state

Applications:
  - ApplicationInfo: upgrade and rollback in progress, failure reason
  - ApplicationUpgrade: upgrade domains and the safety check flag
  - ApplicationCapacityDescription: min/max nodes and per-metric capacity

Fabric upgrade:
  - FabricVersionInstance, FabricUpgradeDescription, FabricUpgrade
  - FabricUpgradeProgress: per-node Pending/Waiting/Ready buckets

# Replica Lifecycle

	Building → Idle → Secondary ⇄ Primary
	              ↘ Standby
	Any up state → Down | Dropping → Dropped

Role() maps Primary and Secondary to the configuration roles, Building and
Idle to ReplicaRoleIdle, and everything else to ReplicaRoleNone.

# Copy-on-write

FailoverUnit, ApplicationInfo and FabricUpgrade values are never mutated after
they have been committed. Writers call Clone(), modify the copy and hand it to
the owning cache, which swaps the committed pointer:

	next := locked.Old().Clone()
	next.Upgrade.IsSafetyCheckComplete = true
	op := cache.BeginUpdateApplication(locked, next)

# Validation

ApplicationCapacityDescription.Validate and FabricUpgradeDescription.Validate
return errors wrapping errcode.ErrInvalidArgument, so callers can tell a bad
request from a store failure with errors.Is.
*/
package types
