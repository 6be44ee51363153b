// Package servicecache indexes the FM's failover units and applications and
// owns every write to them.
//
// Writers lock an entity, build the next value on a private copy and commit
// it through BeginUpdateFailoverUnit or BeginUpdateApplication. The committed
// pointer is only swapped after the store accepted the write, and state
// machine actions are only dispatched after that, so readers and remote
// nodes never observe a transition that could still roll back.
package servicecache
