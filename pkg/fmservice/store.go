package fmservice

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/types"
)

// ReplicatedStore is the storage.Store of the FM primary. Commits become
// raft log entries and return once a quorum applied them; reads are served
// from the local copy, which on the leader holds every committed entry.
type ReplicatedStore struct {
	raft    *raft.Raft
	local   *storage.BoltStore
	timeout time.Duration
}

var _ storage.Store = (*ReplicatedStore)(nil)

// NewReplicatedStore commits through r and reads from local
func NewReplicatedStore(r *raft.Raft, local *storage.BoltStore, timeout time.Duration) *ReplicatedStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ReplicatedStore{raft: r, local: local, timeout: timeout}
}

// Commit replicates tx and applies it on every replica
func (s *ReplicatedStore) Commit(tx *storage.Transaction) error {
	if tx.IsEmpty() {
		return nil
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "failed to encode transaction")
	}
	entry, err := json.Marshal(Command{Op: opCommit, Data: data})
	if err != nil {
		return errors.Wrap(err, "failed to encode command")
	}

	future := s.raft.Apply(entry, s.timeout)
	if err := future.Error(); err != nil {
		return classifyRaftError(err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// classifyRaftError maps raft failures onto the error taxonomy callers retry on
func classifyRaftError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return errors.Wrap(errcode.ErrNotPrimary, err.Error())
	case errors.Is(err, raft.ErrRaftShutdown):
		return errors.Wrap(errcode.ErrObjectClosed, err.Error())
	default:
		return errors.Wrap(errcode.ErrStoreTransient, err.Error())
	}
}

func (s *ReplicatedStore) GetFailoverUnit(id types.FailoverUnitID) (*types.FailoverUnit, error) {
	return s.local.GetFailoverUnit(id)
}

func (s *ReplicatedStore) ListFailoverUnits() ([]*types.FailoverUnit, error) {
	return s.local.ListFailoverUnits()
}

func (s *ReplicatedStore) GetApplication(id string) (*types.ApplicationInfo, error) {
	return s.local.GetApplication(id)
}

func (s *ReplicatedStore) ListApplications() ([]*types.ApplicationInfo, error) {
	return s.local.ListApplications()
}

func (s *ReplicatedStore) GetNode(id string) (*types.NodeInfo, error) {
	return s.local.GetNode(id)
}

func (s *ReplicatedStore) ListNodes() ([]*types.NodeInfo, error) {
	return s.local.ListNodes()
}

func (s *ReplicatedStore) GetFabricUpgradeContext() (types.FabricVersionInstance, *types.FabricUpgrade, error) {
	return s.local.GetFabricUpgradeContext()
}

// Close is a no-op; the service owns raft and the local store
func (s *ReplicatedStore) Close() error {
	return nil
}
