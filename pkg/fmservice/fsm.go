package fmservice

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/failover/pkg/storage"
)

const opCommit = "commit"

// Command is one entry of the raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// storeFSM applies committed transactions to the local copy of the FM
// partition state. Every replica of the raft group runs one.
type storeFSM struct {
	mu    sync.RWMutex
	store *storage.BoltStore
}

func newStoreFSM(store *storage.BoltStore) *storeFSM {
	return &storeFSM{store: store}
}

// Apply is called by raft once a log entry is committed. The returned
// error, if any, is handed back to the committer through the apply future.
func (f *storeFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCommit:
		var tx storage.Transaction
		if err := json.Unmarshal(cmd.Data, &tx); err != nil {
			return fmt.Errorf("failed to unmarshal transaction: %v", err)
		}
		return f.store.Commit(&tx)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every bucket of the local store
func (f *storeFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buckets, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %v", err)
	}
	return &storeSnapshot{Buckets: buckets}, nil
}

// Restore replaces the local store with a snapshot taken by any replica
func (f *storeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot storeSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.Restore(snapshot.Buckets); err != nil {
		return fmt.Errorf("failed to restore store: %v", err)
	}
	return nil
}

type storeSnapshot struct {
	Buckets map[string]map[string]json.RawMessage
}

// Persist writes the snapshot to the given SnapshotSink
func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *storeSnapshot) Release() {}
