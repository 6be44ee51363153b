package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

// Bucket names
const (
	BucketFailoverUnits = "failover_units"
	BucketApplications  = "applications"
	BucketNodes         = "nodes"
	BucketFabric        = "fabric"

	keyFabricVersion = "version"
	keyFabricUpgrade = "upgrade"
)

var allBuckets = []string{
	BucketFailoverUnits,
	BucketApplications,
	BucketNodes,
	BucketFabric,
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "failover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Commit applies tx in a single bolt transaction
func (s *BoltStore) Commit(txn *Transaction) error {
	if txn.IsEmpty() {
		return nil
	}

	timer := metrics.NewTimer()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return applyOps(tx, txn.Ops)
	})
	timer.ObserveDuration(metrics.StoreCommitDuration)

	if err != nil {
		metrics.StoreCommitFailures.Inc()
		return classify(err)
	}
	return nil
}

func applyOps(tx *bolt.Tx, ops []Op) error {
	for _, op := range ops {
		b := tx.Bucket([]byte(op.Bucket))
		if b == nil {
			return errors.Wrapf(errcode.ErrInvalidArgument, "unknown bucket %q", op.Bucket)
		}
		switch op.Type {
		case OpPut:
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		case OpDelete:
			if err := b.Delete([]byte(op.Key)); err != nil {
				return err
			}
		default:
			return errors.Wrapf(errcode.ErrInvalidArgument, "unknown op %q", op.Type)
		}
	}
	return nil
}

// classify maps bolt failures onto the store error taxonomy
func classify(err error) error {
	switch {
	case errors.Is(err, errcode.ErrInvalidArgument):
		return err
	case errors.Is(err, bolt.ErrTimeout):
		return errors.Wrap(errcode.ErrStoreTransient, err.Error())
	case errors.Is(err, bolt.ErrDatabaseNotOpen),
		errors.Is(err, bolt.ErrDatabaseReadOnly),
		errors.Is(err, bolt.ErrTxClosed):
		return errors.Wrap(errcode.ErrStoreFatal, err.Error())
	}
	return errors.Wrap(errcode.ErrStoreTransient, err.Error())
}

func (s *BoltStore) get(bucket, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return errors.Wrapf(errcode.ErrNotFound, "%s %s", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) forEach(bucket string, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}

// Failover unit operations
func (s *BoltStore) GetFailoverUnit(id types.FailoverUnitID) (*types.FailoverUnit, error) {
	var fu types.FailoverUnit
	if err := s.get(BucketFailoverUnits, id.String(), &fu); err != nil {
		return nil, err
	}
	return &fu, nil
}

func (s *BoltStore) ListFailoverUnits() ([]*types.FailoverUnit, error) {
	var units []*types.FailoverUnit
	err := s.forEach(BucketFailoverUnits, func(v []byte) error {
		var fu types.FailoverUnit
		if err := json.Unmarshal(v, &fu); err != nil {
			return err
		}
		units = append(units, &fu)
		return nil
	})
	return units, err
}

// Application operations
func (s *BoltStore) GetApplication(id string) (*types.ApplicationInfo, error) {
	var app types.ApplicationInfo
	if err := s.get(BucketApplications, id, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListApplications() ([]*types.ApplicationInfo, error) {
	var apps []*types.ApplicationInfo
	err := s.forEach(BucketApplications, func(v []byte) error {
		var app types.ApplicationInfo
		if err := json.Unmarshal(v, &app); err != nil {
			return err
		}
		apps = append(apps, &app)
		return nil
	})
	return apps, err
}

// Node operations
func (s *BoltStore) GetNode(id string) (*types.NodeInfo, error) {
	var node types.NodeInfo
	if err := s.get(BucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.NodeInfo, error) {
	var nodes []*types.NodeInfo
	err := s.forEach(BucketNodes, func(v []byte) error {
		var node types.NodeInfo
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		nodes = append(nodes, &node)
		return nil
	})
	return nodes, err
}

// GetFabricUpgradeContext reads the version instance and upgrade in one view
func (s *BoltStore) GetFabricUpgradeContext() (types.FabricVersionInstance, *types.FabricUpgrade, error) {
	var version types.FabricVersionInstance
	var upgrade *types.FabricUpgrade

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketFabric))
		if data := b.Get([]byte(keyFabricVersion)); data != nil {
			if err := json.Unmarshal(data, &version); err != nil {
				return err
			}
		}
		if data := b.Get([]byte(keyFabricUpgrade)); data != nil {
			upgrade = &types.FabricUpgrade{}
			if err := json.Unmarshal(data, upgrade); err != nil {
				return err
			}
		}
		return nil
	})
	return version, upgrade, err
}

// Snapshot serializes every bucket for raft snapshots
func (s *BoltStore) Snapshot() (map[string]map[string]json.RawMessage, error) {
	out := make(map[string]map[string]json.RawMessage, len(allBuckets))
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			entries := make(map[string]json.RawMessage)
			err := tx.Bucket([]byte(name)).ForEach(func(k, v []byte) error {
				entries[string(k)] = append(json.RawMessage(nil), v...)
				return nil
			})
			if err != nil {
				return err
			}
			out[name] = entries
		}
		return nil
	})
	return out, err
}

// Restore replaces every bucket with the snapshot contents
func (s *BoltStore) Restore(snapshot map[string]map[string]json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			b, err := tx.CreateBucket([]byte(name))
			if err != nil {
				return err
			}
			for k, v := range snapshot[name] {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
