package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/failover/pkg/types"
)

const (
	bucketReplicas = "replicas"
	bucketNode     = "node"

	keyInstance      = "instance"
	keyFabricVersion = "fabric_version"
)

// localStore keeps the replicas hosted on this node and the last node
// instance across restarts. A nil store keeps nothing.
type localStore struct {
	db *bolt.DB
}

func openLocalStore(dataDir string) (*localStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "agent.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bucketReplicas, bucketNode} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &localStore{db: db}, nil
}

func (s *localStore) close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *localStore) ping() error {
	if s == nil {
		return nil
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketReplicas)) == nil {
			return fmt.Errorf("bucket %s missing", bucketReplicas)
		}
		return nil
	})
}

func (s *localStore) loadInstance() (int64, error) {
	if s == nil {
		return 0, nil
	}
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketNode)).Get([]byte(keyInstance))
		if data == nil {
			return nil
		}
		v, err := strconv.ParseInt(string(data), 10, 64)
		id = v
		return err
	})
	return id, err
}

func (s *localStore) saveInstance(id int64) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketNode)).Put([]byte(keyInstance), []byte(strconv.FormatInt(id, 10)))
	})
}

func (s *localStore) loadFabricVersion() (types.FabricVersionInstance, bool, error) {
	var v types.FabricVersionInstance
	if s == nil {
		return v, false, nil
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketNode)).Get([]byte(keyFabricVersion))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	return v, found, err
}

func (s *localStore) saveFabricVersion(v types.FabricVersionInstance) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketNode)).Put([]byte(keyFabricVersion), data)
	})
}

func (s *localStore) loadReplicas() ([]*Replica, error) {
	if s == nil {
		return nil, nil
	}
	var out []*Replica
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReplicas)).ForEach(func(_, v []byte) error {
			var r Replica
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *localStore) putReplica(r *Replica) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReplicas)).Put([]byte(r.FailoverUnitID.String()), data)
	})
}

func (s *localStore) deleteReplica(id types.FailoverUnitID) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReplicas)).Delete([]byte(id.String()))
	})
}
