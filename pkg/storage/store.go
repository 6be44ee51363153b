package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/failover/pkg/types"
)

// Store defines the interface for failover state storage.
// Reads return committed values; every write goes through Commit so that a
// transaction is applied all-or-nothing.
type Store interface {
	// Commit applies every operation in tx atomically
	Commit(tx *Transaction) error

	// Failover units
	GetFailoverUnit(id types.FailoverUnitID) (*types.FailoverUnit, error)
	ListFailoverUnits() ([]*types.FailoverUnit, error)

	// Applications
	GetApplication(id string) (*types.ApplicationInfo, error)
	ListApplications() ([]*types.ApplicationInfo, error)

	// Nodes
	GetNode(id string) (*types.NodeInfo, error)
	ListNodes() ([]*types.NodeInfo, error)

	// Fabric upgrade context; a nil upgrade means none is in flight
	GetFabricUpgradeContext() (types.FabricVersionInstance, *types.FabricUpgrade, error)

	Close() error
}

// OpType is the kind of a transaction operation
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// Op is one write inside a transaction
type Op struct {
	Type   OpType
	Bucket string
	Key    string
	Value  json.RawMessage `json:",omitempty"`
}

// Transaction is an ordered batch of writes committed atomically.
// It is serializable so a replicated store can ship it as a log entry.
type Transaction struct {
	Ops []Op
}

// NewTransaction returns an empty transaction
func NewTransaction() *Transaction {
	return &Transaction{}
}

func (tx *Transaction) IsEmpty() bool {
	return len(tx.Ops) == 0
}

func (tx *Transaction) put(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %v", bucket, key, err)
	}
	tx.Ops = append(tx.Ops, Op{Type: OpPut, Bucket: bucket, Key: key, Value: data})
	return nil
}

func (tx *Transaction) delete(bucket, key string) {
	tx.Ops = append(tx.Ops, Op{Type: OpDelete, Bucket: bucket, Key: key})
}

// PutFailoverUnit records fu
func (tx *Transaction) PutFailoverUnit(fu *types.FailoverUnit) error {
	return tx.put(BucketFailoverUnits, fu.ID.String(), fu)
}

// DeleteFailoverUnit removes a failover unit record
func (tx *Transaction) DeleteFailoverUnit(id types.FailoverUnitID) {
	tx.delete(BucketFailoverUnits, id.String())
}

// PutApplication records app
func (tx *Transaction) PutApplication(app *types.ApplicationInfo) error {
	return tx.put(BucketApplications, app.ID, app)
}

func (tx *Transaction) DeleteApplication(id string) {
	tx.delete(BucketApplications, id)
}

// PutNode records node
func (tx *Transaction) PutNode(node *types.NodeInfo) error {
	return tx.put(BucketNodes, node.ID(), node)
}

// PutFabricUpgradeContext records the version instance and upgrade as a pair.
// A nil upgrade deletes the upgrade record.
func (tx *Transaction) PutFabricUpgradeContext(version types.FabricVersionInstance, upgrade *types.FabricUpgrade) error {
	if err := tx.put(BucketFabric, keyFabricVersion, version); err != nil {
		return err
	}
	if upgrade == nil {
		tx.delete(BucketFabric, keyFabricUpgrade)
		return nil
	}
	return tx.put(BucketFabric, keyFabricUpgrade, upgrade)
}
