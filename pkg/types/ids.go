package types

import (
	"fmt"

	"github.com/google/uuid"
)

// FailoverUnitID identifies one partition's failover unit
type FailoverUnitID uuid.UUID

// FMFailoverUnitID is the reserved id of the FM's own partition
var FMFailoverUnitID = FailoverUnitID(uuid.MustParse("00000000-0000-0000-0000-000000000001"))

// NewFailoverUnitID returns a random failover unit id
func NewFailoverUnitID() FailoverUnitID {
	return FailoverUnitID(uuid.New())
}

// ParseFailoverUnitID parses the canonical string form
func ParseFailoverUnitID(s string) (FailoverUnitID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FailoverUnitID{}, fmt.Errorf("invalid failover unit id %q: %v", s, err)
	}
	return FailoverUnitID(id), nil
}

func (id FailoverUnitID) String() string {
	return uuid.UUID(id).String()
}

// IsFM reports whether id is the FM partition
func (id FailoverUnitID) IsFM() bool {
	return id == FMFailoverUnitID
}

func (id FailoverUnitID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *FailoverUnitID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = FailoverUnitID(u)
	return nil
}

// NewActivityID returns an id correlating a message with the work it triggers
func NewActivityID() string {
	return uuid.NewString()
}

// Epoch totally orders a partition's configuration history
type Epoch struct {
	DataLossVersion      int64
	ConfigurationVersion int64
}

// InitialEpoch is the epoch of a newly created failover unit
var InitialEpoch = Epoch{DataLossVersion: 1, ConfigurationVersion: 1}

// Compare returns -1, 0 or 1 comparing data loss version first
func (e Epoch) Compare(other Epoch) int {
	switch {
	case e.DataLossVersion < other.DataLossVersion:
		return -1
	case e.DataLossVersion > other.DataLossVersion:
		return 1
	case e.ConfigurationVersion < other.ConfigurationVersion:
		return -1
	case e.ConfigurationVersion > other.ConfigurationVersion:
		return 1
	}
	return 0
}

func (e Epoch) Less(other Epoch) bool {
	return e.Compare(other) < 0
}

// NextConfiguration returns the epoch of the next reconfiguration
func (e Epoch) NextConfiguration() Epoch {
	return Epoch{DataLossVersion: e.DataLossVersion, ConfigurationVersion: e.ConfigurationVersion + 1}
}

// NextDataLoss returns the epoch after a data loss recovery
func (e Epoch) NextDataLoss() Epoch {
	return Epoch{DataLossVersion: e.DataLossVersion + 1, ConfigurationVersion: 1}
}

func (e Epoch) IsZero() bool {
	return e.DataLossVersion == 0 && e.ConfigurationVersion == 0
}

func (e Epoch) String() string {
	return fmt.Sprintf("(%d,%d)", e.DataLossVersion, e.ConfigurationVersion)
}

// ServiceLocationVersion orders location cache updates
type ServiceLocationVersion struct {
	FMVersion    int64
	Generation   int64
	StoreVersion int64
}

// Compare is lexicographic on (Generation, FMVersion), then StoreVersion
func (v ServiceLocationVersion) Compare(other ServiceLocationVersion) int {
	pairs := [][2]int64{
		{v.Generation, other.Generation},
		{v.FMVersion, other.FMVersion},
		{v.StoreVersion, other.StoreVersion},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

func (v ServiceLocationVersion) String() string {
	return fmt.Sprintf("%d:%d:%d", v.Generation, v.FMVersion, v.StoreVersion)
}

// NodeInstance is one incarnation of a node
type NodeInstance struct {
	NodeID     string
	InstanceID int64
}

// Supersedes reports whether n is a newer incarnation of the same node
func (n NodeInstance) Supersedes(other NodeInstance) bool {
	return n.NodeID == other.NodeID && n.InstanceID > other.InstanceID
}

func (n NodeInstance) String() string {
	return fmt.Sprintf("%s:%d", n.NodeID, n.InstanceID)
}

// TaskInstance identifies one attempt of an idempotent infrastructure task
type TaskInstance struct {
	TaskID     string
	InstanceID int64
}

// IsStale reports whether t is an older attempt of current's task
func (t TaskInstance) IsStale(current TaskInstance) bool {
	return t.TaskID == current.TaskID && t.InstanceID < current.InstanceID
}

func (t TaskInstance) String() string {
	return fmt.Sprintf("%s:%d", t.TaskID, t.InstanceID)
}
