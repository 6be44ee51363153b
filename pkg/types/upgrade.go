package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
)

// FabricVersionInstance is a fabric version together with the upgrade instance that installed it
type FabricVersionInstance struct {
	Version    string
	InstanceID int64
}

func (v FabricVersionInstance) String() string {
	return fmt.Sprintf("%s:%d", v.Version, v.InstanceID)
}

// FabricUpgradeDescription requests a cluster-wide fabric upgrade
type FabricUpgradeDescription struct {
	TargetVersion  string
	InstanceID     int64
	UpgradeDomains []string
}

// VersionInstance returns the version instance the upgrade installs
func (d FabricUpgradeDescription) VersionInstance() FabricVersionInstance {
	return FabricVersionInstance{Version: d.TargetVersion, InstanceID: d.InstanceID}
}

// Task returns the task instance carried by upgrade commands and replies
func (d FabricUpgradeDescription) Task() TaskInstance {
	return TaskInstance{TaskID: "fabric-upgrade", InstanceID: d.InstanceID}
}

func (d FabricUpgradeDescription) Validate() error {
	if d.TargetVersion == "" {
		return errors.Wrap(errcode.ErrInvalidArgument, "target version is required")
	}
	if d.InstanceID <= 0 {
		return errors.Wrap(errcode.ErrInvalidArgument, "instance id must be positive")
	}
	if len(d.UpgradeDomains) == 0 {
		return errors.Wrap(errcode.ErrInvalidArgument, "at least one upgrade domain is required")
	}
	seen := make(map[string]bool, len(d.UpgradeDomains))
	for _, ud := range d.UpgradeDomains {
		if ud == "" || seen[ud] {
			return errors.Wrapf(errcode.ErrInvalidArgument, "invalid or duplicate upgrade domain %q", ud)
		}
		seen[ud] = true
	}
	return nil
}

// UpgradeBucket is the per-node progress of the current upgrade domain
type UpgradeBucket string

const (
	UpgradeBucketPending UpgradeBucket = "pending"
	UpgradeBucketWaiting UpgradeBucket = "waiting"
	UpgradeBucketReady   UpgradeBucket = "ready"
)

// FabricUpgradeProgress buckets the nodes of the current upgrade domain
type FabricUpgradeProgress struct {
	Nodes map[string]UpgradeBucket
}

// InBucket returns the sorted node ids in bucket b
func (p FabricUpgradeProgress) InBucket(b UpgradeBucket) []string {
	var ids []string
	for id, bucket := range p.Nodes {
		if bucket == b {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsDomainComplete reports whether every tracked node is ready
func (p FabricUpgradeProgress) IsDomainComplete() bool {
	for _, b := range p.Nodes {
		if b != UpgradeBucketReady {
			return false
		}
	}
	return true
}

// FabricUpgrade is the persisted state of an in-flight fabric upgrade
type FabricUpgrade struct {
	Description        FabricUpgradeDescription
	CurrentDomainIndex int
	Progress           FabricUpgradeProgress
	StartedAt          time.Time
	FailureReason      string
}

// CurrentDomain returns the upgrade domain in progress, or "" when done
func (u *FabricUpgrade) CurrentDomain() string {
	if u.CurrentDomainIndex >= len(u.Description.UpgradeDomains) {
		return ""
	}
	return u.Description.UpgradeDomains[u.CurrentDomainIndex]
}

func (u *FabricUpgrade) Clone() *FabricUpgrade {
	c := *u
	c.Description.UpgradeDomains = append([]string(nil), u.Description.UpgradeDomains...)
	c.Progress.Nodes = make(map[string]UpgradeBucket, len(u.Progress.Nodes))
	for k, v := range u.Progress.Nodes {
		c.Progress.Nodes[k] = v
	}
	return &c
}
