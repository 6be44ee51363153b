package types

import (
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
)

// ApplicationInfo is the FM's record of an application. It is replaced, never
// mutated in place, once it has been committed.
type ApplicationInfo struct {
	ID                   string
	Name                 string
	Version              string
	InstanceID           int64
	Capacity             *ApplicationCapacityDescription
	Upgrade              *ApplicationUpgrade
	Rollback             *ApplicationUpgrade
	UpgradeFailureReason string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsUpgrading reports whether an upgrade or rollback is in progress
func (a *ApplicationInfo) IsUpgrading() bool {
	return a.Upgrade != nil || a.Rollback != nil
}

// Clone returns a deep copy
func (a *ApplicationInfo) Clone() *ApplicationInfo {
	c := *a
	if a.Capacity != nil {
		c.Capacity = a.Capacity.Clone()
	}
	if a.Upgrade != nil {
		c.Upgrade = a.Upgrade.Clone()
	}
	if a.Rollback != nil {
		c.Rollback = a.Rollback.Clone()
	}
	return &c
}

// ApplicationUpgrade tracks an in-flight application upgrade or rollback
type ApplicationUpgrade struct {
	TargetVersion         string
	InstanceID            int64
	UpgradeDomains        []string
	CurrentDomainIndex    int
	IsSafetyCheckComplete bool
	StartedAt             time.Time
}

// CurrentDomain returns the upgrade domain in progress, or "" when done
func (u *ApplicationUpgrade) CurrentDomain() string {
	if u.CurrentDomainIndex < 0 || u.CurrentDomainIndex >= len(u.UpgradeDomains) {
		return ""
	}
	return u.UpgradeDomains[u.CurrentDomainIndex]
}

// IsLastDomain reports whether the current domain is the final one
func (u *ApplicationUpgrade) IsLastDomain() bool {
	return u.CurrentDomainIndex >= len(u.UpgradeDomains)-1
}

func (u *ApplicationUpgrade) Clone() *ApplicationUpgrade {
	c := *u
	c.UpgradeDomains = append([]string(nil), u.UpgradeDomains...)
	return &c
}

// ApplicationMetricDescription constrains one load metric of an application
type ApplicationMetricDescription struct {
	Name                     string
	ReservationNodeCapacity  int64
	MaximumNodeCapacity      int64
	TotalApplicationCapacity int64
}

// ApplicationCapacityDescription constrains where an application may be placed.
// Zero for MaximumNodes, MaximumNodeCapacity or TotalApplicationCapacity means unlimited.
type ApplicationCapacityDescription struct {
	MinimumNodes int
	MaximumNodes int
	Metrics      []ApplicationMetricDescription
}

func (c *ApplicationCapacityDescription) Clone() *ApplicationCapacityDescription {
	clone := *c
	clone.Metrics = append([]ApplicationMetricDescription(nil), c.Metrics...)
	return &clone
}

// Metric returns the named metric description
func (c *ApplicationCapacityDescription) Metric(name string) (ApplicationMetricDescription, bool) {
	for _, m := range c.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return ApplicationMetricDescription{}, false
}

// Validate rejects capacity descriptions placement could never satisfy
func (c *ApplicationCapacityDescription) Validate() error {
	if c.MinimumNodes < 0 || c.MaximumNodes < 0 {
		return errors.Wrap(errcode.ErrInvalidArgument, "node counts must not be negative")
	}
	if c.MaximumNodes != 0 && c.MinimumNodes > c.MaximumNodes {
		return errors.Wrapf(errcode.ErrInvalidArgument,
			"minimum nodes %d exceeds maximum nodes %d", c.MinimumNodes, c.MaximumNodes)
	}

	seen := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if m.Name == "" {
			return errors.Wrap(errcode.ErrInvalidArgument, "metric name must not be empty")
		}
		if seen[m.Name] {
			return errors.Wrapf(errcode.ErrInvalidArgument, "duplicate metric %q", m.Name)
		}
		seen[m.Name] = true

		if m.ReservationNodeCapacity < 0 || m.MaximumNodeCapacity < 0 || m.TotalApplicationCapacity < 0 {
			return errors.Wrapf(errcode.ErrInvalidArgument, "metric %q has a negative capacity", m.Name)
		}
		if m.MaximumNodeCapacity > 0 && m.ReservationNodeCapacity > m.MaximumNodeCapacity {
			return errors.Wrapf(errcode.ErrInvalidArgument,
				"metric %q reservation %d exceeds maximum node capacity %d",
				m.Name, m.ReservationNodeCapacity, m.MaximumNodeCapacity)
		}
		if m.TotalApplicationCapacity > 0 {
			if m.MaximumNodeCapacity > m.TotalApplicationCapacity {
				return errors.Wrapf(errcode.ErrInvalidArgument,
					"metric %q maximum node capacity %d exceeds total capacity %d",
					m.Name, m.MaximumNodeCapacity, m.TotalApplicationCapacity)
			}
			if m.ReservationNodeCapacity*int64(c.MinimumNodes) > m.TotalApplicationCapacity {
				return errors.Wrapf(errcode.ErrInvalidArgument,
					"metric %q reservation for %d nodes exceeds total capacity %d",
					m.Name, c.MinimumNodes, m.TotalApplicationCapacity)
			}
		}
	}
	return nil
}
