package servicecache

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/async"
	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/entity"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/types"
)

// GetApplication returns the committed application; it must not be mutated
func (c *Cache) GetApplication(id string) (*types.ApplicationInfo, bool) {
	e, ok := c.applications.Get(id)
	if !ok {
		return nil, false
	}
	return e.Snapshot()
}

// Applications returns every committed application
func (c *Cache) Applications() []*types.ApplicationInfo {
	return c.applications.Snapshots()
}

// UpgradingApplications counts applications with an upgrade or rollback in flight
func (c *Cache) UpgradingApplications() int {
	n := 0
	for _, app := range c.Applications() {
		if app.IsUpgrading() {
			n++
		}
	}
	return n
}

// GetLockedApplication waits for exclusive access to an application. It
// serializes every writer of the same application id.
func (c *Cache) GetLockedApplication(ctx context.Context, id string) (*entity.Locked[*types.ApplicationInfo], error) {
	if c.isClosed() {
		return nil, c.closedError()
	}
	e, ok := c.applications.Get(id)
	if !ok {
		return nil, errors.Wrapf(errcode.ErrNotFound, "application %s", id)
	}
	locked, err := e.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if !locked.Exists() {
		locked.Release()
		return nil, errors.Wrapf(errcode.ErrNotFound, "application %s", id)
	}
	return locked, nil
}

func (c *Cache) commitApplication(app *types.ApplicationInfo) error {
	tx := storage.NewTransaction()
	if err := tx.PutApplication(app); err != nil {
		return err
	}
	if err := c.store.Commit(tx); err != nil {
		return err
	}
	c.countStoreCommit()
	return nil
}

// BeginUpdateApplication commits newApp and publishes it in place of the
// locked value. The returned operation finishes the locked handle.
func (c *Cache) BeginUpdateApplication(locked *entity.Locked[*types.ApplicationInfo], newApp *types.ApplicationInfo) *async.Operation {
	return c.beginUpdateApplication(context.Background(), locked, newApp, &backoff.StopBackOff{})
}

// beginUpdateApplication is BeginUpdateApplication retrying retryable commit
// failures on policy while the lock is held
func (c *Cache) beginUpdateApplication(ctx context.Context, locked *entity.Locked[*types.ApplicationInfo], newApp *types.ApplicationInfo, policy backoff.BackOff) *async.Operation {
	if c.isClosed() {
		locked.Release()
		return async.Completed(c.closedError())
	}
	return async.Go(func() error {
		err := bgwork.Retry(ctx, c.clock, policy, func() error {
			return c.commitApplication(newApp)
		})
		if err != nil {
			locked.Finish(entity.Discard[*types.ApplicationInfo]())
			return err
		}
		locked.Finish(entity.Commit(newApp))
		c.traceApplication(newApp)
		return nil
	})
}

// traceApplication logs a committed application; the upgrade detail goes
// to info level at most once per DcaTraceInterval
func (c *Cache) traceApplication(app *types.ApplicationInfo) {
	ev := c.logger.Debug()
	if c.appTrace.Allow() {
		ev = c.logger.Info()
		if u := app.Upgrade; u != nil {
			ev = ev.Str("target_version", u.TargetVersion).
				Str("upgrade_domain", u.CurrentDomain()).
				Bool("safety_check_complete", u.IsSafetyCheckComplete)
		}
		if app.Rollback != nil {
			ev = ev.Str("rollback_version", app.Rollback.TargetVersion)
		}
	}
	if app.UpgradeFailureReason != "" {
		ev = ev.Str("upgrade_failure", app.UpgradeFailureReason)
	}
	ev.Str("application_id", app.ID).
		Int64("instance_id", app.InstanceID).
		Msg("Application updated")
}

// updateApplication applies fn to a copy of the committed application.
// fn returning nil leaves the application unchanged.
func (c *Cache) updateApplication(ctx context.Context, id string, fn func(next *types.ApplicationInfo) (*types.ApplicationInfo, error)) error {
	locked, err := c.GetLockedApplication(ctx, id)
	if err != nil {
		return err
	}
	next, err := fn(locked.Current())
	if err != nil || next == nil {
		locked.Release()
		return err
	}
	next.UpdatedAt = c.clock.Now()
	return c.BeginUpdateApplication(locked, next).Error()
}

// CreateApplication commits a new application
func (c *Cache) CreateApplication(ctx context.Context, app *types.ApplicationInfo) error {
	if app.ID == "" {
		return errors.Wrap(errcode.ErrInvalidArgument, "application id is required")
	}
	if app.Capacity != nil {
		if err := app.Capacity.Validate(); err != nil {
			return err
		}
	}
	if c.isClosed() {
		return c.closedError()
	}

	e, _ := c.applications.GetOrCreate(app.ID)
	locked, err := e.Lock(ctx)
	if err != nil {
		return err
	}
	if locked.Exists() {
		locked.Release()
		return errors.Wrapf(errcode.ErrAlreadyExists, "application %s", app.ID)
	}

	now := c.clock.Now()
	app.CreatedAt = now
	app.UpdatedAt = now
	return c.BeginUpdateApplication(locked, app).Error()
}

// DeleteApplication removes an application that is not upgrading
func (c *Cache) DeleteApplication(ctx context.Context, id string) error {
	locked, err := c.GetLockedApplication(ctx, id)
	if err != nil {
		return err
	}
	if locked.Old().IsUpgrading() {
		locked.Release()
		return errors.Wrapf(errcode.ErrUpgradeInProgress, "application %s", id)
	}

	tx := storage.NewTransaction()
	tx.DeleteApplication(id)
	if err := c.store.Commit(tx); err != nil {
		locked.Release()
		return err
	}
	c.countStoreCommit()
	c.applications.Remove(id)
	locked.Release()
	return nil
}

// UpdateApplicationCapacity replaces the capacity description
func (c *Cache) UpdateApplicationCapacity(ctx context.Context, id string, capacity *types.ApplicationCapacityDescription) error {
	if capacity != nil {
		if err := capacity.Validate(); err != nil {
			return err
		}
	}
	return c.updateApplication(ctx, id, func(next *types.ApplicationInfo) (*types.ApplicationInfo, error) {
		if capacity == nil {
			next.Capacity = nil
		} else {
			next.Capacity = capacity.Clone()
		}
		return next, nil
	})
}

// StartApplicationUpgrade begins rolling the application to upgrade.TargetVersion
func (c *Cache) StartApplicationUpgrade(ctx context.Context, id string, upgrade types.ApplicationUpgrade) error {
	if upgrade.TargetVersion == "" || len(upgrade.UpgradeDomains) == 0 {
		return errors.Wrap(errcode.ErrInvalidArgument, "upgrade needs a target version and upgrade domains")
	}
	return c.updateApplication(ctx, id, func(next *types.ApplicationInfo) (*types.ApplicationInfo, error) {
		if next.IsUpgrading() {
			return nil, errors.Wrapf(errcode.ErrUpgradeInProgress, "application %s", id)
		}
		u := upgrade.Clone()
		next.InstanceID++
		u.InstanceID = next.InstanceID
		u.CurrentDomainIndex = 0
		u.IsSafetyCheckComplete = false
		u.StartedAt = c.clock.Now()
		next.Upgrade = u
		next.UpgradeFailureReason = ""
		return next, nil
	})
}

// StartApplicationRollback walks the domains upgraded so far back to the current version
func (c *Cache) StartApplicationRollback(ctx context.Context, id string) error {
	return c.updateApplication(ctx, id, func(next *types.ApplicationInfo) (*types.ApplicationInfo, error) {
		if next.Upgrade == nil {
			return nil, errors.Wrapf(errcode.ErrApplicationNotUpgrading, "application %s", id)
		}
		if next.Rollback != nil {
			return nil, nil
		}

		done := next.Upgrade.UpgradeDomains[:next.Upgrade.CurrentDomainIndex+1]
		domains := make([]string, 0, len(done))
		for i := len(done) - 1; i >= 0; i-- {
			domains = append(domains, done[i])
		}
		next.InstanceID++
		next.Rollback = &types.ApplicationUpgrade{
			TargetVersion:  next.Version,
			InstanceID:     next.InstanceID,
			UpgradeDomains: domains,
			StartedAt:      c.clock.Now(),
		}
		return next, nil
	})
}

// activeUpgrade is the rollback when one is running, otherwise the upgrade
func activeUpgrade(app *types.ApplicationInfo) *types.ApplicationUpgrade {
	if app.Rollback != nil {
		return app.Rollback
	}
	return app.Upgrade
}

// CompleteApplicationUpgradeDomain moves the upgrade past its current domain.
// The domain's safety check must have completed.
func (c *Cache) CompleteApplicationUpgradeDomain(ctx context.Context, id string) error {
	return c.updateApplication(ctx, id, func(next *types.ApplicationInfo) (*types.ApplicationInfo, error) {
		u := activeUpgrade(next)
		if u == nil {
			return nil, errors.Wrapf(errcode.ErrApplicationNotUpgrading, "application %s", id)
		}
		if !u.IsSafetyCheckComplete {
			return nil, errors.Wrapf(errcode.ErrInvalidArgument, "safety check pending for domain %s", u.CurrentDomain())
		}

		if !u.IsLastDomain() {
			u.CurrentDomainIndex++
			u.IsSafetyCheckComplete = false
			return next, nil
		}
		if next.Rollback == nil {
			next.Version = next.Upgrade.TargetVersion
		}
		next.Upgrade = nil
		next.Rollback = nil
		return next, nil
	})
}

// BeginProcessPLBSafetyCheck marks the application's in-flight upgrade as
// safety checked. It completes with ErrApplicationNotUpgrading, without
// touching the application, when no upgrade is in flight. Commit failures are
// retried; once retries run out the upgrade failure reason is recorded.
func (c *Cache) BeginProcessPLBSafetyCheck(ctx context.Context, id string) *async.Operation {
	return async.Go(func() error {
		return c.processPLBSafetyCheck(ctx, id)
	})
}

func (c *Cache) processPLBSafetyCheck(ctx context.Context, id string) error {
	locked, err := c.GetLockedApplication(ctx, id)
	if err != nil {
		return err
	}
	logger := c.logger.With().Str("application_id", id).Logger()

	old := locked.Old()
	active := activeUpgrade(old)
	if active == nil {
		locked.Release()
		logger.Debug().Msg("Safety check for application that is not upgrading")
		return errors.Wrapf(errcode.ErrApplicationNotUpgrading, "application %s", id)
	}
	if active.IsSafetyCheckComplete {
		locked.Release()
		return nil
	}

	next := old.Clone()
	activeUpgrade(next).IsSafetyCheckComplete = true
	next.UpdatedAt = c.clock.Now()

	policy := bgwork.NewCommitPolicy(c.cfg.Get().Upgrade, c.clock)
	err = c.beginUpdateApplication(ctx, locked, next, policy).Error()
	if err == nil {
		logger.Info().Str("domain", active.CurrentDomain()).Msg("Upgrade safety check completed")
		c.events.Publish(events.NewEvent(events.EventSafetyCheckCompleted, "safety check completed",
			map[string]string{"application_id": id, "domain": active.CurrentDomain()}))
		return nil
	}

	logger.Error().Err(err).Msg("Failed to commit safety check, failing upgrade")
	reason := fmt.Sprintf("safety check commit failed: %v", err)
	if ferr := c.updateApplication(ctx, id, func(failed *types.ApplicationInfo) (*types.ApplicationInfo, error) {
		failed = failed.Clone()
		failed.UpgradeFailureReason = reason
		return failed, nil
	}); ferr != nil {
		logger.Warn().Err(ferr).Msg("Failed to record upgrade failure reason")
	}
	c.events.Publish(events.NewEvent(events.EventApplicationUpgradeFailed, reason,
		map[string]string{"application_id": id}))
	return err
}
