package servicecache

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/types"
)

func createApp(t *testing.T, c *Cache, id string) {
	t.Helper()
	require.NoError(t, c.CreateApplication(context.Background(), &types.ApplicationInfo{
		ID:      id,
		Name:    "fabric:/" + id,
		Version: "1.0",
	}))
}

func startUpgrade(t *testing.T, c *Cache, id string, domains ...string) {
	t.Helper()
	require.NoError(t, c.StartApplicationUpgrade(context.Background(), id, types.ApplicationUpgrade{
		TargetVersion:  "2.0",
		UpgradeDomains: domains,
	}))
}

func TestSafetyCheckRequiresUpgrade(t *testing.T) {
	c, store, _ := newTestCache(t)
	createApp(t, c, "app")
	before, _ := c.GetApplication("app")
	attempts := store.Attempts()

	err := c.BeginProcessPLBSafetyCheck(context.Background(), "app").Error()

	assert.True(t, errors.Is(err, errcode.ErrApplicationNotUpgrading))
	after, _ := c.GetApplication("app")
	assert.Same(t, before, after, "application untouched")
	assert.Equal(t, attempts, store.Attempts())
}

func TestSafetyCheckIsCopyOnWrite(t *testing.T) {
	c, store, _ := newTestCache(t)
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0", "ud1")
	before, _ := c.GetApplication("app")

	require.NoError(t, c.BeginProcessPLBSafetyCheck(context.Background(), "app").Error())

	after, _ := c.GetApplication("app")
	assert.NotSame(t, before, after)
	assert.False(t, before.Upgrade.IsSafetyCheckComplete, "committed value never mutated in place")
	assert.True(t, after.Upgrade.IsSafetyCheckComplete)

	stored, err := store.GetApplication("app")
	require.NoError(t, err)
	assert.True(t, stored.Upgrade.IsSafetyCheckComplete)

	// a duplicate notification is a no-op
	attempts := store.Attempts()
	require.NoError(t, c.BeginProcessPLBSafetyCheck(context.Background(), "app").Error())
	assert.Equal(t, attempts, store.Attempts())
}

func TestSafetyCheckRetriesCommit(t *testing.T) {
	c, store, _ := newTestCache(t)
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0")
	attempts := store.Attempts()

	store.FailNext(2, errors.Wrap(errcode.ErrStoreTransient, "disk busy"))
	require.NoError(t, c.BeginProcessPLBSafetyCheck(context.Background(), "app").Error())

	assert.Equal(t, attempts+3, store.Attempts())
	app, _ := c.GetApplication("app")
	assert.True(t, app.Upgrade.IsSafetyCheckComplete)
	assert.Empty(t, app.UpgradeFailureReason)
}

func TestSafetyCheckRecordsFailureAfterRetries(t *testing.T) {
	c, store, _ := newTestCache(t)
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0")

	// one attempt plus three retries
	store.FailNext(4, errors.Wrap(errcode.ErrStoreTransient, "disk busy"))
	err := c.BeginProcessPLBSafetyCheck(context.Background(), "app").Error()
	require.Error(t, err)

	app, _ := c.GetApplication("app")
	assert.NotEmpty(t, app.UpgradeFailureReason)
	assert.False(t, app.Upgrade.IsSafetyCheckComplete)

	stored, err := store.GetApplication("app")
	require.NoError(t, err)
	assert.Equal(t, app.UpgradeFailureReason, stored.UpgradeFailureReason)
}

func TestSafetyCheckUnknownApplication(t *testing.T) {
	c, _, _ := newTestCache(t)
	err := c.BeginProcessPLBSafetyCheck(context.Background(), "missing").Error()
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
}

func TestUpgradeWalksDomains(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0", "ud1")

	err := c.StartApplicationUpgrade(ctx, "app", types.ApplicationUpgrade{TargetVersion: "3.0", UpgradeDomains: []string{"ud0"}})
	assert.True(t, errors.Is(err, errcode.ErrUpgradeInProgress))

	err = c.CompleteApplicationUpgradeDomain(ctx, "app")
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument), "safety check first")

	require.NoError(t, c.BeginProcessPLBSafetyCheck(ctx, "app").Error())
	require.NoError(t, c.CompleteApplicationUpgradeDomain(ctx, "app"))
	app, _ := c.GetApplication("app")
	assert.Equal(t, "ud1", app.Upgrade.CurrentDomain())
	assert.False(t, app.Upgrade.IsSafetyCheckComplete)

	require.NoError(t, c.BeginProcessPLBSafetyCheck(ctx, "app").Error())
	require.NoError(t, c.CompleteApplicationUpgradeDomain(ctx, "app"))
	app, _ = c.GetApplication("app")
	assert.Nil(t, app.Upgrade)
	assert.Equal(t, "2.0", app.Version)
	assert.Equal(t, 0, c.UpgradingApplications())
}

func TestRollbackReturnsToVersion(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0", "ud1", "ud2")
	require.NoError(t, c.BeginProcessPLBSafetyCheck(ctx, "app").Error())
	require.NoError(t, c.CompleteApplicationUpgradeDomain(ctx, "app"))

	require.NoError(t, c.StartApplicationRollback(ctx, "app"))
	app, _ := c.GetApplication("app")
	require.NotNil(t, app.Rollback)
	assert.Equal(t, "1.0", app.Rollback.TargetVersion)
	assert.Equal(t, []string{"ud1", "ud0"}, app.Rollback.UpgradeDomains)
	assert.Equal(t, 1, c.UpgradingApplications())

	for i := 0; i < 2; i++ {
		require.NoError(t, c.BeginProcessPLBSafetyCheck(ctx, "app").Error())
		require.NoError(t, c.CompleteApplicationUpgradeDomain(ctx, "app"))
	}
	app, _ = c.GetApplication("app")
	assert.False(t, app.IsUpgrading())
	assert.Equal(t, "1.0", app.Version)
}

func TestCreateApplicationValidatesCapacity(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	err := c.CreateApplication(ctx, &types.ApplicationInfo{
		ID:       "app",
		Capacity: &types.ApplicationCapacityDescription{MinimumNodes: 3, MaximumNodes: 2},
	})
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))

	createApp(t, c, "app")
	assert.True(t, errors.Is(c.CreateApplication(ctx, &types.ApplicationInfo{ID: "app"}), errcode.ErrAlreadyExists))

	err = c.UpdateApplicationCapacity(ctx, "app", &types.ApplicationCapacityDescription{MaximumNodes: 4})
	require.NoError(t, err)
	app, _ := c.GetApplication("app")
	assert.Equal(t, 4, app.Capacity.MaximumNodes)
}

func TestDeleteApplication(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	createApp(t, c, "app")
	startUpgrade(t, c, "app", "ud0")

	assert.True(t, errors.Is(c.DeleteApplication(ctx, "app"), errcode.ErrUpgradeInProgress))

	createApp(t, c, "other")
	require.NoError(t, c.DeleteApplication(ctx, "other"))
	_, ok := c.GetApplication("other")
	assert.False(t, ok)
	_, err := store.GetApplication("other")
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
}
