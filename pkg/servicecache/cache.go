package servicecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/failover/pkg/async"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/entity"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/types"
)

// ActionExecutor runs state machine actions once the unit they describe is committed
type ActionExecutor interface {
	ExecuteActions(fu *types.FailoverUnit, actions []failover.Action)
}

type noopExecutor struct{}

func (noopExecutor) ExecuteActions(*types.FailoverUnit, []failover.Action) {}

// Options configures a Cache
type Options struct {
	Store        storage.Store
	StateMachine *failover.StateMachine
	Config       *config.Component
	Clock        clock.Clock
	Events       *events.Broker
	Executor     ActionExecutor
	// Generation distinguishes location versions issued by different FM primaries
	Generation int64
}

// Cache indexes failover units and applications and owns every write to them
type Cache struct {
	store  storage.Store
	sm     *failover.StateMachine
	cfg    *config.Component
	clock  clock.Clock
	events *events.Broker
	logger zerolog.Logger

	failoverUnits *entity.Map[types.FailoverUnitID, *types.FailoverUnit]
	applications  *entity.Map[string, *types.ApplicationInfo]

	// one detailed application trace per DcaTraceInterval
	appTrace *rate.Limiter

	mu            sync.RWMutex
	executor      ActionExecutor
	generation    int64
	lookupVersion int64
	storeVersion  int64
	closed        bool
}

// New creates an empty cache; call Load to read the store
func New(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config == nil {
		opts.Config = config.NewComponent(nil)
	}
	if opts.StateMachine == nil {
		opts.StateMachine = failover.NewStateMachine(opts.Clock, failover.NewTracer(opts.Config.Get().FTDetailedTraceInterval))
	}
	if opts.Executor == nil {
		opts.Executor = noopExecutor{}
	}
	c := &Cache{
		store:         opts.Store,
		sm:            opts.StateMachine,
		cfg:           opts.Config,
		clock:         opts.Clock,
		events:        opts.Events,
		logger:        log.WithComponent("servicecache"),
		failoverUnits: entity.NewMap[types.FailoverUnitID, *types.FailoverUnit](),
		applications:  entity.NewMap[string, *types.ApplicationInfo](),
		appTrace:      rate.NewLimiter(traceLimit(opts.Config.Get().DcaTraceInterval), 1),
		executor:      opts.Executor,
		generation:    opts.Generation,
	}
	opts.Config.Subscribe(func(next *config.Config) {
		c.sm.Tracer().SetInterval(next.FTDetailedTraceInterval)
		c.appTrace.SetLimit(traceLimit(next.DcaTraceInterval))
	})
	return c
}

func traceLimit(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Load indexes every failover unit and application in the store
func (c *Cache) Load() error {
	fus, err := c.store.ListFailoverUnits()
	if err != nil {
		return errors.Wrap(err, "failed to load failover units")
	}
	for _, fu := range fus {
		if _, err := c.failoverUnits.Insert(fu.ID, fu); err != nil {
			return err
		}
		c.mu.Lock()
		if fu.LookupVersion > c.lookupVersion {
			c.lookupVersion = fu.LookupVersion
		}
		c.mu.Unlock()
	}

	apps, err := c.store.ListApplications()
	if err != nil {
		return errors.Wrap(err, "failed to load applications")
	}
	for _, app := range apps {
		if _, err := c.applications.Insert(app.ID, app); err != nil {
			return err
		}
	}

	c.logger.Info().
		Int("failover_units", len(fus)).
		Int("applications", len(apps)).
		Msg("Service cache loaded")
	return nil
}

// SetExecutor installs the action executor
func (c *Cache) SetExecutor(e ActionExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = e
}

// StateMachine returns the state machine inputs are processed with
func (c *Cache) StateMachine() *failover.StateMachine {
	return c.sm
}

// Close makes every later write fail with ErrObjectClosed. Commits already
// in flight still complete but their actions are not dispatched.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Cache) closedError() error {
	return errors.Wrap(errcode.ErrObjectClosed, "service cache")
}

// GetFailoverUnit returns the committed unit; it must not be mutated
func (c *Cache) GetFailoverUnit(id types.FailoverUnitID) (*types.FailoverUnit, bool) {
	e, ok := c.failoverUnits.Get(id)
	if !ok {
		return nil, false
	}
	return e.Snapshot()
}

// FailoverUnits returns every committed unit
func (c *Cache) FailoverUnits() []*types.FailoverUnit {
	return c.failoverUnits.Snapshots()
}

// FailoverUnitCounts counts units by reconfiguration state, ignoring tombstones
func (c *Cache) FailoverUnitCounts() map[types.ReconfigurationState]int {
	counts := make(map[types.ReconfigurationState]int)
	for _, fu := range c.FailoverUnits() {
		if !fu.Deleted {
			counts[fu.ReconfigurationState]++
		}
	}
	return counts
}

// GetLockedFailoverUnit waits for exclusive access to a unit
func (c *Cache) GetLockedFailoverUnit(ctx context.Context, id types.FailoverUnitID) (*entity.Locked[*types.FailoverUnit], error) {
	if c.isClosed() {
		return nil, c.closedError()
	}
	e, ok := c.failoverUnits.Get(id)
	if !ok {
		return nil, errors.Wrapf(errcode.ErrNotFound, "failover unit %s", id)
	}
	locked, err := e.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if !locked.Exists() {
		locked.Release()
		return nil, errors.Wrapf(errcode.ErrNotFound, "failover unit %s", id)
	}
	return locked, nil
}

// CreateFailoverUnit commits a new unit and requests placement for it
func (c *Cache) CreateFailoverUnit(ctx context.Context, fu *types.FailoverUnit) error {
	if c.isClosed() {
		return c.closedError()
	}
	e, _ := c.failoverUnits.GetOrCreate(fu.ID)
	locked, err := e.Lock(ctx)
	if err != nil {
		return err
	}
	if locked.Exists() {
		locked.Release()
		return errors.Wrapf(errcode.ErrAlreadyExists, "failover unit %s", fu.ID)
	}

	fu.LastUpdated = c.clock.Now()
	actions := []failover.Action{
		{Kind: failover.ActionPersist, Epoch: fu.CurrentEpoch},
		{Kind: failover.ActionRequestPlacement, Epoch: fu.CurrentEpoch},
	}
	return c.BeginUpdateFailoverUnit(locked, fu, actions).Error()
}

// ProcessFailoverUnitInput runs input through the state machine under the
// unit's lock, commits the result and dispatches its actions
func (c *Cache) ProcessFailoverUnitInput(ctx context.Context, id types.FailoverUnitID, input failover.Input) (failover.Result, error) {
	locked, err := c.GetLockedFailoverUnit(ctx, id)
	if err != nil {
		return failover.Result{}, err
	}

	old := locked.Old()
	current := locked.Current()
	result := c.sm.Process(old, current, input)

	if result.Rejected {
		locked.Release()
		return result, result.Err
	}
	if !result.Changed {
		locked.Release()
		if len(result.Actions) > 0 {
			c.dispatch(old, result.Actions)
		}
		return result, nil
	}

	if err := c.BeginUpdateFailoverUnit(locked, current, result.Actions).Wait(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// BeginUpdateFailoverUnit commits newFU and, once the store accepted it,
// publishes it and dispatches the actions. The locked handle is finished by
// the returned operation. Without a leading Persist action the change is
// published in memory only.
func (c *Cache) BeginUpdateFailoverUnit(locked *entity.Locked[*types.FailoverUnit], newFU *types.FailoverUnit, actions []failover.Action) *async.Operation {
	if c.isClosed() {
		locked.Release()
		return async.Completed(c.closedError())
	}

	if len(actions) == 0 || actions[0].Kind != failover.ActionPersist {
		newFU.PersistencePending = true
		locked.Finish(entity.Commit(newFU))
		c.dispatch(newFU, actions)
		return async.Completed(nil)
	}

	old := locked.Old()
	return async.Go(func() error {
		newFU.LookupVersion = c.nextLookupVersion()
		newFU.PersistencePending = false
		tombstone := newFU.Deleted && len(newFU.Replicas) == 0

		tx := storage.NewTransaction()
		if tombstone {
			tx.DeleteFailoverUnit(newFU.ID)
		} else if err := tx.PutFailoverUnit(newFU); err != nil {
			locked.Finish(entity.Discard[*types.FailoverUnit]())
			return err
		}

		if err := c.store.Commit(tx); err != nil {
			locked.Finish(entity.Discard[*types.FailoverUnit]())
			c.logger.Warn().Err(err).
				Str("failover_unit_id", newFU.ID.String()).
				Msg("Failover unit commit failed, update discarded")
			return err
		}
		c.countStoreCommit()

		locked.Finish(entity.Commit(newFU))
		if tombstone {
			c.failoverUnits.Remove(newFU.ID)
		}
		c.publishTransition(old, newFU)

		if c.isClosed() {
			return c.closedError()
		}
		c.dispatch(newFU, actions[1:])
		return nil
	})
}

func (c *Cache) dispatch(fu *types.FailoverUnit, actions []failover.Action) {
	if len(actions) == 0 {
		return
	}
	for _, a := range actions {
		c.sm.Tracer().TraceAction(fu.ID, a)
	}
	c.mu.RLock()
	executor := c.executor
	c.mu.RUnlock()
	executor.ExecuteActions(fu, actions)
}

func (c *Cache) publishTransition(old, current *types.FailoverUnit) {
	meta := map[string]string{
		"failover_unit_id": current.ID.String(),
		"epoch":            current.CurrentEpoch.String(),
	}
	wasReconfiguring := old != nil && old.ReconfigurationState == types.ReconfigurationStateReconfiguring
	switch {
	case current.ReconfigurationState == types.ReconfigurationStateReconfiguring &&
		(old == nil || old.CurrentEpoch != current.CurrentEpoch):
		c.events.Publish(events.NewEvent(events.EventReconfigurationStarted, "reconfiguration started", meta))
	case wasReconfiguring && current.ReconfigurationState == types.ReconfigurationStateStable:
		c.events.Publish(events.NewEvent(events.EventReconfigurationCompleted, "reconfiguration completed", meta))
	}
}

func (c *Cache) nextLookupVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupVersion++
	return c.lookupVersion
}

func (c *Cache) countStoreCommit() {
	c.mu.Lock()
	c.storeVersion++
	c.mu.Unlock()
}

// LocationVersion is the version of the newest committed location change
func (c *Cache) LocationVersion() types.ServiceLocationVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ServiceLocationVersion{
		FMVersion:    c.lookupVersion,
		Generation:   c.generation,
		StoreVersion: c.storeVersion,
	}
}

// ChangedFailoverUnits returns the units changed after since, oldest change
// first, and the version to ask from next time. A version from another
// generation gets every unit.
func (c *Cache) ChangedFailoverUnits(since types.ServiceLocationVersion) ([]*types.FailoverUnit, types.ServiceLocationVersion) {
	current := c.LocationVersion()
	all := since.Generation != current.Generation

	var changed []*types.FailoverUnit
	for _, fu := range c.FailoverUnits() {
		if all || fu.LookupVersion > since.FMVersion {
			changed = append(changed, fu)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].LookupVersion < changed[j].LookupVersion })
	return changed, current
}
