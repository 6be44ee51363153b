package fm

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/jobqueue"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/placement"
	"github.com/cuemby/failover/pkg/reconciler"
	"github.com/cuemby/failover/pkg/servicecache"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
	"github.com/cuemby/failover/pkg/upgrade"
)

// Actions are the inbound messages a FailoverManager handles
var Actions = []message.Action{
	message.ActionNodeUp,
	message.ActionNodeHeartbeat,
	message.ActionReplicaUp,
	message.ActionReplicaEndpointUpdated,
	message.ActionLoadReport,
	message.ActionReconfigurationComplete,
	message.ActionNodeFabricUpgradeReply,
	message.ActionFabricUpgradeRequest,
	message.ActionPLBSafetyCheck,
	message.ActionQueryFailoverUnits,
	message.ActionCreateFailoverUnit,
}

// Options configures a FailoverManager
type Options struct {
	Store     storage.Store
	Transport transport.Transport
	Config    *config.Component
	Clock     clock.Clock
	Events    *events.Broker
	// Generation is bumped by every new FM primary
	Generation int64
}

// FailoverManager owns the failover units of the cluster: it processes
// replica reports from nodes, drives reconfigurations and placement, and
// runs fabric upgrades.
type FailoverManager struct {
	store     storage.Store
	transport transport.Transport
	cfg       *config.Component
	clock     clock.Clock
	events    *events.Broker
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cache      *servicecache.Cache
	upgrade    *upgrade.Manager
	placer     *placement.Placer
	placement  *bgwork.Manager
	reconciler *reconciler.Reconciler
	queue      *jobqueue.Queue[*FailoverManager]

	nodesMu sync.RWMutex
	nodes   map[string]*types.NodeInfo

	mu     sync.RWMutex
	opened bool
	closed bool
}

// New wires a FailoverManager; Open loads its state and starts serving
func New(opts Options) *FailoverManager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config == nil {
		opts.Config = config.NewComponent(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())

	fm := &FailoverManager{
		store:     opts.Store,
		transport: opts.Transport,
		cfg:       opts.Config,
		clock:     opts.Clock,
		events:    opts.Events,
		logger:    log.WithComponent("fm"),
		ctx:       ctx,
		cancel:    cancel,
		placer:    placement.NewPlacer(),
		nodes:     make(map[string]*types.NodeInfo),
	}

	fm.cache = servicecache.New(servicecache.Options{
		Store:      opts.Store,
		Config:     opts.Config,
		Clock:      opts.Clock,
		Events:     opts.Events,
		Executor:   fm,
		Generation: opts.Generation,
	})
	fm.upgrade = upgrade.New(upgrade.Options{
		Store:  opts.Store,
		Nodes:  fm,
		Sender: opts.Transport,
		Config: opts.Config,
		Clock:  opts.Clock,
		Events: opts.Events,
	})
	fm.placement = bgwork.New("placement", fm.placeReplicas, opts.Config.Get().MessageRetry, opts.Clock)
	fm.reconciler = reconciler.NewReconciler(fm, opts.Config, opts.Clock)

	cfg := opts.Config.Get()
	fm.queue = jobqueue.New("fm", fm, cfg.JobQueue, opts.Clock)
	opts.Config.Subscribe(func(next *config.Config) {
		fm.queue.SetMaxQueueSize(next.JobQueue.MaxQueueSize)
		fm.placement.UpdateConfig(next.MessageRetry)
	})
	return fm
}

// Open loads the node cache, failover units, applications and the fabric
// upgrade context in parallel, then registers the message handlers
func (fm *FailoverManager) Open(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return errors.Wrap(errcode.ErrObjectClosed, "failover manager")
	}
	if fm.opened {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(fm.loadNodes)
	g.Go(fm.cache.Load)
	g.Go(fm.upgrade.Load)
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "failed to open failover manager")
	}

	fm.registerHandlers()
	fm.reconciler.Start()
	fm.placement.Request(types.NewActivityID())
	fm.opened = true

	fm.logger.Info().
		Int("nodes", len(fm.Nodes())).
		Int("failover_units", len(fm.cache.FailoverUnits())).
		Str("location_version", fm.cache.LocationVersion().String()).
		Msg("Failover manager opened")
	return nil
}

// Close stops serving. Queued messages are answered with ErrObjectClosed
// and every later call fails with it.
func (fm *FailoverManager) Close() {
	fm.mu.Lock()
	if fm.closed {
		fm.mu.Unlock()
		return
	}
	fm.closed = true
	opened := fm.opened
	fm.mu.Unlock()

	if opened {
		for _, action := range Actions {
			fm.transport.UnregisterHandler(action)
		}
		fm.reconciler.Stop()
	}
	fm.cancel()
	fm.queue.Close()
	fm.placement.Close()
	fm.upgrade.Close()
	fm.cache.Close()
	fm.logger.Info().Msg("Failover manager closed")
}

func (fm *FailoverManager) isClosed() bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.closed
}

func (fm *FailoverManager) closedError() error {
	return errors.Wrap(errcode.ErrObjectClosed, "failover manager")
}

// Cache exposes the service cache for administrative operations
func (fm *FailoverManager) Cache() *servicecache.Cache {
	return fm.cache
}

// Upgrade exposes the fabric upgrade manager
func (fm *FailoverManager) Upgrade() *upgrade.Manager {
	return fm.upgrade
}

// CreateFailoverUnit creates a partition of serviceName and lets placement
// build its replicas
func (fm *FailoverManager) CreateFailoverUnit(ctx context.Context, serviceName, appID string, target, min int) (types.FailoverUnitID, error) {
	if fm.isClosed() {
		return types.FailoverUnitID{}, fm.closedError()
	}
	if target <= 0 || min <= 0 || min > target {
		return types.FailoverUnitID{}, errors.Wrapf(errcode.ErrInvalidArgument,
			"replica set sizes target=%d min=%d", target, min)
	}
	fu := types.NewFailoverUnit(types.NewFailoverUnitID(), serviceName, appID, target, min)
	if err := fm.cache.CreateFailoverUnit(ctx, fu); err != nil {
		return types.FailoverUnitID{}, err
	}
	return fu.ID, nil
}

// FailoverUnits returns every committed failover unit
func (fm *FailoverManager) FailoverUnits() []*types.FailoverUnit {
	return fm.cache.FailoverUnits()
}

// QueueCounts, FailoverUnitCounts, NodeCounts and UpgradingApplications
// make the manager a metrics source

func (fm *FailoverManager) QueueCounts() types.QueueCounts {
	return fm.queue.Counts()
}

func (fm *FailoverManager) FailoverUnitCounts() map[types.ReconfigurationState]int {
	return fm.cache.FailoverUnitCounts()
}

func (fm *FailoverManager) NodeCounts() map[types.NodeStatus]int {
	counts := make(map[types.NodeStatus]int)
	for _, n := range fm.Nodes() {
		counts[n.Status]++
	}
	return counts
}

func (fm *FailoverManager) UpgradingApplications() int {
	return fm.cache.UpgradingApplications()
}
