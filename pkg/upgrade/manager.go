package upgrade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/failover/pkg/async"
	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/types"
)

const (
	sendTimeout      = 10 * time.Second
	maxParallelSends = 16
)

// NodeSource lists the nodes known to the FM
type NodeSource interface {
	Nodes() []*types.NodeInfo
}

// CommandSender delivers upgrade commands to nodes
type CommandSender interface {
	SendOneWay(ctx context.Context, target string, msg *message.Message) error
}

// Options configures a Manager
type Options struct {
	Store  storage.Store
	Nodes  NodeSource
	Sender CommandSender
	Config *config.Component
	Clock  clock.Clock
	Events *events.Broker
}

// Manager drives one fabric upgrade at a time, domain by domain.
//
// The installed version instance and the in-flight upgrade are guarded by
// one lock and always committed together.
type Manager struct {
	store  storage.Store
	nodes  NodeSource
	sender CommandSender
	cfg    *config.Component
	clock  clock.Clock
	events *events.Broker
	logger zerolog.Logger
	bgm    *bgwork.Manager

	mu      sync.RWMutex
	version types.FabricVersionInstance
	upgrade *types.FabricUpgrade
	closed  bool
}

func commandRetryConfig(cfg *config.Config) config.MessageRetryConfig {
	return config.MessageRetryConfig{
		MinimumIntervalBetweenWork: cfg.MessageRetry.MinimumIntervalBetweenWork,
		RetryInterval:              cfg.Upgrade.CommandRetryInterval,
		Policy:                     config.RetryPolicyFixed,
	}
}

// New creates a manager; call Load to read the persisted upgrade context
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config == nil {
		opts.Config = config.NewComponent(nil)
	}
	m := &Manager{
		store:  opts.Store,
		nodes:  opts.Nodes,
		sender: opts.Sender,
		cfg:    opts.Config,
		clock:  opts.Clock,
		events: opts.Events,
		logger: log.WithComponent("fabric-upgrade"),
	}
	m.bgm = bgwork.New("fabric-upgrade", m.resend, commandRetryConfig(opts.Config.Get()), opts.Clock)
	opts.Config.Subscribe(func(next *config.Config) {
		m.bgm.UpdateConfig(commandRetryConfig(next))
	})
	return m
}

// Load restores the version instance and any in-flight upgrade
func (m *Manager) Load() error {
	version, upgrade, err := m.store.GetFabricUpgradeContext()
	if err != nil {
		return errors.Wrap(err, "failed to load fabric upgrade context")
	}

	m.mu.Lock()
	m.version = version
	m.upgrade = upgrade
	m.mu.Unlock()

	if upgrade != nil {
		metrics.FabricUpgradeInProgress.Set(1)
		m.logger.Info().
			Str("target", upgrade.Description.VersionInstance().String()).
			Str("domain", upgrade.CurrentDomain()).
			Msg("Resuming fabric upgrade")
		m.bgm.Request(types.NewActivityID())
	}
	return nil
}

// VersionInstance is the fabric version every node must eventually run
func (m *Manager) VersionInstance() types.FabricVersionInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Upgrade returns a copy of the in-flight upgrade, or nil
func (m *Manager) Upgrade() *types.FabricUpgrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.upgrade == nil {
		return nil
	}
	return m.upgrade.Clone()
}

// Close stops command resends; later calls fail with ErrObjectClosed
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.bgm.Close()
}

func (m *Manager) closedError() error {
	return errors.Wrap(errcode.ErrObjectClosed, "fabric upgrade manager")
}

// ProcessFabricUpgrade validates and persists a new upgrade, then starts
// sending commands to the first upgrade domain. Repeating the request of the
// in-flight or installed instance succeeds without effect.
func (m *Manager) ProcessFabricUpgrade(ctx context.Context, desc types.FabricUpgradeDescription) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.closedError()
	}

	if m.upgrade != nil {
		current := m.upgrade.Description.InstanceID
		switch {
		case desc.InstanceID == current:
			return nil
		case desc.InstanceID < current:
			return errors.Wrapf(errcode.ErrStaleRequest, "upgrade instance %d is older than %d", desc.InstanceID, current)
		default:
			return errors.Wrapf(errcode.ErrUpgradeInProgress, "upgrade instance %d in flight", current)
		}
	}
	if desc.InstanceID <= m.version.InstanceID {
		if desc.VersionInstance() == m.version {
			return nil
		}
		return errors.Wrapf(errcode.ErrStaleRequest, "upgrade instance %d is not newer than installed %s", desc.InstanceID, m.version)
	}

	next := &types.FabricUpgrade{
		Description: desc,
		StartedAt:   m.clock.Now(),
	}
	next.Description.UpgradeDomains = append([]string(nil), desc.UpgradeDomains...)
	next.Progress = m.progressFor(next.CurrentDomain(), desc.VersionInstance())
	version, next, domains := m.advance(m.version, next)

	if err := m.commitLocked(ctx, version, next); err != nil {
		m.logger.Error().Err(err).Str("target", desc.VersionInstance().String()).Msg("Failed to persist fabric upgrade")
		m.events.Publish(events.NewEvent(events.EventFabricUpgradeFailed, err.Error(),
			map[string]string{"target": desc.VersionInstance().String()}))
		return err
	}

	m.logger.Info().
		Str("target", desc.VersionInstance().String()).
		Strs("domains", desc.UpgradeDomains).
		Msg("Fabric upgrade started")
	m.events.Publish(events.NewEvent(events.EventFabricUpgradeStarted, "fabric upgrade started",
		map[string]string{"target": desc.VersionInstance().String()}))
	m.installLocked(version, next, domains)
	m.bgm.Request(types.NewActivityID())
	return nil
}

// ProcessNodeFabricUpgradeReplyAsync folds a node's acknowledgement into the
// upgrade. It never blocks the caller; the returned operation completes once
// the resulting progress is committed.
func (m *Manager) ProcessNodeFabricUpgradeReplyAsync(ctx context.Context, reply message.NodeFabricUpgradeReplyBody) *async.Operation {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return async.Completed(m.closedError())
	}
	return async.Go(func() error {
		return m.processReply(ctx, reply)
	})
}

func (m *Manager) processReply(ctx context.Context, reply message.NodeFabricUpgradeReplyBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return m.closedError()
	}
	if m.upgrade == nil {
		return nil
	}
	target := m.upgrade.Description.VersionInstance()
	if reply.FabricVersion != target {
		if reply.FabricVersion.InstanceID < target.InstanceID {
			return errors.Wrapf(errcode.ErrStaleRequest, "reply for %s, upgrading to %s", reply.FabricVersion, target)
		}
		return errors.Wrapf(errcode.ErrInvalidArgument, "reply for unknown version %s", reply.FabricVersion)
	}

	nodeID := reply.Node.NodeID
	bucket, tracked := m.upgrade.Progress.Nodes[nodeID]
	if !tracked || bucket == types.UpgradeBucketReady {
		return nil
	}

	next := m.upgrade.Clone()
	next.Progress.Nodes[nodeID] = types.UpgradeBucketReady
	next.FailureReason = ""
	version, next, domains := m.advance(m.version, next)

	if err := m.commitLocked(ctx, version, next); err != nil {
		m.failLocked(err)
		return err
	}
	m.installLocked(version, next, domains)
	if len(domains) > 0 {
		m.bgm.Request(types.NewActivityID())
	}
	return nil
}

// advance moves past every complete domain and returns the domains it
// completed. A nil upgrade is returned once the last domain is done,
// together with the new version instance.
func (m *Manager) advance(version types.FabricVersionInstance, next *types.FabricUpgrade) (types.FabricVersionInstance, *types.FabricUpgrade, []string) {
	target := next.Description.VersionInstance()
	var completed []string
	for next.Progress.IsDomainComplete() {
		if next.CurrentDomain() == "" {
			return target, nil, completed
		}
		completed = append(completed, next.CurrentDomain())
		next.CurrentDomainIndex++
		if next.CurrentDomain() == "" {
			return target, nil, completed
		}
		next.Progress = m.progressFor(next.CurrentDomain(), target)
	}
	return version, next, completed
}

// progressFor tracks the up nodes of an upgrade domain
func (m *Manager) progressFor(domain string, target types.FabricVersionInstance) types.FabricUpgradeProgress {
	progress := types.FabricUpgradeProgress{Nodes: make(map[string]types.UpgradeBucket)}
	for _, node := range m.domainNodes(domain) {
		if node.FabricVersion == target {
			progress.Nodes[node.ID()] = types.UpgradeBucketReady
		} else {
			progress.Nodes[node.ID()] = types.UpgradeBucketPending
		}
	}
	return progress
}

func (m *Manager) domainNodes(domain string) map[string]*types.NodeInfo {
	nodes := make(map[string]*types.NodeInfo)
	if m.nodes == nil || domain == "" {
		return nodes
	}
	for _, node := range m.nodes.Nodes() {
		if node.UpgradeDomain == domain && node.IsUp() {
			nodes[node.ID()] = node
		}
	}
	return nodes
}

func (m *Manager) commitLocked(ctx context.Context, version types.FabricVersionInstance, upgrade *types.FabricUpgrade) error {
	policy := bgwork.NewCommitPolicy(m.cfg.Get().Upgrade, m.clock)
	return bgwork.Retry(ctx, m.clock, policy, func() error {
		tx := storage.NewTransaction()
		if err := tx.PutFabricUpgradeContext(version, upgrade); err != nil {
			return err
		}
		return m.store.Commit(tx)
	})
}

// failLocked records why the upgrade could not make progress
func (m *Manager) failLocked(cause error) {
	failed := m.upgrade.Clone()
	failed.FailureReason = fmt.Sprintf("failed to commit upgrade progress: %v", cause)
	m.logger.Error().Err(cause).Str("domain", failed.CurrentDomain()).Msg("Fabric upgrade failed to make progress")

	tx := storage.NewTransaction()
	if err := tx.PutFabricUpgradeContext(m.version, failed); err == nil {
		if err := m.store.Commit(tx); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to record fabric upgrade failure reason")
		}
	}
	m.upgrade = failed
	m.events.Publish(events.NewEvent(events.EventFabricUpgradeFailed, failed.FailureReason,
		map[string]string{"target": failed.Description.VersionInstance().String()}))
}

// installLocked makes a committed upgrade state current. Domain events are
// published only here so subscribers never see progress that was not stored.
func (m *Manager) installLocked(version types.FabricVersionInstance, upgrade *types.FabricUpgrade, completed []string) {
	m.version = version
	m.upgrade = upgrade

	target := version
	if upgrade != nil {
		target = upgrade.Description.VersionInstance()
	}
	for _, domain := range completed {
		m.logger.Info().Str("domain", domain).Msg("Upgrade domain completed")
		m.events.Publish(events.NewEvent(events.EventFabricUpgradeDomainDone, "upgrade domain completed",
			map[string]string{"domain": domain, "target": target.String()}))
	}
	metrics.FabricUpgradeDomainsCompleted.Add(float64(len(completed)))
	if upgrade != nil {
		metrics.FabricUpgradeInProgress.Set(1)
		return
	}
	metrics.FabricUpgradeInProgress.Set(0)
	m.logger.Info().Str("version", version.String()).Msg("Fabric upgrade completed")
	m.events.Publish(events.NewEvent(events.EventFabricUpgradeCompleted, "fabric upgrade completed",
		map[string]string{"version": version.String()}))
}

// refreshLocked reconciles the current domain with the nodes that are up
// now: nodes that went down stop blocking the domain and nodes that came up
// join it. It reports whether anything changed.
func (m *Manager) refreshLocked(next *types.FabricUpgrade) bool {
	target := next.Description.VersionInstance()
	up := m.domainNodes(next.CurrentDomain())
	changed := false
	for id := range next.Progress.Nodes {
		if _, ok := up[id]; !ok {
			delete(next.Progress.Nodes, id)
			changed = true
		}
	}
	for id, node := range up {
		if _, ok := next.Progress.Nodes[id]; ok {
			continue
		}
		bucket := types.UpgradeBucketPending
		if node.FabricVersion == target {
			bucket = types.UpgradeBucketReady
		}
		next.Progress.Nodes[id] = bucket
		changed = true
	}
	return changed
}

// resend is the background work: it reconciles progress with node
// membership and resends the command to every node not yet ready
func (m *Manager) resend(activityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	desc, targets := m.syncProgress(ctx)
	if desc == nil {
		m.bgm.OnWorkComplete(bgwork.RetryNone)
		return
	}
	m.dispatch(ctx, activityID, *desc, targets)
	m.bgm.OnWorkComplete(bgwork.RetryNeeded)
}

func (m *Manager) syncProgress(ctx context.Context) (*types.FabricUpgradeDescription, []*types.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.upgrade == nil {
		return nil, nil
	}

	next := m.upgrade.Clone()
	if m.refreshLocked(next) {
		version, advanced, domains := m.advance(m.version, next)
		if err := m.commitLocked(ctx, version, advanced); err != nil {
			m.failLocked(err)
		} else {
			m.installLocked(version, advanced, domains)
		}
	}
	if m.upgrade == nil {
		return nil, nil
	}

	up := m.domainNodes(m.upgrade.CurrentDomain())
	var targets []*types.NodeInfo
	for _, id := range append(m.upgrade.Progress.InBucket(types.UpgradeBucketPending),
		m.upgrade.Progress.InBucket(types.UpgradeBucketWaiting)...) {
		if node, ok := up[id]; ok {
			targets = append(targets, node)
		}
	}
	desc := m.upgrade.Description
	return &desc, targets
}

// dispatch sends the upgrade command to targets in parallel and moves the
// nodes that accepted it to the waiting bucket
func (m *Manager) dispatch(ctx context.Context, activityID string, desc types.FabricUpgradeDescription, targets []*types.NodeInfo) {
	if len(targets) == 0 {
		return
	}

	var (
		mu       sync.Mutex
		accepted []string
		g        errgroup.Group
	)
	g.SetLimit(maxParallelSends)
	for _, node := range targets {
		g.Go(func() error {
			msg, err := message.NewWithActivity(message.ActionNodeFabricUpgrade, activityID,
				message.NodeFabricUpgradeBody{Upgrade: desc})
			if err != nil {
				return err
			}
			msg.Priority = message.PriorityHigh
			if err := m.sender.SendOneWay(ctx, node.Address, msg); err != nil {
				m.logger.Debug().Err(err).Str("node_id", node.ID()).Msg("Failed to send upgrade command")
				return nil
			}
			mu.Lock()
			accepted = append(accepted, node.ID())
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to build upgrade command")
	}
	sort.Strings(accepted)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upgrade == nil || m.upgrade.Description.InstanceID != desc.InstanceID {
		return
	}
	for _, id := range accepted {
		if m.upgrade.Progress.Nodes[id] == types.UpgradeBucketPending {
			m.upgrade.Progress.Nodes[id] = types.UpgradeBucketWaiting
		}
	}
	m.logger.Debug().
		Str("domain", m.upgrade.CurrentDomain()).
		Int64("instance", desc.InstanceID).
		Int("sent", len(accepted)).
		Int("targets", len(targets)).
		Msg("Upgrade commands sent")
}
