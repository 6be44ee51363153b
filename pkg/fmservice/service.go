package fmservice

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/fm"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/storage"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

// Factory builds the FailoverManager a new primary serves
type Factory func(opts fm.Options) *fm.FailoverManager

// Options configures a Service
type Options struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Bootstrap forms a new single-member group when no raft state exists
	Bootstrap bool
	// Transport carries node messages; the primary's FM serves on it
	Transport transport.Transport
	// RaftTransport replaces the TCP transport on BindAddr
	RaftTransport raft.Transport
	Config        *config.Component
	Clock         clock.Clock
	Events        *events.Broker
	Factory       Factory
	ApplyTimeout  time.Duration
}

// Service hosts the FM partition as a raft group. The leader is the
// primary: it owns the only open FailoverManager. Followers apply the
// replicated state and point senders at the primary.
type Service struct {
	opts   Options
	logger zerolog.Logger

	local     *storage.BoltStore
	raft      *raft.Raft
	raftTrans raft.Transport
	logStore  *raftboltdb.BoltStore
	stable    *raftboltdb.BoltStore
	store     *ReplicatedStore
	notify    chan bool

	// serializes writes of the FM partition record
	syncMu sync.Mutex

	mu     sync.RWMutex
	fm     *fm.FailoverManager
	opened bool
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// serviceActions are handled by the service on every replica
var serviceActions = []message.Action{
	message.ActionAddFMReplica,
	message.ActionRemoveFMReplica,
}

// New opens the local copy of the FM state. Raft starts in Open.
func New(opts Options) (*Service, error) {
	if opts.NodeID == "" {
		return nil, errors.Wrap(errcode.ErrInvalidArgument, "node id is required")
	}
	if opts.Transport == nil {
		return nil, errors.Wrap(errcode.ErrInvalidArgument, "transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config == nil {
		opts.Config = config.NewComponent(nil)
	}
	if opts.Factory == nil {
		opts.Factory = fm.New
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	local, err := storage.NewBoltStore(opts.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}

	return &Service{
		opts:   opts,
		logger: log.WithComponent("fmservice").With().Str("node_id", opts.NodeID).Logger(),
		local:  local,
		notify: make(chan bool, 16),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func (s *Service) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.opts.NodeID)

	// faster failure detection than the WAN-oriented defaults; a primary
	// change takes a few seconds on a LAN
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	cfg.NotifyCh = s.notify
	cfg.LogOutput = log.WithComponent("raft")
	return cfg
}

// Open starts raft, bootstraps the group if asked to and begins following
// leadership changes
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrap(errcode.ErrObjectClosed, "fm service")
	}
	if s.opened {
		return nil
	}

	raftLog := log.WithComponent("raft")
	trans := s.opts.RaftTransport
	if trans == nil {
		addr, err := net.ResolveTCPAddr("tcp", s.opts.BindAddr)
		if err != nil {
			return errors.Wrap(err, "failed to resolve bind address")
		}
		tcp, err := raft.NewTCPTransport(s.opts.BindAddr, addr, 3, 10*time.Second, raftLog)
		if err != nil {
			return errors.Wrap(err, "failed to create raft transport")
		}
		trans = tcp
	}
	s.raftTrans = trans

	snapshots, err := raft.NewFileSnapshotStore(s.opts.DataDir, 2, raftLog)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot store")
	}
	s.logStore, err = raftboltdb.NewBoltStore(filepath.Join(s.opts.DataDir, "raft-log.db"))
	if err != nil {
		return errors.Wrap(err, "failed to create log store")
	}
	s.stable, err = raftboltdb.NewBoltStore(filepath.Join(s.opts.DataDir, "raft-stable.db"))
	if err != nil {
		return errors.Wrap(err, "failed to create stable store")
	}

	existing, err := raft.HasExistingState(s.logStore, s.stable, snapshots)
	if err != nil {
		return errors.Wrap(err, "failed to read raft state")
	}

	r, err := raft.NewRaft(s.raftConfig(), newStoreFSM(s.local), s.logStore, s.stable, snapshots, trans)
	if err != nil {
		return errors.Wrap(err, "failed to create raft")
	}
	s.raft = r
	s.store = NewReplicatedStore(r, s.local, s.opts.ApplyTimeout)

	if s.opts.Bootstrap && !existing {
		configuration := raft.Configuration{Servers: []raft.Server{{
			ID:      raft.ServerID(s.opts.NodeID),
			Address: trans.LocalAddr(),
		}}}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return errors.Wrap(err, "failed to bootstrap raft group")
		}
		s.logger.Info().Str("raft_address", string(trans.LocalAddr())).Msg("Bootstrapped FM replica set")
	}

	for _, action := range fm.Actions {
		s.opts.Transport.RegisterHandler(action, s.handleNotPrimary)
	}
	s.opts.Transport.RegisterHandler(message.ActionAddFMReplica, s.handleAddReplica)
	s.opts.Transport.RegisterHandler(message.ActionRemoveFMReplica, s.handleRemoveReplica)

	s.opened = true
	go s.run()
	return nil
}

// run follows leadership: the leader becomes primary, everyone else secondary
func (s *Service) run() {
	defer close(s.doneCh)
	for {
		select {
		case leader := <-s.notify:
			if leader {
				s.becomePrimary()
			} else {
				s.becomeSecondary()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) becomePrimary() {
	s.logger.Info().Msg("Gained leadership, opening failover manager")
	metrics.RaftLeader.Set(1)

	// every entry of earlier terms must be applied before the FM loads
	if err := s.raft.Barrier(s.opts.ApplyTimeout).Error(); err != nil {
		s.logger.Error().Err(err).Msg("Barrier failed, staying secondary")
		return
	}

	generation, _ := strconv.ParseInt(s.raft.Stats()["term"], 10, 64)
	manager := s.opts.Factory(fm.Options{
		Store:      s.store,
		Transport:  s.opts.Transport,
		Config:     s.opts.Config,
		Clock:      s.opts.Clock,
		Events:     s.opts.Events,
		Generation: generation,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.opts.ApplyTimeout)
	defer cancel()
	if err := manager.Open(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to open failover manager")
		manager.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		manager.Close()
		return
	}
	s.fm = manager
	s.mu.Unlock()

	if err := s.syncFMFailoverUnit(ctx, nil); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record FM replica set")
	}
	s.opts.Events.Publish(events.NewEvent(events.EventFMPrimaryChanged, "fm primary changed",
		map[string]string{"node_id": s.opts.NodeID, "generation": strconv.FormatInt(generation, 10)}))
}

func (s *Service) becomeSecondary() {
	metrics.RaftLeader.Set(0)
	s.mu.Lock()
	manager := s.fm
	s.fm = nil
	s.mu.Unlock()
	if manager == nil {
		return
	}

	s.logger.Warn().Msg("Lost leadership, closing failover manager")
	manager.Close()
	for _, action := range fm.Actions {
		s.opts.Transport.RegisterHandler(action, s.handleNotPrimary)
	}
}

// FM returns the open FailoverManager while this replica is primary
func (s *Service) FM() (*fm.FailoverManager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fm, s.fm != nil
}

// IsLeader reports whether this replica leads the raft group
func (s *Service) IsLeader() bool {
	if s.raft == nil {
		return false
	}
	return s.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader
func (s *Service) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// RaftStats returns raft's own counters
func (s *Service) RaftStats() map[string]string {
	if s.raft == nil {
		return nil
	}
	return s.raft.Stats()
}

// Ping reads the local store
func (s *Service) Ping() error {
	_, err := s.local.ListNodes()
	return err
}

// LocalStore is the replicated state as applied on this replica
func (s *Service) LocalStore() storage.Store {
	return s.local
}

// The metrics collector samples the primary; secondaries report zeros.

func (s *Service) QueueCounts() types.QueueCounts {
	if m, ok := s.FM(); ok {
		return m.QueueCounts()
	}
	return types.QueueCounts{}
}

func (s *Service) FailoverUnitCounts() map[types.ReconfigurationState]int {
	if m, ok := s.FM(); ok {
		return m.FailoverUnitCounts()
	}
	return nil
}

func (s *Service) NodeCounts() map[types.NodeStatus]int {
	if m, ok := s.FM(); ok {
		return m.NodeCounts()
	}
	return nil
}

func (s *Service) UpgradingApplications() int {
	if m, ok := s.FM(); ok {
		return m.UpgradingApplications()
	}
	return 0
}

// Close closes the FM, shuts raft down and closes every store
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened := s.opened
	manager := s.fm
	s.fm = nil
	s.mu.Unlock()

	if manager != nil {
		manager.Close()
	}
	var firstErr error
	if opened {
		close(s.stopCh)
		<-s.doneCh
		for _, action := range append(append([]message.Action(nil), fm.Actions...), serviceActions...) {
			s.opts.Transport.UnregisterHandler(action)
		}
		if err := s.raft.Shutdown().Error(); err != nil {
			firstErr = err
		}
		if c, ok := s.raftTrans.(raft.WithClose); ok {
			_ = c.Close()
		}
	}
	for _, c := range []*raftboltdb.BoltStore{s.logStore, s.stable} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info().Msg("FM service closed")
	return firstErr
}
