package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

// Target is the FM state the reconciler watches and heals
type Target interface {
	Nodes() []*types.NodeInfo
	FailoverUnits() []*types.FailoverUnit
	MarkNodeDown(ctx context.Context, node types.NodeInstance) error
	ExecuteActions(fu *types.FailoverUnit, actions []failover.Action)
	RequestPlacement()
}

// Reconciler ensures the failover units converge even when messages are lost
type Reconciler struct {
	target Target
	cfg    *config.Component
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(target Target, cfg *config.Component, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg == nil {
		cfg = config.NewComponent(nil)
	}
	return &Reconciler{
		target: target,
		cfg:    cfg,
		clock:  clk,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the current cycle
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := r.clock.Ticker(r.cfg.Get().Reconciler.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.cfg.Get().Reconciler
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
	defer cancel()

	r.reconcileNodes(ctx, cfg.NodeDownTimeout)
	r.reconcileFailoverUnits(cfg.ReconfigurationTimeout)
}

// reconcileNodes marks nodes down when their heartbeat expired
func (r *Reconciler) reconcileNodes(ctx context.Context, timeout time.Duration) {
	now := r.clock.Now()
	for _, node := range r.target.Nodes() {
		if !node.IsUp() || now.Sub(node.LastHeartbeat) <= timeout {
			continue
		}
		r.logger.Warn().
			Str("node_id", node.ID()).
			Dur("since_heartbeat", now.Sub(node.LastHeartbeat)).
			Msg("Node missed heartbeats, marking down")
		if err := r.target.MarkNodeDown(ctx, node.Instance); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID()).Msg("Failed to mark node down")
		}
	}
}

// reconcileFailoverUnits resends the messages of units stuck longer than
// timeout and asks for placement when a unit is short of replicas
func (r *Reconciler) reconcileFailoverUnits(timeout time.Duration) {
	now := r.clock.Now()
	needsPlacement := false
	for _, fu := range r.target.FailoverUnits() {
		if fu.ID.IsFM() {
			// the FM partition follows the raft membership
			continue
		}
		if fu.NeedsReplicas() {
			needsPlacement = true
		}
		if now.Sub(fu.LastUpdated) <= timeout {
			continue
		}
		stuck := fu.ReconfigurationState == types.ReconfigurationStateReconfiguring &&
			now.Sub(fu.ReconfigurationStartedAt) > timeout
		actions := failover.PendingActions(fu)
		if !stuck {
			actions = withoutConfiguration(actions)
		}
		if len(actions) == 0 {
			continue
		}
		r.logger.Info().
			Str("failover_unit_id", fu.ID.String()).
			Str("epoch", fu.CurrentEpoch.String()).
			Int("actions", len(actions)).
			Msg("Resending pending messages")
		r.target.ExecuteActions(fu, actions)
	}
	if needsPlacement {
		r.target.RequestPlacement()
	}
}

func withoutConfiguration(actions []failover.Action) []failover.Action {
	var out []failover.Action
	for _, a := range actions {
		if a.Kind == failover.ActionDoReconfiguration || a.Kind == failover.ActionUpdateConfiguration {
			continue
		}
		out = append(out, a)
	}
	return out
}
