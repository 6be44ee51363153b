package failover

import (
	"reflect"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/assert"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

// Reconfiguration triggers, used as metric labels
const (
	TriggerInitial         = "initial"
	TriggerReplicaDown     = "replica_down"
	TriggerReplicaDropped  = "replica_dropped"
	TriggerAddReplica      = "add_replica"
	TriggerRemoveReplica   = "remove_replica"
	TriggerSwapPrimary     = "swap_primary"
	TriggerUpgrade         = "upgrade"
	TriggerDataLoss        = "data_loss"
	TriggerPrimaryRestored = "primary_restored"
)

// StateMachine computes FailoverUnit transitions. It holds no per-unit state
// and is safe for concurrent use; callers serialize inputs per unit.
type StateMachine struct {
	clock  clock.Clock
	tracer *Tracer
}

// NewStateMachine creates a state machine. A nil clock uses the wall clock.
func NewStateMachine(clk clock.Clock, tracer *Tracer) *StateMachine {
	if clk == nil {
		clk = clock.New()
	}
	if tracer == nil {
		tracer = NewTracer(0)
	}
	return &StateMachine{clock: clk, tracer: tracer}
}

// Tracer returns the tracer used for update and action traces
func (sm *StateMachine) Tracer() *Tracer {
	return sm.tracer
}

// Process applies input to current, which must be a private copy of old.
// On a rejected input current may hold partial changes and must be discarded.
func (sm *StateMachine) Process(old, current *types.FailoverUnit, input Input) Result {
	u := &update{old: old, fu: current, now: sm.clock.Now()}

	err := u.apply(input)
	var result Result
	if err != nil {
		result = Result{Rejected: true, Reason: err.Error(), Err: err}
		if errors.Is(err, errcode.ErrStaleEpoch) || errors.Is(err, errcode.ErrStaleRequest) {
			metrics.StaleReportsDropped.WithLabelValues(string(input.Kind())).Inc()
		}
	} else {
		result = u.finish()
	}

	sm.tracer.TraceUpdate(old, current, input, result)
	return result
}

// update carries one input through the state machine
type update struct {
	old, fu  *types.FailoverUnit
	now      time.Time
	trigger  string
	dataLoss bool
	actions  []Action
}

func (u *update) apply(input Input) error {
	if u.fu.Deleted {
		switch input.(type) {
		case NodeUp, ReplicaUp, ReplicaDown, ReplicaDropped, Delete:
		default:
			return errors.Wrapf(errcode.ErrNotFound, "failover unit %s is deleted", u.fu.ID)
		}
	}

	switch in := input.(type) {
	case NodeUp:
		return u.nodeUp(in)
	case ReplicaUp:
		return u.replicaUp(in.Report)
	case ReplicaDown:
		return u.replicaDown(in.Report)
	case ReplicaDropped:
		return u.replicaDropped(in.Report)
	case LoadReport:
		return u.loadReport(in)
	case EndpointAvailable:
		return u.endpointAvailable(in.Report)
	case ReconfigurationComplete:
		return u.reconfigurationComplete(in)
	case AddReplica:
		return u.addReplica(in)
	case RemoveReplica:
		return u.removeReplica(in)
	case SwapPrimary:
		return u.swapPrimary(in.NodeID, TriggerSwapPrimary)
	case UpgradeNode:
		return u.upgradeNode(in)
	case RecoverDataLoss:
		return u.recoverDataLoss()
	case Delete:
		return u.delete()
	}
	assert.CodingError("unknown failover input %T", input)
	return nil
}

func (u *update) checkEpoch(e types.Epoch) error {
	if e != u.fu.CurrentEpoch {
		return errors.Wrapf(errcode.ErrStaleEpoch, "report epoch %s, current %s", e, u.fu.CurrentEpoch)
	}
	return nil
}

// replicaFor finds the replica a report refers to, rejecting older incarnations
func (u *update) replicaFor(rep ReplicaReport) (*types.Replica, error) {
	r := u.fu.GetReplica(rep.Node.NodeID)
	if r == nil {
		return nil, errors.Wrapf(errcode.ErrNotFound, "no replica on node %s", rep.Node.NodeID)
	}
	if rep.ReplicaID != r.ReplicaID {
		return nil, errors.Wrapf(errcode.ErrStaleRequest, "replica %d on %s, reported %d", r.ReplicaID, rep.Node.NodeID, rep.ReplicaID)
	}
	if rep.Node.InstanceID < r.Node.InstanceID ||
		(rep.Node.InstanceID == r.Node.InstanceID && rep.InstanceID < r.InstanceID) {
		return nil, errors.Wrapf(errcode.ErrStaleRequest, "replica %d instance %d on %s is older than %d on %s",
			rep.ReplicaID, rep.InstanceID, rep.Node, r.InstanceID, r.Node)
	}
	return r, nil
}

func (u *update) setState(r *types.Replica, to types.ReplicaState) {
	if err := transitionReplica(r, to); err != nil {
		assert.CodingError("failover unit %s replica %d on %s: %v", u.fu.ID, r.ReplicaID, r.Node, err)
	}
	r.LastUpdated = u.now
}

func (u *update) reconfigure(trigger string) {
	if u.trigger == "" {
		u.trigger = trigger
	}
}

func (u *update) send(kind ActionKind, r *types.Replica) {
	u.actions = append(u.actions, Action{
		Kind:      kind,
		Target:    r.Node,
		ReplicaID: r.ReplicaID,
		Epoch:     u.fu.CurrentEpoch,
	})
}

func (u *update) nodeUp(in NodeUp) error {
	reported := make(map[int64]bool, len(in.Replicas))
	for _, rep := range in.Replicas {
		reported[rep.ReplicaID] = true
	}

	// a restarted node that no longer reports its replica has lost it
	if r := u.fu.GetReplica(in.Node.NodeID); r != nil && in.Node.Supersedes(r.Node) && !reported[r.ReplicaID] {
		u.dropReplica(r, TriggerReplicaDropped)
	}

	for _, rep := range in.Replicas {
		rep.Node = in.Node
		if err := u.replicaUp(rep); err != nil {
			if errors.Is(err, errcode.ErrStaleEpoch) || errors.Is(err, errcode.ErrStaleRequest) {
				metrics.StaleReportsDropped.WithLabelValues(string(InputNodeUp)).Inc()
			}
			continue
		}
	}
	return nil
}

func (u *update) replicaUp(rep ReplicaReport) error {
	if err := u.checkEpoch(rep.Epoch); err != nil {
		return err
	}
	r, err := u.replicaFor(rep)
	if err != nil {
		return err
	}

	if r.State == types.ReplicaStateDropping {
		u.send(ActionDeleteReplica, r)
		return nil
	}

	// a new incarnation of a replica we believed up has restarted
	if (rep.Node.Supersedes(r.Node) || rep.InstanceID > r.InstanceID) && r.IsUp() && r.State != types.ReplicaStateBuilding {
		u.markDown(r)
	}
	r.Node = rep.Node
	r.InstanceID = rep.InstanceID

	switch r.State {
	case types.ReplicaStateBuilding, types.ReplicaStateDown, types.ReplicaStateStandby:
		u.setState(r, types.ReplicaStateIdle)
	}
	if rep.Endpoint != "" {
		r.Endpoint = rep.Endpoint
	}
	return nil
}

func (u *update) replicaDown(rep ReplicaReport) error {
	if err := u.checkEpoch(rep.Epoch); err != nil {
		return err
	}
	r, err := u.replicaFor(rep)
	if err != nil {
		return err
	}

	switch r.State {
	case types.ReplicaStateDown:
		return nil
	case types.ReplicaStateDropping:
		u.dropReplica(r, TriggerReplicaDropped)
		return nil
	}
	u.markDown(r)
	return nil
}

func (u *update) markDown(r *types.Replica) {
	if r.IsInConfiguration() {
		r.PreviousRole = r.Role()
		u.reconfigure(TriggerReplicaDown)
	}
	u.setState(r, types.ReplicaStateDown)
	r.Endpoint = ""
	r.Load = nil
}

func (u *update) replicaDropped(rep ReplicaReport) error {
	if err := u.checkEpoch(rep.Epoch); err != nil {
		return err
	}
	r, err := u.replicaFor(rep)
	if err != nil {
		return err
	}
	u.dropReplica(r, TriggerReplicaDropped)
	return nil
}

// dropReplica removes r from the unit
func (u *update) dropReplica(r *types.Replica, trigger string) {
	if r.IsInConfiguration() {
		u.reconfigure(trigger)
	}
	u.setState(r, types.ReplicaStateDropped)

	kept := u.fu.Replicas[:0]
	for _, x := range u.fu.Replicas {
		if x != r {
			kept = append(kept, x)
		}
	}
	u.fu.Replicas = kept
}

func (u *update) loadReport(in LoadReport) error {
	if err := u.checkEpoch(in.Report.Epoch); err != nil {
		return err
	}
	r, err := u.replicaFor(in.Report)
	if err != nil {
		return err
	}
	if !r.IsUp() {
		return errors.Wrapf(errcode.ErrStaleRequest, "load report for %s replica %d", r.State, r.ReplicaID)
	}
	r.Load = make(map[string]int64, len(in.Load))
	for k, v := range in.Load {
		r.Load[k] = v
	}
	return nil
}

func (u *update) endpointAvailable(rep ReplicaReport) error {
	if err := u.checkEpoch(rep.Epoch); err != nil {
		return err
	}
	r, err := u.replicaFor(rep)
	if err != nil {
		return err
	}
	if !r.IsUp() {
		return errors.Wrapf(errcode.ErrStaleRequest, "endpoint for %s replica %d", r.State, r.ReplicaID)
	}
	r.Endpoint = rep.Endpoint
	return nil
}

func (u *update) reconfigurationComplete(in ReconfigurationComplete) error {
	if err := u.checkEpoch(in.Epoch); err != nil {
		return err
	}
	if u.fu.ReconfigurationState != types.ReconfigurationStateReconfiguring {
		return nil
	}
	p := u.fu.Primary()
	if p == nil || p.Node.NodeID != in.Node.NodeID || in.Node.InstanceID < p.Node.InstanceID {
		return errors.Wrapf(errcode.ErrStaleRequest, "reconfiguration completed by %s which is not the primary", in.Node)
	}

	u.fu.ReconfigurationState = types.ReconfigurationStateStable
	u.fu.ReconfigurationStartedAt = time.Time{}
	metrics.ReconfigurationsCompleted.Inc()
	return nil
}

func (u *update) addReplica(in AddReplica) error {
	if existing := u.fu.GetReplica(in.Node.NodeID); existing != nil {
		return errors.Wrapf(errcode.ErrAlreadyExists, "node %s already hosts replica %d", in.Node.NodeID, existing.ReplicaID)
	}
	if u.fu.UpReplicaCount() >= u.fu.TargetReplicaSetSize {
		return errors.Wrapf(errcode.ErrInvalidArgument, "failover unit %s already has %d replicas", u.fu.ID, u.fu.TargetReplicaSetSize)
	}

	r := &types.Replica{
		Node:        in.Node,
		ReplicaID:   u.fu.NextReplicaID(),
		InstanceID:  1,
		State:       types.ReplicaStateBuilding,
		LastUpdated: u.now,
	}
	u.fu.Replicas = append(u.fu.Replicas, r)
	u.send(ActionAddReplica, r)
	return nil
}

func (u *update) removeReplica(in RemoveReplica) error {
	r := u.fu.GetReplica(in.NodeID)
	if r == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica on node %s", in.NodeID)
	}

	switch r.State {
	case types.ReplicaStatePrimary:
		return errors.Wrapf(errcode.ErrInvalidArgument, "replica on %s is the primary, swap it first", in.NodeID)
	case types.ReplicaStateDropping:
		u.send(ActionDeleteReplica, r)
		return nil
	case types.ReplicaStateDown:
		u.dropReplica(r, TriggerRemoveReplica)
		return nil
	}

	if r.IsInConfiguration() {
		u.reconfigure(TriggerRemoveReplica)
	}
	u.setState(r, types.ReplicaStateDropping)
	u.send(ActionDeleteReplica, r)
	return nil
}

func (u *update) swapPrimary(nodeID, trigger string) error {
	if u.fu.ReconfigurationState != types.ReconfigurationStateStable {
		return errors.Wrapf(errcode.ErrServiceBusy, "failover unit %s is %s", u.fu.ID, u.fu.ReconfigurationState)
	}
	r := u.fu.GetReplica(nodeID)
	if r == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica on node %s", nodeID)
	}
	if r.State == types.ReplicaStatePrimary {
		return nil
	}
	if r.State != types.ReplicaStateSecondary {
		return errors.Wrapf(errcode.ErrInvalidArgument, "replica on %s is %s, not secondary", nodeID, r.State)
	}

	if p := u.fu.Primary(); p != nil {
		u.setState(p, types.ReplicaStateSecondary)
	}
	u.setState(r, types.ReplicaStatePrimary)
	u.reconfigure(trigger)
	return nil
}

func (u *update) upgradeNode(in UpgradeNode) error {
	r := u.fu.GetReplica(in.Node.NodeID)
	if r == nil || r.State != types.ReplicaStatePrimary {
		return nil
	}
	var target *types.Replica
	for _, x := range u.sortedReplicas() {
		if x.State == types.ReplicaStateSecondary {
			target = x
			break
		}
	}
	if target == nil {
		return nil
	}
	return u.swapPrimary(target.Node.NodeID, TriggerUpgrade)
}

func (u *update) recoverDataLoss() error {
	if u.fu.Primary() != nil {
		return errors.Wrapf(errcode.ErrInvalidArgument, "failover unit %s has a primary", u.fu.ID)
	}
	c := u.primaryCandidate(true)
	if c == nil {
		return errors.Wrapf(errcode.ErrInvalidArgument, "failover unit %s has no replica to recover from", u.fu.ID)
	}

	for _, r := range u.fu.Replicas {
		r.PreviousRole = ""
	}
	u.setState(c, types.ReplicaStatePrimary)
	u.dataLoss = true
	u.reconfigure(TriggerDataLoss)
	return nil
}

func (u *update) delete() error {
	if u.fu.Deleted {
		return nil
	}
	u.fu.Deleted = true
	for _, r := range u.fu.Replicas {
		if r.State == types.ReplicaStateDropping {
			continue
		}
		u.setState(r, types.ReplicaStateDropping)
		u.send(ActionDeleteReplica, r)
	}
	return nil
}

func (u *update) sortedReplicas() []*types.Replica {
	out := append([]*types.Replica(nil), u.fu.Replicas...)
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// primaryCandidate picks the replica to promote when there is no primary:
// an up secondary first, then an idle replica that was in the configuration,
// then with anyIdle any idle replica
func (u *update) primaryCandidate(anyIdle bool) *types.Replica {
	rank := func(r *types.Replica) int {
		switch {
		case r.State == types.ReplicaStateSecondary:
			return 0
		case r.State == types.ReplicaStateIdle && r.WasInConfiguration():
			return 1
		case r.State == types.ReplicaStateIdle && anyIdle:
			return 2
		}
		return -1
	}

	var best *types.Replica
	for _, r := range u.sortedReplicas() {
		rk := rank(r)
		if rk < 0 {
			continue
		}
		if best == nil || rk < rank(best) {
			best = r
		}
	}
	return best
}

func (u *update) idleReplicas() []*types.Replica {
	var out []*types.Replica
	for _, r := range u.sortedReplicas() {
		if r.State == types.ReplicaStateIdle {
			out = append(out, r)
		}
	}
	return out
}

// fillConfiguration starts a reconfiguration when idle replicas can be
// brought into the configuration
func (u *update) fillConfiguration() {
	fu := u.fu
	if fu.Deleted {
		return
	}

	if fu.Primary() == nil {
		if fu.ReconfigurationState == types.ReconfigurationStateInitializing {
			need := fu.MinReplicaSetSize
			if need < 1 {
				need = 1
			}
			if len(u.idleReplicas()) >= need {
				u.reconfigure(TriggerInitial)
			}
			return
		}
		if u.primaryCandidate(false) != nil {
			u.reconfigure(TriggerPrimaryRestored)
		}
		return
	}

	if fu.ReconfigurationState == types.ReconfigurationStateReconfiguring && u.trigger == "" {
		return
	}
	if len(fu.ConfigurationReplicas()) < fu.TargetReplicaSetSize && len(u.idleReplicas()) > 0 {
		u.reconfigure(TriggerAddReplica)
	}
}

// beginReconfiguration bumps the epoch, assigns roles and emits the
// configuration messages
func (u *update) beginReconfiguration() {
	fu := u.fu
	initial := fu.ReconfigurationState == types.ReconfigurationStateInitializing

	if u.dataLoss {
		fu.CurrentEpoch = fu.CurrentEpoch.NextDataLoss()
	} else {
		fu.CurrentEpoch = fu.CurrentEpoch.NextConfiguration()
	}
	fu.ReconfigurationState = types.ReconfigurationStateReconfiguring
	fu.ReconfigurationStartedAt = u.now
	metrics.ReconfigurationsStarted.WithLabelValues(u.trigger).Inc()

	if fu.Primary() == nil {
		if c := u.primaryCandidate(initial); c != nil {
			u.setState(c, types.ReplicaStatePrimary)
		}
	}
	if fu.Primary() != nil {
		for _, r := range u.idleReplicas() {
			if len(fu.ConfigurationReplicas()) >= fu.TargetReplicaSetSize {
				break
			}
			u.setState(r, types.ReplicaStateSecondary)
		}
	}

	for _, r := range fu.Replicas {
		if r.IsInConfiguration() {
			r.PreviousRole = ""
		}
	}
	u.actions = append(u.actions, configurationActions(fu)...)
}

// configurationActions addresses the configuration of fu at its current
// epoch: DoReconfiguration to the primary, UpdateConfiguration to every
// other up replica that is not still building
func configurationActions(fu *types.FailoverUnit) []Action {
	primary := fu.Primary()
	if primary == nil {
		return nil
	}

	var configuration []*types.Replica
	for _, r := range fu.Replicas {
		if r.IsUp() {
			configuration = append(configuration, r.Clone())
		}
	}

	actions := []Action{{
		Kind:          ActionDoReconfiguration,
		Target:        primary.Node,
		ReplicaID:     primary.ReplicaID,
		Epoch:         fu.CurrentEpoch,
		Configuration: configuration,
	}}
	for _, r := range fu.Replicas {
		if r == primary || !r.IsUp() || r.State == types.ReplicaStateBuilding {
			continue
		}
		actions = append(actions, Action{
			Kind:          ActionUpdateConfiguration,
			Target:        r.Node,
			ReplicaID:     r.ReplicaID,
			Epoch:         fu.CurrentEpoch,
			Configuration: configuration,
		})
	}
	return actions
}

func (u *update) finish() Result {
	u.fillConfiguration()
	if u.trigger != "" {
		// epoch-stamped messages queued before the bump carry the new epoch
		u.beginReconfiguration()
		for i := range u.actions {
			u.actions[i].Epoch = u.fu.CurrentEpoch
		}
	}

	persisted := !reflect.DeepEqual(persistedView(u.old), persistedView(u.fu))
	result := Result{Changed: persisted || loadsChanged(u.old, u.fu)}
	if persisted {
		u.fu.LastUpdated = u.now
		result.Actions = append(result.Actions, Action{Kind: ActionPersist, Epoch: u.fu.CurrentEpoch})
	}
	result.Actions = append(result.Actions, u.actions...)
	if persisted && u.fu.NeedsReplicas() {
		result.Actions = append(result.Actions, Action{Kind: ActionRequestPlacement, Epoch: u.fu.CurrentEpoch})
	}
	return result
}

// persistedView strips the fields that are not written to the store
func persistedView(fu *types.FailoverUnit) *types.FailoverUnit {
	c := fu.Clone()
	c.LastUpdated = time.Time{}
	c.LookupVersion = 0
	c.PersistencePending = false
	for _, r := range c.Replicas {
		r.Load = nil
		r.LastUpdated = time.Time{}
	}
	return c
}

func loadsChanged(old, current *types.FailoverUnit) bool {
	for _, r := range current.Replicas {
		prev := old.GetReplica(r.Node.NodeID)
		if prev == nil {
			if len(r.Load) > 0 {
				return true
			}
			continue
		}
		if len(prev.Load) != len(r.Load) || (len(r.Load) > 0 && !reflect.DeepEqual(prev.Load, r.Load)) {
			return true
		}
	}
	return false
}
