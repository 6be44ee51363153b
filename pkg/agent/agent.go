package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/fmmessage"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

// Replica is a replica hosted on this node
type Replica struct {
	FailoverUnitID types.FailoverUnitID
	ServiceName    string
	Epoch          types.Epoch
	ReplicaID      int64
	InstanceID     int64
	State          types.ReplicaState
	Endpoint       string
	// Configuration is the replica set last received from the FM
	Configuration []message.ReplicaDescription `json:",omitempty"`
}

func (r *Replica) clone() *Replica {
	c := *r
	c.Configuration = append([]message.ReplicaDescription(nil), r.Configuration...)
	return &c
}

// Options configures an Agent
type Options struct {
	NodeID        string
	UpgradeDomain string
	FaultDomain   string
	FabricVersion types.FabricVersionInstance
	// DataDir keeps hosted replicas across restarts; empty keeps them in memory
	DataDir   string
	Transport transport.Transport
	FMAddress string
	Config    *config.Component
	Clock     clock.Clock
}

// Agent is the reconfiguration agent of one node. It registers the node
// with the FM, hosts replicas as the FM directs and reports every replica
// change until the FM acknowledges it.
type Agent struct {
	opts   Options
	fm     *transport.FMTransport
	retry  *fmmessage.RetryComponent
	store  *localStore
	cfg    *config.Component
	clock  clock.Clock
	logger zerolog.Logger

	mu            sync.RWMutex
	node          types.NodeInstance
	replicas      map[types.FailoverUnitID]*Replica
	fabricVersion types.FabricVersionInstance
	opened        bool
	closed        bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Actions are the messages an Agent handles
var Actions = []message.Action{
	message.ActionDoReconfiguration,
	message.ActionUpdateConfiguration,
	message.ActionAddReplica,
	message.ActionDeleteReplica,
	message.ActionReplicaUpReply,
	message.ActionReplicaEndpointUpdatedReply,
	message.ActionNodeFabricUpgrade,
}

// New creates an agent. Replicas kept in DataDir are loaded by Open.
func New(opts Options) (*Agent, error) {
	if opts.NodeID == "" {
		return nil, errors.Wrap(errcode.ErrInvalidArgument, "node id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config == nil {
		opts.Config = config.NewComponent(nil)
	}

	a := &Agent{
		opts:          opts,
		fm:            transport.NewFMTransport(opts.Transport, opts.FMAddress, message.PriorityNormal),
		cfg:           opts.Config,
		clock:         opts.Clock,
		logger:        log.WithComponent("agent").With().Str("node_id", opts.NodeID).Logger(),
		replicas:      make(map[types.FailoverUnitID]*Replica),
		fabricVersion: opts.FabricVersion,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	a.retry = fmmessage.NewRetryComponent("agent-"+opts.NodeID, a.fm, opts.Config, opts.Clock)

	if opts.DataDir != "" {
		store, err := openLocalStore(opts.DataDir)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a, nil
}

// Open loads the hosted replicas, registers the node with a new instance
// id and uploads every replica. The heartbeat loop starts once the FM
// accepted the node.
func (a *Agent) Open(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.Wrap(errcode.ErrObjectClosed, "agent")
	}
	if a.opened {
		a.mu.Unlock()
		return nil
	}

	last, err := a.store.loadInstance()
	if err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "failed to load node instance")
	}
	replicas, err := a.store.loadReplicas()
	if err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "failed to load replicas")
	}
	version, found, err := a.store.loadFabricVersion()
	if err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "failed to load fabric version")
	}
	if found {
		a.fabricVersion = version
	}
	a.node = types.NodeInstance{NodeID: a.opts.NodeID, InstanceID: last + 1}
	for _, r := range replicas {
		// the replica was closed with the previous instance; it reopens idle
		if r.State != types.ReplicaStateDown {
			r.State = types.ReplicaStateIdle
		}
		a.replicas[r.FailoverUnitID] = r
	}
	if err := a.store.saveInstance(a.node.InstanceID); err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "failed to save node instance")
	}
	a.mu.Unlock()

	for _, action := range Actions {
		a.fm.Transport().RegisterHandler(action, a.handler(action))
	}
	if err := a.register(ctx); err != nil {
		for _, action := range Actions {
			a.fm.Transport().UnregisterHandler(action)
		}
		return err
	}

	a.mu.Lock()
	a.opened = true
	a.mu.Unlock()
	go a.heartbeatLoop()
	return nil
}

// register sends NodeUp for the current instance and starts the upload
func (a *Agent) register(ctx context.Context) error {
	a.mu.RLock()
	body := message.NodeUpBody{
		Node:          a.node,
		Address:       a.fm.Transport().Address(),
		UpgradeDomain: a.opts.UpgradeDomain,
		FaultDomain:   a.opts.FaultDomain,
		FabricVersion: a.fabricVersion,
	}
	a.mu.RUnlock()

	msg, err := message.New(message.ActionNodeUp, body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Get().Agent.RequestTimeout)
	defer cancel()
	reply, err := a.fm.RequestFM(ctx, types.FailoverUnitID{}, msg)
	if err != nil {
		return errors.Wrapf(err, "node %s was not accepted by the failover manager", body.Node)
	}
	var ack message.NodeUpAckBody
	if err := reply.Decode(&ack); err != nil {
		return err
	}
	if !ack.Activated {
		return errors.Wrapf(errcode.ErrInvalidArgument, "node %s was not activated", body.Node)
	}

	a.logger.Info().
		Str("instance", body.Node.String()).
		Str("fabric_version", ack.FabricVersion.String()).
		Msg("Node registered with failover manager")

	var upload []fmmessage.Entry
	for _, r := range a.Replicas() {
		upload = append(upload, fmmessage.Entry{Stage: fmmessage.StageReplicaUpload, Replica: a.describe(r)})
	}
	a.retry.BeginUpload(upload...)
	return nil
}

// Close stops heartbeats and retries. Replicas stay in the local store.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	opened := a.opened
	a.mu.Unlock()

	if opened {
		close(a.stopCh)
		<-a.doneCh
		for _, action := range Actions {
			a.fm.Transport().UnregisterHandler(action)
		}
	}
	a.retry.Close()
	return a.store.close()
}

// IsLeader is false: the FM is the leader an agent follows
func (a *Agent) IsLeader() bool {
	return false
}

// LeaderAddr is the FM address the node reports to, or "" until the FM
// accepted the node
func (a *Agent) LeaderAddr() string {
	a.mu.RLock()
	registered := a.opened && !a.closed
	a.mu.RUnlock()
	if !registered {
		return ""
	}
	return a.fm.FMAddress()
}

// Ping checks the local replica store
func (a *Agent) Ping() error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return errors.Wrap(errcode.ErrObjectClosed, "agent")
	}
	return a.store.ping()
}

// Node returns the current node instance
func (a *Agent) Node() types.NodeInstance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node
}

// FabricVersion returns the fabric version the node runs
func (a *Agent) FabricVersion() types.FabricVersionInstance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fabricVersion
}

// Replica returns a copy of the hosted replica of a failover unit
func (a *Agent) Replica(id types.FailoverUnitID) (*Replica, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.replicas[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Replicas returns copies of every hosted replica
func (a *Agent) Replicas() []*Replica {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Replica, 0, len(a.replicas))
	for _, r := range a.replicas {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailoverUnitID.String() < out[j].FailoverUnitID.String()
	})
	return out
}

// PendingReports returns the replica changes the FM has not acknowledged
func (a *Agent) PendingReports() []fmmessage.Entry {
	return a.retry.PendingEntries()
}

// describe is the wire report of r from this node instance
func (a *Agent) describe(r *Replica) message.FailoverUnitReplica {
	rep := message.ReplicaDescription{
		Node:       a.Node(),
		ReplicaID:  r.ReplicaID,
		InstanceID: r.InstanceID,
		State:      r.State,
		Endpoint:   r.Endpoint,
	}
	desc := &types.Replica{State: r.State}
	rep.Role = desc.Role()
	return message.FailoverUnitReplica{
		FailoverUnitID: r.FailoverUnitID,
		ServiceName:    r.ServiceName,
		Epoch:          r.Epoch,
		Replica:        rep,
	}
}

// update applies fn to the hosted replica of id and persists the result.
// fn returning nil deletes the replica.
func (a *Agent) update(id types.FailoverUnitID, fn func(r *Replica) *Replica) (*Replica, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.Wrap(errcode.ErrObjectClosed, "agent")
	}

	var current *Replica
	if r, ok := a.replicas[id]; ok {
		current = r.clone()
	}
	next := fn(current)
	if next == nil {
		if current == nil {
			return nil, nil
		}
		if err := a.store.deleteReplica(id); err != nil {
			return nil, errors.Wrapf(err, "failed to delete replica of %s", id)
		}
		delete(a.replicas, id)
		return nil, nil
	}
	if err := a.store.putReplica(next); err != nil {
		return nil, errors.Wrapf(err, "failed to persist replica of %s", id)
	}
	a.replicas[id] = next
	return next.clone(), nil
}

func (a *Agent) report(stage fmmessage.Stage, r *Replica) {
	a.retry.Enqueue(fmmessage.Entry{Stage: stage, Replica: a.describe(r)})
}

// ReportReplicaUp reports a hosted replica that was reopened
func (a *Agent) ReportReplicaUp(id types.FailoverUnitID) error {
	r, err := a.update(id, func(r *Replica) *Replica {
		if r != nil && r.State == types.ReplicaStateDown {
			r.State = types.ReplicaStateIdle
			r.InstanceID++
		}
		return r
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica of %s", id)
	}
	a.report(fmmessage.StageReplicaUp, r)
	return nil
}

// ReportReplicaDown reports a hosted replica that closed
func (a *Agent) ReportReplicaDown(id types.FailoverUnitID) error {
	r, err := a.update(id, func(r *Replica) *Replica {
		if r != nil {
			r.State = types.ReplicaStateDown
			r.Endpoint = ""
		}
		return r
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica of %s", id)
	}
	a.report(fmmessage.StageReplicaDown, r)
	return nil
}

// ReportReplicaDropped removes a hosted replica and reports it dropped
func (a *Agent) ReportReplicaDropped(id types.FailoverUnitID) error {
	var dropped *Replica
	if _, err := a.update(id, func(r *Replica) *Replica {
		dropped = r
		return nil
	}); err != nil {
		return err
	}
	if dropped == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica of %s", id)
	}
	dropped.State = types.ReplicaStateDropped
	a.report(fmmessage.StageReplicaDropped, dropped)
	return nil
}

// ReportEndpoint publishes the endpoint a hosted replica listens on
func (a *Agent) ReportEndpoint(id types.FailoverUnitID, endpoint string) error {
	r, err := a.update(id, func(r *Replica) *Replica {
		if r != nil {
			r.Endpoint = endpoint
		}
		return r
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Wrapf(errcode.ErrNotFound, "no replica of %s", id)
	}
	a.report(fmmessage.StageEndpointAvailable, r)
	return nil
}

// ReportLoad sends the load of a hosted replica. Load reports are not
// retried; the next report supersedes a lost one.
func (a *Agent) ReportLoad(ctx context.Context, id types.FailoverUnitID, load map[string]int64) error {
	r, ok := a.Replica(id)
	if !ok {
		return errors.Wrapf(errcode.ErrNotFound, "no replica of %s", id)
	}
	msg, err := message.New(message.ActionLoadReport, message.LoadReportBody{Replica: a.describe(r), Load: load})
	if err != nil {
		return err
	}
	return a.fm.SendToFM(ctx, id, msg)
}
