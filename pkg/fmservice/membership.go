package fmservice

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/failover"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

// FMServiceName names the FM partition in the failover unit records
const FMServiceName = "fabric:/System/FailoverManagerService"

const membershipTimeout = 10 * time.Second

// Members returns the raft configuration of the FM replica set
func (s *Service) Members() ([]raft.Server, error) {
	if s.raft == nil {
		return nil, errors.Wrap(errcode.ErrObjectClosed, "fm service not open")
	}
	future := s.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// AddReplica adds a member to the FM replica set as a raft voter and
// records its transport address in the FM partition
func (s *Service) AddReplica(ctx context.Context, member message.FMReplicaBody) error {
	if !s.IsLeader() {
		return s.notPrimaryError()
	}
	if member.NodeID == "" || member.RaftAddress == "" {
		return errors.Wrap(errcode.ErrInvalidArgument, "member needs a node id and a raft address")
	}

	future := s.raft.AddVoter(raft.ServerID(member.NodeID), raft.ServerAddress(member.RaftAddress), 0, membershipTimeout)
	if err := future.Error(); err != nil {
		return classifyRaftError(err)
	}
	s.logger.Info().
		Str("member", member.NodeID).
		Str("raft_address", member.RaftAddress).
		Msg("FM replica added")
	return s.syncFMFailoverUnit(ctx, map[string]string{member.NodeID: member.Address})
}

// RemoveReplica removes a member from the FM replica set. The primary
// cannot remove itself.
func (s *Service) RemoveReplica(ctx context.Context, nodeID string) error {
	if !s.IsLeader() {
		return s.notPrimaryError()
	}
	if nodeID == s.opts.NodeID {
		return errors.Wrap(errcode.ErrInvalidArgument, "the primary cannot remove itself")
	}

	if err := s.raft.RemoveServer(raft.ServerID(nodeID), 0, membershipTimeout).Error(); err != nil {
		return classifyRaftError(err)
	}
	s.logger.Info().Str("member", nodeID).Msg("FM replica removed")
	return s.syncFMFailoverUnit(ctx, nil)
}

// Join asks the replica set reachable at addr to add this member. NotPrimary
// answers redirect the request until the primary accepts it.
func (s *Service) Join(ctx context.Context, addr string) error {
	if s.raftTrans == nil {
		return errors.Wrap(errcode.ErrObjectClosed, "fm service not open")
	}
	target := transport.NewFMTransport(s.opts.Transport, addr, message.PriorityHigh)
	body := message.FMReplicaBody{
		NodeID:      s.opts.NodeID,
		RaftAddress: string(s.raftTrans.LocalAddr()),
		Address:     s.opts.Transport.Address(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return bgwork.Retry(ctx, s.opts.Clock, b, func() error {
		msg, err := message.New(message.ActionAddFMReplica, body)
		if err != nil {
			return err
		}
		_, err = target.RequestFM(ctx, types.FailoverUnitID{}, msg)
		return err
	})
}

// syncFMFailoverUnit records the raft membership as the replicas of the FM
// partition: the leader is primary, every other voter secondary. Replicas
// carry their member's transport address as the endpoint. The epoch moves
// when the member set or the primary changes.
func (s *Service) syncFMFailoverUnit(ctx context.Context, endpoints map[string]string) error {
	manager, ok := s.FM()
	if !ok {
		return s.notPrimaryError()
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	servers, err := s.Members()
	if err != nil {
		return err
	}
	if endpoints == nil {
		endpoints = make(map[string]string)
	}
	endpoints[s.opts.NodeID] = s.opts.Transport.Address()

	cache := manager.Cache()
	if _, exists := cache.GetFailoverUnit(types.FMFailoverUnitID); !exists {
		fu := types.NewFailoverUnit(types.FMFailoverUnitID, FMServiceName, "", len(servers), quorum(len(servers)))
		fu.ReconfigurationState = types.ReconfigurationStateStable
		s.applyMembership(fu, servers, endpoints)
		return cache.CreateFailoverUnit(ctx, fu)
	}

	locked, err := cache.GetLockedFailoverUnit(ctx, types.FMFailoverUnitID)
	if err != nil {
		return err
	}
	fu := locked.Current()
	if !s.applyMembership(fu, servers, endpoints) {
		locked.Release()
		return nil
	}
	fu.CurrentEpoch = fu.CurrentEpoch.NextConfiguration()
	fu.TargetReplicaSetSize = len(servers)
	fu.MinReplicaSetSize = quorum(len(servers))
	fu.LastUpdated = s.opts.Clock.Now()
	actions := []failover.Action{{Kind: failover.ActionPersist, Epoch: fu.CurrentEpoch}}
	return cache.BeginUpdateFailoverUnit(locked, fu, actions).Wait(ctx)
}

// applyMembership rewrites the replicas of fu and reports whether the
// member set, the primary or an endpoint changed
func (s *Service) applyMembership(fu *types.FailoverUnit, servers []raft.Server, endpoints map[string]string) bool {
	now := s.opts.Clock.Now()
	changed := len(fu.Replicas) != len(servers)

	replicas := make([]*types.Replica, 0, len(servers))
	for _, srv := range servers {
		id := string(srv.ID)
		state := types.ReplicaStateSecondary
		if id == s.opts.NodeID {
			state = types.ReplicaStatePrimary
		}

		r := fu.GetReplica(id)
		if r == nil {
			changed = true
			r = &types.Replica{
				Node:       types.NodeInstance{NodeID: id, InstanceID: 1},
				ReplicaID:  fu.NextReplicaID(),
				InstanceID: 1,
			}
			// keeps NextReplicaID unique for the next new member
			fu.Replicas = append(fu.Replicas, r)
		} else {
			r = r.Clone()
		}
		if r.State != state {
			changed = true
			r.State = state
		}
		if ep, ok := endpoints[id]; ok && ep != "" && ep != r.Endpoint {
			changed = true
			r.Endpoint = ep
		}
		r.LastUpdated = now
		replicas = append(replicas, r)
	}

	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ReplicaID < replicas[j].ReplicaID })
	fu.Replicas = replicas
	return changed
}

func quorum(members int) int {
	return members/2 + 1
}

// primaryAddress finds the transport address of the raft leader in the
// replicated FM partition record
func (s *Service) primaryAddress() string {
	if s.raft == nil {
		return ""
	}
	_, leaderID := s.raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	fu, err := s.local.GetFailoverUnit(types.FMFailoverUnitID)
	if err != nil {
		return ""
	}
	if r := fu.GetReplica(string(leaderID)); r != nil {
		return r.Endpoint
	}
	return ""
}

func (s *Service) notPrimaryError() error {
	return errors.Wrapf(errcode.ErrNotPrimary, "%s is not the FM primary", s.opts.NodeID)
}

// handleNotPrimary answers FM messages on a secondary with the address of
// the primary
func (s *Service) handleNotPrimary(_ context.Context, msg *message.Message, rc transport.ReceiverContext) {
	_ = rc.Reply(message.NotPrimaryReply(msg, s.notPrimaryError(), s.primaryAddress()))
}

func (s *Service) handleAddReplica(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) {
	if !s.IsLeader() {
		s.handleNotPrimary(ctx, msg, rc)
		return
	}
	var body message.FMReplicaBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}
	s.answer(msg, rc, s.AddReplica(ctx, body))
}

func (s *Service) handleRemoveReplica(ctx context.Context, msg *message.Message, rc transport.ReceiverContext) {
	if !s.IsLeader() {
		s.handleNotPrimary(ctx, msg, rc)
		return
	}
	var body message.FMReplicaBody
	if err := msg.Decode(&body); err != nil {
		_ = rc.Reject(err)
		return
	}
	s.answer(msg, rc, s.RemoveReplica(ctx, body.NodeID))
}

func (s *Service) answer(msg *message.Message, rc transport.ReceiverContext, err error) {
	if errors.Is(err, errcode.ErrNotPrimary) {
		_ = rc.Reply(message.NotPrimaryReply(msg, err, s.primaryAddress()))
		return
	}
	if err != nil {
		_ = rc.Reject(err)
		return
	}
	reply, rerr := message.Reply(msg, message.ActionAck, nil)
	if rerr != nil {
		return
	}
	_ = rc.Reply(reply)
}
