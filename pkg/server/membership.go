package server

import (
	"context"
	"fmt"

	"github.com/hashicorp/raft"
	"github.com/nimbusvault/vraft/pkg/rpcapi"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
)

// Init seeds a brand-new cluster's configuration. Like Metrics, and
// unlike every other RPC, it bypasses forwardOrServe: before bootstrap there is no leader
// to forward to, and a node that already has persisted Raft state
// simply rejects a second Init via hashicorp/raft's own
// already-bootstrapped error.
func (s *Server) Init(ctx context.Context, req *rpcapi.InitRequest) (*rpcapi.InitResponse, error) {
	return s.localInit(ctx, req)
}

func (s *Server) localInit(_ context.Context, req *rpcapi.InitRequest) (*rpcapi.InitResponse, error) {
	if len(req.Nodes) == 0 {
		return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "init requires at least one node")
	}
	servers := make([]raft.Server, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		s.RegisterPeer(n.NodeID, n.RPCAddr)
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(n.NodeID),
			Address: raft.ServerAddress(n.RaftAddr),
		})
	}
	if err := s.node.BootstrapCluster(servers); err != nil {
		return nil, fmt.Errorf("%w: %v", vaultraft.ErrInternal, err)
	}
	return &rpcapi.InitResponse{}, nil
}

func (s *Server) AddLearner(ctx context.Context, req *rpcapi.AddLearnerRequest) (*rpcapi.AddLearnerResponse, error) {
	return forwardOrServe(ctx, s, "AddLearner", req, s.localAddLearner)
}

func (s *Server) localAddLearner(_ context.Context, req *rpcapi.AddLearnerRequest) (*rpcapi.AddLearnerResponse, error) {
	if !s.node.IsLeader() {
		return nil, vaultraft.NotLeader(s.node.LeaderID())
	}
	s.RegisterPeer(req.Node.NodeID, req.Node.RPCAddr)
	if err := s.node.AddLearner(req.Node.NodeID, req.Node.RaftAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", vaultraft.ErrInternal, err)
	}
	return &rpcapi.AddLearnerResponse{}, nil
}

func (s *Server) ChangeMembership(ctx context.Context, req *rpcapi.ChangeMembershipRequest) (*rpcapi.ChangeMembershipResponse, error) {
	return forwardOrServe(ctx, s, "ChangeMembership", req, s.localChangeMembership)
}

// localChangeMembership drives the voter set toward req.Members.
// hashicorp/raft performs the joint-consensus transition internally
// for every individual AddVoter/RemoveServer call; this function only
// decides which calls to issue. Members not already
// known to this node's peer directory (never seen via Init or
// AddLearner) cannot be promoted — the caller must AddLearner them
// first so their RaftAddr is on file.
func (s *Server) localChangeMembership(_ context.Context, req *rpcapi.ChangeMembershipRequest) (*rpcapi.ChangeMembershipResponse, error) {
	if !s.node.IsLeader() {
		return nil, vaultraft.NotLeader(s.node.LeaderID())
	}

	current, err := s.node.Servers()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vaultraft.ErrInternal, err)
	}
	voterIDs := make(map[string]bool, len(current))
	for _, srv := range current {
		if srv.Suffrage == raft.Voter {
			voterIDs[string(srv.ID)] = true
		}
	}

	desired := make(map[string]bool, len(req.Members))
	for _, id := range req.Members {
		desired[id] = true
		if voterIDs[id] {
			continue
		}
		if _, ok := s.peerRPCAddr(id); !ok {
			return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "member %s is not a known peer; AddLearner it first", id)
		}
		// RegisterPeer only ever stores the RPC address; the Raft
		// address is taken from the current configuration, where
		// AddLearner (or Init) put it. A server no longer in the
		// configuration has to be added as a learner again.
		raftAddr := ""
		for _, srv := range current {
			if string(srv.ID) == id {
				raftAddr = string(srv.Address)
				break
			}
		}
		if raftAddr == "" {
			return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "member %s has no raft address in the configuration; AddLearner it first", id)
		}
		if err := s.node.AddVoter(id, raftAddr); err != nil {
			return nil, fmt.Errorf("%w: %v", vaultraft.ErrInternal, err)
		}
	}

	if !req.Retain {
		for _, srv := range current {
			id := string(srv.ID)
			if !desired[id] {
				if err := s.node.RemoveServer(id); err != nil {
					return nil, fmt.Errorf("%w: %v", vaultraft.ErrInternal, err)
				}
			}
		}
	}

	return &rpcapi.ChangeMembershipResponse{}, nil
}

func (s *Server) Metrics(ctx context.Context, req *rpcapi.MetricsRequest) (*rpcapi.MetricsResponse, error) {
	return s.localMetrics(ctx, req)
}

// localMetrics always answers locally — like Init, and unlike every other RPC, a
// caller asking a follower for Metrics wants that follower's own view
// (including who it thinks the leader is), not a forwarded copy of
// the leader's.
func (s *Server) localMetrics(_ context.Context, _ *rpcapi.MetricsRequest) (*rpcapi.MetricsResponse, error) {
	stats := s.node.Stats()
	servers, err := s.node.Servers()
	membership := make([]string, 0, len(servers))
	if err == nil {
		for _, srv := range servers {
			membership = append(membership, string(srv.ID))
		}
	}
	return &rpcapi.MetricsResponse{
		Membership:    membership,
		CurrentLeader: s.node.LeaderID(),
		CurrentTerm:   stats.Term,
		LastApplied:   s.fsm.LastApplied(),
		Other:         fmt.Sprintf("state=%s num_peers=%d", stats.State, stats.NumPeers),
	}, nil
}

// Forward dispatches a request the originating (non-leader) node
// could not serve locally. It is only ever handled correctly by a
// node currently holding leadership; hashicorp/raft's own consistency
// already ensures a stale leader would fail the subsequent Propose,
// so Forward does not re-check IsLeader itself.
func (s *Server) Forward(ctx context.Context, req *rpcapi.ForwardRequest) (*rpcapi.ForwardResponse, error) {
	handler, ok := s.forward[req.Method]
	if !ok {
		return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "unknown forwarded method %q", req.Method)
	}
	payload, err := handler(ctx, req.Payload)
	if err != nil {
		return nil, err
	}
	return &rpcapi.ForwardResponse{Payload: payload}, nil
}
