// Package server implements the client service and leader-forwarding
// layer: it is the rpcapi.ServerAPI a node's gRPC server registers,
// turning any cluster member into a correct entry point for every RPC
// in the public surface.
//
// Grounded on cuemby-warren/pkg/api.Server (a thin struct wrapping
// *manager.Manager, translating each RPC into a manager.Apply call or
// a direct read) and cuemby-warren/pkg/manager.Manager's internal
// grpc.NewClient(insecure.NewCredentials())-based peer dialing
// (manager.go's join/forward plumbing), adapted to dispatch through
// pkg/auth and pkg/statemachine instead of WarrenFSM.
package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/nimbusvault/vraft/pkg/raftnode"
	"github.com/nimbusvault/vraft/pkg/rpcapi"
	"github.com/nimbusvault/vraft/pkg/statemachine"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
	"github.com/nimbusvault/vraft/pkg/vlog"
	"github.com/nimbusvault/vraft/pkg/vmetrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Server implements rpcapi.ServerAPI on top of a raftnode.Node and
// its statemachine.StateMachine. Exactly one Server exists per
// cluster member.
type Server struct {
	node *raftnode.Node
	fsm  *statemachine.StateMachine
	cfg  vaultraft.Config
	log  zerolog.Logger

	mu    sync.RWMutex
	peers map[string]string // raft.ServerID -> rpc_addr, for forwarding

	connsMu sync.Mutex
	conns   map[string]*grpc.ClientConn // rpc_addr -> cached dial

	forward map[string]func(context.Context, []byte) ([]byte, error)
}

// New builds a Server ready to be registered on a *grpc.Server via
// rpcapi.ServiceDesc.
func New(node *raftnode.Node, fsm *statemachine.StateMachine, cfg vaultraft.Config) *Server {
	s := &Server{
		node:  node,
		fsm:   fsm,
		cfg:   cfg,
		log:   vlog.WithNodeID(vlog.Component("server"), cfg.NodeID),
		peers: make(map[string]string),
		conns: make(map[string]*grpc.ClientConn),
	}
	s.forward = map[string]func(context.Context, []byte) ([]byte, error){
		"Register":         wrapHandler(s.localRegister),
		"GetNonce":         wrapHandler(s.localGetNonce),
		"GetList":          wrapHandler(s.localGetList),
		"GetAll":           wrapHandler(s.localGetAll),
		"GetById":          wrapHandler(s.localGetByID),
		"SetOne":           wrapHandler(s.localSetOne),
		"SetRecords":       wrapHandler(s.localSetRecords),
		"DeleteById":       wrapHandler(s.localDeleteByID),
		"DeleteAll":        wrapHandler(s.localDeleteAll),
		"Init":             wrapHandler(s.localInit),
		"AddLearner":       wrapHandler(s.localAddLearner),
		"ChangeMembership": wrapHandler(s.localChangeMembership),
		"Metrics":          wrapHandler(s.localMetrics),
	}
	return s
}

// RegisterPeer records (or updates) the RPC address node id can be
// reached at for forwarding, so leader-forwarding has an address to
// dial and ChangeMembership can tell known peers apart. Raft transport
// addresses are not stored here. cmd/vaultraftd calls this for the
// node itself; Init and AddLearner also call it for peers they admit.
func (s *Server) RegisterPeer(nodeID, rpcAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[nodeID] = rpcAddr
}

func (s *Server) peerRPCAddr(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.peers[nodeID]
	return addr, ok
}

func (s *Server) dial(rpcAddr string) (*grpc.ClientConn, error) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if cc, ok := s.conns[rpcAddr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(rpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", rpcAddr, err)
	}
	s.conns[rpcAddr] = cc
	return cc, nil
}

// wrapHandler adapts a typed local handler into the untyped
// gob-payload-in/gob-payload-out shape Forward needs to dispatch by
// method name without a big type switch.
func wrapHandler[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: decode forwarded request: %v", vaultraft.ErrInternal, err)
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
			return nil, fmt.Errorf("%w: encode forwarded response: %v", vaultraft.ErrInternal, err)
		}
		return buf.Bytes(), nil
	}
}

// forwardOrServe is the generic leader-forwarding gate every public
// RPC method except Init and Metrics funnels through: serve locally when this node is
// leader, otherwise ship the raw request to the current leader's
// Forward method and relay its response. Reads go through this same
// gate as writes, so every client always observes the leader's
// current applied state rather than a possibly-stale follower copy.
func forwardOrServe[Req any, Resp any](ctx context.Context, s *Server, method string, req *Req, local func(context.Context, *Req) (*Resp, error)) (*Resp, error) {
	timer := vmetrics.NewTimer(method)
	defer timer.ObserveDuration()

	if s.node.IsLeader() {
		resp, err := local(ctx, req)
		vmetrics.RequestsTotal.WithLabelValues(method, outcomeKind(err)).Inc()
		return resp, err
	}

	leaderID := s.node.LeaderID()
	if leaderID == "" {
		vmetrics.RequestsTotal.WithLabelValues(method, "not_leader").Inc()
		return nil, vaultraft.NotLeader("")
	}
	rpcAddr, ok := s.peerRPCAddr(leaderID)
	if !ok {
		vmetrics.RequestsTotal.WithLabelValues(method, "not_leader").Inc()
		return nil, vaultraft.NotLeader(leaderID)
	}

	cc, err := s.dial(rpcAddr)
	if err != nil {
		vmetrics.ForwardedRequestsTotal.WithLabelValues(method, "dial_error").Inc()
		return nil, vaultraft.Statusf(vaultraft.KindUnavailable, "dial leader %s: %v", leaderID, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("%w: encode forward payload: %v", vaultraft.ErrInternal, err)
	}

	client := rpcapi.NewClient(cc)
	fwdResp, err := client.Forward(ctx, &rpcapi.ForwardRequest{Method: method, Payload: buf.Bytes()})
	var rejected *vaultraft.StatusError
	if err != nil && errors.As(err, &rejected) {
		// The leader handled the request and rejected it: relay its
		// answer unchanged.
		vmetrics.ForwardedRequestsTotal.WithLabelValues(method, "ok").Inc()
		return nil, err
	}
	if err != nil {
		// Best-effort: the leader hint is not reliable once the forward
		// itself failed, so the client gets an unqualified NotLeader and
		// is expected to retry with backoff.
		vmetrics.ForwardedRequestsTotal.WithLabelValues(method, "error").Inc()
		s.log.Warn().Str("method", method).Str("leader_id", leaderID).Err(err).Msg("forward to leader failed")
		return nil, vaultraft.NotLeader("")
	}
	vmetrics.ForwardedRequestsTotal.WithLabelValues(method, "ok").Inc()

	var resp Resp
	if err := gob.NewDecoder(bytes.NewReader(fwdResp.Payload)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode forwarded response: %v", vaultraft.ErrInternal, err)
	}
	return &resp, nil
}

func outcomeKind(err error) string {
	if err == nil {
		return "ok"
	}
	var se *vaultraft.StatusError
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	return "error"
}

// validateUserID enforces the user ID length bound at the gateway,
// before any Raft proposal, so malformed input never consumes a log
// slot.
func validateUserID(id []byte) error {
	if len(id) == 0 {
		return vaultraft.Statusf(vaultraft.KindInvalidArgument, "user_id must not be empty")
	}
	if len(id) > vaultraft.MaxUserIDLen {
		return vaultraft.Statusf(vaultraft.KindInvalidArgument, "user_id exceeds %d bytes", vaultraft.MaxUserIDLen)
	}
	return nil
}

// randomNonce produces the server-chosen initial nonce for a new
// registration. It must never be derived inside Apply, since the same
// log entry is applied on every replica and a fresh random value would
// diverge between them; it is computed here, at propose time, on the
// leader only, and carried into the log as Command.InitialNonce.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: generate nonce: %v", vaultraft.ErrInternal, err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// propose is the shared commit-and-translate step every mutation
// handler ends with: encode cmd, submit it through Raft, and turn a
// non-nil ApplyResult.Err into the function's return value. A nil
// *vaultraft.ApplyResult with a non-nil err means the proposal itself
// failed (not leader, timed out); err itself is already the right
// thing to return in both cases.
func (s *Server) propose(cmd vaultraft.Command) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return fmt.Errorf("%w: encode command: %v", vaultraft.ErrInternal, err)
	}
	result, err := s.node.Propose(buf.Bytes(), s.cfg.ApplyTimeout)
	if err != nil {
		return err
	}
	return result.Err
}
