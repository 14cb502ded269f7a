package server

import (
	"context"
	"crypto/ed25519"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nimbusvault/vraft/pkg/auth"
	"github.com/nimbusvault/vraft/pkg/raftnode"
	"github.com/nimbusvault/vraft/pkg/rpcapi"
	"github.com/nimbusvault/vraft/pkg/statemachine"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// newLeader builds a single-node, self-elected cluster with a Server
// wired on top, mirroring raftnode_test.go's newSingleNode but adding
// the client-service layer under test.
func newLeader(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := vaultraft.Config{
		NodeID:       "node-1",
		BindAddr:     "127.0.0.1:" + strconv.Itoa(freePort(t)),
		RPCAddr:      "127.0.0.1:" + strconv.Itoa(freePort(t)),
		DataDir:      filepath.Join(dir, "node-1"),
		ApplyTimeout: 5 * time.Second,
	}
	fsm := statemachine.New()
	node, err := raftnode.Open(cfg, fsm)
	require.NoError(t, err)
	require.NoError(t, node.Bootstrap())
	t.Cleanup(func() { node.Shutdown() })
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	s := New(node, fsm, cfg)
	s.RegisterPeer(cfg.NodeID, cfg.RPCAddr)
	return s
}

func mustKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func signedRecordSet(t *testing.T, priv ed25519.PrivateKey, userID string, nonce uint64, rec rpcapi.Record) *rpcapi.SetOneRequest {
	t.Helper()
	payload, err := canonicalPayload(rec)
	require.NoError(t, err)
	sig := vaultraft.AuthSignature{UserID: vaultraft.UserID(userID), Nonce: nonce}
	msg := auth.CanonicalPayload(sig, payload)
	signature := ed25519.Sign(priv, msg)
	return &rpcapi.SetOneRequest{
		Auth:   rpcapi.AuthSignature{UserID: []byte(userID), Nonce: nonce, Signature: signature},
		Record: rec,
	}
}

func TestScenarioS1_RegisterThenFirstWrite(t *testing.T) {
	s := newLeader(t)
	pub, priv := mustKeypair(t)

	regResp, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)
	assert.True(t, regResp.Success)
	n := regResp.Nonce

	nonceResp, err := s.GetNonce(context.Background(), &rpcapi.GetNonceRequest{UserID: []byte("aa")})
	require.NoError(t, err)
	assert.Equal(t, n, nonceResp.Nonce)

	rec := rpcapi.Record{ID: 1, Ver: 1, UserID: []byte("aa"), Data: []byte("ciphertext")}
	req := signedRecordSet(t, priv, "aa", n, rec)
	_, err = s.SetOne(context.Background(), req)
	require.NoError(t, err)

	nonceResp, err = s.GetNonce(context.Background(), &rpcapi.GetNonceRequest{UserID: []byte("aa")})
	require.NoError(t, err)
	assert.Equal(t, n+1, nonceResp.Nonce)

	got, err := s.GetById(context.Background(), &rpcapi.GetByIdRequest{
		Auth:     rpcapi.AuthSignature{UserID: []byte("aa"), Nonce: n + 1, Signature: signReadRecordID(t, priv, "aa", n+1, 1)},
		RecordID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got.Record.Data)
}

func signReadRecordID(t *testing.T, priv ed25519.PrivateKey, userID string, nonce, recordID uint64) []byte {
	t.Helper()
	payload, err := canonicalPayload(recordID)
	require.NoError(t, err)
	sig := vaultraft.AuthSignature{UserID: vaultraft.UserID(userID), Nonce: nonce}
	return ed25519.Sign(priv, auth.CanonicalPayload(sig, payload))
}

func TestScenarioS2_ReplayRejectedAfterCommit(t *testing.T) {
	s := newLeader(t)
	pub, priv := mustKeypair(t)

	regResp, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)
	n := regResp.Nonce

	rec := rpcapi.Record{ID: 1, Ver: 1, UserID: []byte("aa"), Data: []byte("v1")}
	req := signedRecordSet(t, priv, "aa", n, rec)

	_, err = s.SetOne(context.Background(), req)
	require.NoError(t, err)

	// Bit-identical replay of the exact same request.
	_, err = s.SetOne(context.Background(), req)
	assert.ErrorIs(t, err, vaultraft.ErrBadNonce)
}

func TestScenarioS6_VersionConflictLeavesStoredRecordUnchanged(t *testing.T) {
	s := newLeader(t)
	pub, priv := mustKeypair(t)

	regResp, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)
	n := regResp.Nonce

	first := rpcapi.Record{ID: 1, Ver: 5, UserID: []byte("aa"), Data: []byte("D1")}
	_, err = s.SetOne(context.Background(), signedRecordSet(t, priv, "aa", n, first))
	require.NoError(t, err)
	n++

	stale := rpcapi.Record{ID: 1, Ver: 4, UserID: []byte("aa"), Data: []byte("D2")}
	_, err = s.SetOne(context.Background(), signedRecordSet(t, priv, "aa", n, stale))
	assert.ErrorIs(t, err, vaultraft.ErrVersionConflict)
	n++ // the nonce still advances: the mutation committed as a defined no-op

	nonceResp, err := s.GetNonce(context.Background(), &rpcapi.GetNonceRequest{UserID: []byte("aa")})
	require.NoError(t, err)
	assert.Equal(t, n, nonceResp.Nonce)

	got, err := s.GetById(context.Background(), &rpcapi.GetByIdRequest{
		Auth:     rpcapi.AuthSignature{UserID: []byte("aa"), Nonce: n, Signature: signReadRecordID(t, priv, "aa", n, 1)},
		RecordID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Record.Ver)
	assert.Equal(t, []byte("D1"), got.Record.Data)
}

func TestRegister_TwiceFailsAlreadyRegistered(t *testing.T) {
	s := newLeader(t)
	pub, _ := mustKeypair(t)

	_, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)

	_, err = s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	assert.ErrorIs(t, err, vaultraft.ErrAlreadyRegistered)
}

func TestSetOne_OwnershipMismatchRejected(t *testing.T) {
	s := newLeader(t)
	pub, priv := mustKeypair(t)

	regResp, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)

	rec := rpcapi.Record{ID: 1, Ver: 1, UserID: []byte("someone-else"), Data: []byte("x")}
	req := signedRecordSet(t, priv, "aa", regResp.Nonce, rec)

	_, err = s.SetOne(context.Background(), req)
	assert.ErrorIs(t, err, vaultraft.ErrInvalidArgument)
}

func TestDeleteAll_PreservesAuthEntry(t *testing.T) {
	s := newLeader(t)
	pub, priv := mustKeypair(t)

	regResp, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: []byte("aa"), PubKey: pub})
	require.NoError(t, err)
	n := regResp.Nonce

	rec := rpcapi.Record{ID: 1, Ver: 1, UserID: []byte("aa"), Data: []byte("x")}
	_, err = s.SetOne(context.Background(), signedRecordSet(t, priv, "aa", n, rec))
	require.NoError(t, err)
	n++

	payload, err := canonicalPayload(struct{}{})
	require.NoError(t, err)
	sig := vaultraft.AuthSignature{UserID: "aa", Nonce: n}
	sigBytes := ed25519.Sign(priv, auth.CanonicalPayload(sig, payload))
	_, err = s.DeleteAll(context.Background(), &rpcapi.DeleteAllRequest{
		Auth: rpcapi.AuthSignature{UserID: []byte("aa"), Nonce: n, Signature: sigBytes},
	})
	require.NoError(t, err)
	n++

	listPayload, err := canonicalPayload(struct{}{})
	require.NoError(t, err)
	listSig := vaultraft.AuthSignature{UserID: "aa", Nonce: n}
	listSigBytes := ed25519.Sign(priv, auth.CanonicalPayload(listSig, listPayload))
	list, err := s.GetList(context.Background(), &rpcapi.GetListRequest{
		Auth: rpcapi.AuthSignature{UserID: []byte("aa"), Nonce: n, Signature: listSigBytes},
	})
	require.NoError(t, err)
	assert.Empty(t, list.Records)

	nonceResp, err := s.GetNonce(context.Background(), &rpcapi.GetNonceRequest{UserID: []byte("aa")})
	require.NoError(t, err)
	assert.Equal(t, n, nonceResp.Nonce)
}

func TestRegister_RejectsOversizedUserID(t *testing.T) {
	s := newLeader(t)
	pub, _ := mustKeypair(t)
	oversized := make([]byte, vaultraft.MaxUserIDLen+1)
	_, err := s.Register(context.Background(), &rpcapi.RegisterRequest{UserID: oversized, PubKey: pub})
	assert.ErrorIs(t, err, vaultraft.ErrInvalidArgument)
}

func TestLocalMetrics_ReportsSelfMembership(t *testing.T) {
	s := newLeader(t)
	resp, err := s.Metrics(context.Background(), &rpcapi.MetricsRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", resp.CurrentLeader)
	assert.Contains(t, resp.Membership, "node-1")
}
