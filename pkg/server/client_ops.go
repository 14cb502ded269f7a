package server

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/nimbusvault/vraft/pkg/auth"
	"github.com/nimbusvault/vraft/pkg/rpcapi"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
	"github.com/nimbusvault/vraft/pkg/vmetrics"
)

// canonicalPayload gob-encodes v for use as the "rest of the request"
// material signed alongside the nonce and challenge fields in
// auth.CanonicalPayload. v never includes the AuthSignature itself.
func canonicalPayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: encode signed payload: %v", vaultraft.ErrInternal, err)
	}
	return buf.Bytes(), nil
}

func toDomainSig(w rpcapi.AuthSignature) vaultraft.AuthSignature {
	return vaultraft.AuthSignature{
		UserID:       vaultraft.UserID(w.UserID),
		Nonce:        w.Nonce,
		Signature:    w.Signature,
		ChallengeNum: w.ChallengeNum,
		Challenge:    w.Challenge,
	}
}

// authenticate checks lookup, nonce freshness, and signature validity
// against this node's own applied state. It is only ever called on the
// leader (by way of forwardOrServe); a follower never evaluates a
// signature, it only relays the raw request.
func (s *Server) authenticate(sig vaultraft.AuthSignature, signedMaterial interface{}, advance bool) (*vaultraft.AuthEntry, error) {
	entry := s.fsm.GetAuth(sig.UserID)
	payload, err := canonicalPayload(signedMaterial)
	if err != nil {
		return nil, err
	}
	var verr error
	if advance {
		verr = auth.VerifyMutation(entry, sig, payload)
	} else {
		verr = auth.VerifyRead(entry, sig, payload)
	}
	if verr != nil {
		vmetrics.AuthFailuresTotal.WithLabelValues(outcomeKind(verr)).Inc()
		return nil, verr
	}
	return entry, nil
}

func (s *Server) Register(ctx context.Context, req *rpcapi.RegisterRequest) (*rpcapi.RegisterResponse, error) {
	return forwardOrServe(ctx, s, "Register", req, s.localRegister)
}

func (s *Server) localRegister(_ context.Context, req *rpcapi.RegisterRequest) (*rpcapi.RegisterResponse, error) {
	if err := validateUserID(req.UserID); err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	cmd := vaultraft.Command{
		Op:           vaultraft.OpRegister,
		UserID:       vaultraft.UserID(req.UserID),
		PubKey:       req.PubKey,
		InitialNonce: nonce,
	}
	if err := s.propose(cmd); err != nil {
		return nil, err
	}
	return &rpcapi.RegisterResponse{Success: true, Nonce: nonce}, nil
}

func (s *Server) GetNonce(ctx context.Context, req *rpcapi.GetNonceRequest) (*rpcapi.GetNonceResponse, error) {
	return forwardOrServe(ctx, s, "GetNonce", req, s.localGetNonce)
}

func (s *Server) localGetNonce(_ context.Context, req *rpcapi.GetNonceRequest) (*rpcapi.GetNonceResponse, error) {
	if err := validateUserID(req.UserID); err != nil {
		return nil, err
	}
	entry := s.fsm.GetAuth(vaultraft.UserID(req.UserID))
	if entry == nil {
		return nil, vaultraft.ErrNotRegistered
	}
	return &rpcapi.GetNonceResponse{Nonce: entry.Nonce}, nil
}

func (s *Server) GetList(ctx context.Context, req *rpcapi.GetListRequest) (*rpcapi.GetListResponse, error) {
	return forwardOrServe(ctx, s, "GetList", req, s.localGetList)
}

func (s *Server) localGetList(_ context.Context, req *rpcapi.GetListRequest) (*rpcapi.GetListResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	if _, err := s.authenticate(sig, struct{}{}, false); err != nil {
		return nil, err
	}
	headers := s.fsm.ListHeaders(sig.UserID)
	out := make([]rpcapi.RecordHeader, len(headers))
	for i, h := range headers {
		out[i] = rpcapi.RecordHeader{ID: h.ID, Ver: h.Ver, UserID: []byte(h.UserID)}
	}
	return &rpcapi.GetListResponse{Records: out}, nil
}

func (s *Server) GetAll(ctx context.Context, req *rpcapi.GetAllRequest) (*rpcapi.GetAllResponse, error) {
	return forwardOrServe(ctx, s, "GetAll", req, s.localGetAll)
}

func (s *Server) localGetAll(_ context.Context, req *rpcapi.GetAllRequest) (*rpcapi.GetAllResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	if _, err := s.authenticate(sig, struct{}{}, false); err != nil {
		return nil, err
	}
	records := s.fsm.ListAll(sig.UserID)
	out := make([]rpcapi.Record, len(records))
	for i, r := range records {
		out[i] = rpcapi.Record{ID: r.ID, Ver: r.Ver, UserID: []byte(r.UserID), Data: r.Data}
	}
	return &rpcapi.GetAllResponse{Records: out}, nil
}

func (s *Server) GetById(ctx context.Context, req *rpcapi.GetByIdRequest) (*rpcapi.GetByIdResponse, error) {
	return forwardOrServe(ctx, s, "GetById", req, s.localGetByID)
}

func (s *Server) localGetByID(_ context.Context, req *rpcapi.GetByIdRequest) (*rpcapi.GetByIdResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	if _, err := s.authenticate(sig, req.RecordID, false); err != nil {
		return nil, err
	}
	rec, ok := s.fsm.GetByID(sig.UserID, req.RecordID)
	if !ok {
		return nil, vaultraft.ErrNotFound
	}
	return &rpcapi.GetByIdResponse{Record: rpcapi.Record{ID: rec.ID, Ver: rec.Ver, UserID: []byte(rec.UserID), Data: rec.Data}}, nil
}

func (s *Server) SetOne(ctx context.Context, req *rpcapi.SetOneRequest) (*rpcapi.SetOneResponse, error) {
	return forwardOrServe(ctx, s, "SetOne", req, s.localSetOne)
}

func (s *Server) localSetOne(_ context.Context, req *rpcapi.SetOneRequest) (*rpcapi.SetOneResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	entry, err := s.authenticate(sig, req.Record, true)
	if err != nil {
		return nil, err
	}
	rec := fromWireRecord(req.Record)
	if rec.UserID != sig.UserID {
		return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "record user_id does not match authenticated user")
	}
	cmd := vaultraft.Command{
		Op:       vaultraft.OpSetOne,
		UserID:   sig.UserID,
		Records:  []vaultraft.Record{rec},
		NewNonce: entry.Nonce + 1,
	}
	if err := s.propose(cmd); err != nil {
		return nil, err
	}
	return &rpcapi.SetOneResponse{}, nil
}

func (s *Server) SetRecords(ctx context.Context, req *rpcapi.SetRecordsRequest) (*rpcapi.SetRecordsResponse, error) {
	return forwardOrServe(ctx, s, "SetRecords", req, s.localSetRecords)
}

func (s *Server) localSetRecords(_ context.Context, req *rpcapi.SetRecordsRequest) (*rpcapi.SetRecordsResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	entry, err := s.authenticate(sig, req.Records, true)
	if err != nil {
		return nil, err
	}
	recs := make([]vaultraft.Record, len(req.Records))
	for i, r := range req.Records {
		recs[i] = fromWireRecord(r)
		if recs[i].UserID != sig.UserID {
			return nil, vaultraft.Statusf(vaultraft.KindInvalidArgument, "record %d user_id does not match authenticated user", i)
		}
	}
	cmd := vaultraft.Command{
		Op:       vaultraft.OpSetMany,
		UserID:   sig.UserID,
		Records:  recs,
		NewNonce: entry.Nonce + 1,
	}
	if err := s.propose(cmd); err != nil {
		return nil, err
	}
	return &rpcapi.SetRecordsResponse{}, nil
}

func (s *Server) DeleteById(ctx context.Context, req *rpcapi.DeleteByIdRequest) (*rpcapi.DeleteByIdResponse, error) {
	return forwardOrServe(ctx, s, "DeleteById", req, s.localDeleteByID)
}

func (s *Server) localDeleteByID(_ context.Context, req *rpcapi.DeleteByIdRequest) (*rpcapi.DeleteByIdResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	entry, err := s.authenticate(sig, req.RecordID, true)
	if err != nil {
		return nil, err
	}
	cmd := vaultraft.Command{
		Op:       vaultraft.OpDeleteByID,
		UserID:   sig.UserID,
		RecordID: req.RecordID,
		NewNonce: entry.Nonce + 1,
	}
	if err := s.propose(cmd); err != nil {
		return nil, err
	}
	return &rpcapi.DeleteByIdResponse{}, nil
}

func (s *Server) DeleteAll(ctx context.Context, req *rpcapi.DeleteAllRequest) (*rpcapi.DeleteAllResponse, error) {
	return forwardOrServe(ctx, s, "DeleteAll", req, s.localDeleteAll)
}

func (s *Server) localDeleteAll(_ context.Context, req *rpcapi.DeleteAllRequest) (*rpcapi.DeleteAllResponse, error) {
	sig := toDomainSig(req.Auth)
	if err := validateUserID(req.Auth.UserID); err != nil {
		return nil, err
	}
	entry, err := s.authenticate(sig, struct{}{}, true)
	if err != nil {
		return nil, err
	}
	cmd := vaultraft.Command{
		Op:       vaultraft.OpDeleteAll,
		UserID:   sig.UserID,
		NewNonce: entry.Nonce + 1,
	}
	if err := s.propose(cmd); err != nil {
		return nil, err
	}
	return &rpcapi.DeleteAllResponse{}, nil
}

func fromWireRecord(r rpcapi.Record) vaultraft.Record {
	return vaultraft.Record{ID: r.ID, Ver: r.Ver, UserID: vaultraft.UserID(r.UserID), Data: r.Data}
}
