// Package rpcapi defines the client/forwarding/membership RPC surface
// as a hand-built grpc.ServiceDesc: message structs encoded with a
// gob codec registered on google.golang.org/grpc, rather than
// protoc-generated bindings. cuemby-warren's pkg/api and pkg/client
// show the shape this package mirrors (a Server implementing the
// service interface, a thin Client wrapping a *grpc.ClientConn); the
// wire encoding differs because no .proto source exists to regenerate
// bindings from for this domain.
package rpcapi

// AuthSignature is the wire form of vaultraft.AuthSignature: UserID
// travels as raw bytes at the RPC boundary, converted to
// vaultraft.UserID only once it reaches pkg/server.
type AuthSignature struct {
	UserID       []byte
	Nonce        uint64
	Signature    []byte
	ChallengeNum uint64
	Challenge    []byte
}

// Record is the wire form of vaultraft.Record.
type Record struct {
	ID     uint64
	Ver    uint64
	UserID []byte
	Data   []byte
}

// RecordHeader is the wire form of vaultraft.RecordHeader.
type RecordHeader struct {
	ID     uint64
	Ver    uint64
	UserID []byte
}

type RegisterRequest struct {
	UserID []byte
	PubKey []byte
}

type RegisterResponse struct {
	Success bool
	Nonce   uint64
}

type GetNonceRequest struct {
	UserID []byte
}

type GetNonceResponse struct {
	Nonce uint64
}

type GetListRequest struct {
	Auth AuthSignature
}

type GetListResponse struct {
	Records []RecordHeader
}

type GetAllRequest struct {
	Auth AuthSignature
}

type GetAllResponse struct {
	Records []Record
}

type GetByIdRequest struct {
	Auth     AuthSignature
	RecordID uint64
}

type GetByIdResponse struct {
	Record Record
}

type SetOneRequest struct {
	Auth   AuthSignature
	Record Record
}

type SetOneResponse struct{}

type SetRecordsRequest struct {
	Auth    AuthSignature
	Records []Record
}

type SetRecordsResponse struct{}

type DeleteByIdRequest struct {
	Auth     AuthSignature
	RecordID uint64
}

type DeleteByIdResponse struct{}

type DeleteAllRequest struct {
	Auth AuthSignature
}

type DeleteAllResponse struct{}

// NodeDescriptor identifies one cluster member by its Raft server ID,
// the client/forwarding RPC address other nodes dial to reach it, and
// the address hashicorp/raft's own transport listens on. Init and
// AddLearner both need a dialable transport address distinct from the
// client-facing RPCAddr, since hashicorp/raft runs its own wire
// protocol on its own listener.
type NodeDescriptor struct {
	NodeID   string
	RPCAddr  string
	RaftAddr string
}

type InitRequest struct {
	Nodes []NodeDescriptor
}

type InitResponse struct{}

type AddLearnerRequest struct {
	Node NodeDescriptor
}

type AddLearnerResponse struct{}

type ChangeMembershipRequest struct {
	Members []string
	Retain  bool
}

type ChangeMembershipResponse struct{}

type MetricsRequest struct{}

type MetricsResponse struct {
	Membership    []string
	CurrentLeader string
	CurrentTerm   uint64
	LastApplied   uint64
	Other         string
}

// ForwardRequest carries a gob-encoded inner request (e.g. a
// SetOneRequest) that a non-leader node could not serve locally.
type ForwardRequest struct {
	Method  string
	Payload []byte
}

type ForwardResponse struct {
	Payload []byte
}
