// Package vaultraft defines the wire and domain types shared by every
// other package: the authenticated record store's data model, its
// command log payloads, and the error kinds returned to callers.
package vaultraft

// UserID is an opaque, caller-chosen identifier. It is kept as a string
// internally so it is usable directly as a map key; callers at the RPC
// boundary convert to and from raw bytes.
type UserID string

// MaxUserIDLen is the largest accepted UserID, in bytes.
const MaxUserIDLen = 256

// MaxRecordsPerUser bounds how many records a single user namespace
// may hold.
const MaxRecordsPerUser = 4096

// AuthEntry is the per-user authentication record. PubKey is immutable
// once registered; Nonce strictly increases by one on every successful
// authenticated mutation.
type AuthEntry struct {
	PubKey []byte
	Nonce  uint64
}

// Record is an opaque, client-encrypted blob owned by exactly one user.
type Record struct {
	ID     uint64
	Ver    uint64
	UserID UserID
	Data   []byte
}

// RecordHeader is the header-only projection returned by GetList.
type RecordHeader struct {
	ID     uint64
	Ver    uint64
	UserID UserID
}

// AuthSignature accompanies every authenticated request. ChallengeNum
// and Challenge are carried through from a deprecated challenge/token
// protocol purely as additional domain-separation context folded into
// the signed payload; they carry no independent authorization meaning.
type AuthSignature struct {
	UserID       UserID
	Nonce        uint64
	Signature    []byte
	ChallengeNum uint64
	Challenge    []byte
}

// CommandOp tags the variant carried by a LogEntry's AppData payload.
type CommandOp uint8

const (
	OpRegister CommandOp = iota + 1
	OpSetOne
	OpSetMany
	OpDeleteByID
	OpDeleteAll
)

// Command is the payload of every committed Raft log entry that
// mutates the state machine. Only the fields relevant to Op are
// populated. NewNonce is the value the auth entry advances to; it is
// computed by the leader at propose time (old_nonce+1) and carried in
// the log so apply stays a pure function of (prev_state, entry).
type Command struct {
	Op           CommandOp
	UserID       UserID
	PubKey       []byte // OpRegister
	InitialNonce uint64 // OpRegister: leader-chosen at propose time
	Records      []Record
	RecordID     uint64 // OpDeleteByID
	NewNonce     uint64 // every op except OpRegister
}

// ApplyResult is what StateMachine.Apply returns through raft's
// ApplyFuture.Response(). A non-nil Err still means the entry was
// committed and applied as a defined no-op: version conflicts and
// not-found are business outcomes, not apply failures.
type ApplyResult struct {
	Err error
}
