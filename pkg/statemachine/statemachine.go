// Package statemachine implements the deterministic Raft state
// machine: a pure apply function over an in-memory per-user auth
// table and record table, snapshottable to a byte-identical
// representation across replicas.
//
// Grounded on cuemby-warren/pkg/manager/fsm.go's WarrenFSM: a tagged
// Command decoded from the log, dispatched through a switch under a
// single mutex, with a paired FSMSnapshot type for Persist/Release.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
)

// StateMachine is the Raft FSM. It holds no wall-clock time, no RNG,
// and no node-local state in its apply path: every value it stores
// comes from the committed log entry.
type StateMachine struct {
	mu          sync.RWMutex
	lastApplied uint64
	auth        map[vaultraft.UserID]vaultraft.AuthEntry
	records     map[vaultraft.UserID]map[uint64]vaultraft.Record
}

// New returns an empty state machine.
func New() *StateMachine {
	return &StateMachine{
		auth:    make(map[vaultraft.UserID]vaultraft.AuthEntry),
		records: make(map[vaultraft.UserID]map[uint64]vaultraft.Record),
	}
}

// Apply implements raft.FSM. It is called exactly once per committed
// log entry, in strict ascending index order, by raft's single-
// threaded apply goroutine.
func (s *StateMachine) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		// Membership-change entries are handled by hashicorp/raft itself;
		// nothing for the domain FSM to apply.
		return &vaultraft.ApplyResult{}
	}

	var cmd vaultraft.Command
	if err := gob.NewDecoder(bytes.NewReader(l.Data)).Decode(&cmd); err != nil {
		return &vaultraft.ApplyResult{Err: fmt.Errorf("%w: decode command: %v", vaultraft.ErrInternal, err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Index <= s.lastApplied {
		// The apply loop never re-applies an already-applied index; this
		// would indicate a raft library invariant violation, not a
		// recoverable business error.
		return &vaultraft.ApplyResult{Err: fmt.Errorf("%w: index %d already applied (last_applied=%d)", vaultraft.ErrInternal, l.Index, s.lastApplied)}
	}

	result := s.applyCommand(cmd)
	s.lastApplied = l.Index
	return &vaultraft.ApplyResult{Err: result}
}

func (s *StateMachine) applyCommand(cmd vaultraft.Command) error {
	switch cmd.Op {
	case vaultraft.OpRegister:
		return s.applyRegister(cmd)
	case vaultraft.OpSetOne:
		return s.applySetOne(cmd)
	case vaultraft.OpSetMany:
		return s.applySetMany(cmd)
	case vaultraft.OpDeleteByID:
		return s.applyDeleteByID(cmd)
	case vaultraft.OpDeleteAll:
		return s.applyDeleteAll(cmd)
	default:
		return fmt.Errorf("%w: unknown command op %d", vaultraft.ErrInternal, cmd.Op)
	}
}

func (s *StateMachine) applyRegister(cmd vaultraft.Command) error {
	if _, exists := s.auth[cmd.UserID]; exists {
		return vaultraft.ErrAlreadyRegistered
	}
	s.auth[cmd.UserID] = vaultraft.AuthEntry{PubKey: cmd.PubKey, Nonce: cmd.InitialNonce}
	return nil
}

func (s *StateMachine) applySetOne(cmd vaultraft.Command) error {
	entry, ok := s.auth[cmd.UserID]
	if !ok {
		return vaultraft.ErrNotRegistered
	}
	if len(cmd.Records) != 1 {
		return fmt.Errorf("%w: SetOne requires exactly one record", vaultraft.ErrInternal)
	}
	rec := cmd.Records[0]
	var outcome error
	if err := s.upsert(cmd.UserID, rec); err != nil {
		outcome = err
	}
	entry.Nonce = cmd.NewNonce
	s.auth[cmd.UserID] = entry
	return outcome
}

func (s *StateMachine) applySetMany(cmd vaultraft.Command) error {
	entry, ok := s.auth[cmd.UserID]
	if !ok {
		return vaultraft.ErrNotRegistered
	}
	// Every record in the batch is applied in order; a per-record
	// version conflict rejects that record only, the rest of the batch
	// still lands. The batch as a whole is still one atomic log unit —
	// the records all land together in a single committed entry, but
	// acceptance is decided per record, not all-or-nothing.
	var firstErr error
	for _, rec := range cmd.Records {
		if err := s.upsert(cmd.UserID, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	entry.Nonce = cmd.NewNonce
	s.auth[cmd.UserID] = entry
	return firstErr
}

func (s *StateMachine) upsert(userID vaultraft.UserID, rec vaultraft.Record) error {
	if rec.UserID != userID {
		return fmt.Errorf("%w: record user_id %q does not match authenticated user %q", vaultraft.ErrInvalidArgument, rec.UserID, userID)
	}
	byID, ok := s.records[userID]
	if !ok {
		byID = make(map[uint64]vaultraft.Record)
		s.records[userID] = byID
	}
	existing, has := byID[rec.ID]
	if has && rec.Ver < existing.Ver {
		return vaultraft.ErrVersionConflict
	}
	if !has && len(byID) >= vaultraft.MaxRecordsPerUser {
		return vaultraft.ErrQuotaExceeded
	}
	byID[rec.ID] = rec
	return nil
}

func (s *StateMachine) applyDeleteByID(cmd vaultraft.Command) error {
	entry, ok := s.auth[cmd.UserID]
	if !ok {
		return vaultraft.ErrNotRegistered
	}
	if byID, ok := s.records[cmd.UserID]; ok {
		delete(byID, cmd.RecordID) // no-op if absent
	}
	entry.Nonce = cmd.NewNonce
	s.auth[cmd.UserID] = entry
	return nil
}

func (s *StateMachine) applyDeleteAll(cmd vaultraft.Command) error {
	entry, ok := s.auth[cmd.UserID]
	if !ok {
		return vaultraft.ErrNotRegistered
	}
	delete(s.records, cmd.UserID) // auth entry is preserved
	entry.Nonce = cmd.NewNonce
	s.auth[cmd.UserID] = entry
	return nil
}

// --- read path (non-mutating, does not advance any nonce) ---

// LastApplied returns the index of the most recently applied entry.
func (s *StateMachine) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// GetAuth returns a copy of the stored auth entry, or nil if unregistered.
func (s *StateMachine) GetAuth(userID vaultraft.UserID) *vaultraft.AuthEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.auth[userID]
	if !ok {
		return nil
	}
	cp := entry
	return &cp
}

// ListHeaders returns record headers for userID, sorted ascending by
// ID: iteration within a user is always deterministic.
func (s *StateMachine) ListHeaders(userID vaultraft.UserID) []vaultraft.RecordHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[userID]
	out := make([]vaultraft.RecordHeader, 0, len(byID))
	for _, rec := range byID {
		out = append(out, vaultraft.RecordHeader{ID: rec.ID, Ver: rec.Ver, UserID: rec.UserID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAll returns full records for userID, sorted ascending by ID.
func (s *StateMachine) ListAll(userID vaultraft.UserID) []vaultraft.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[userID]
	out := make([]vaultraft.Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size reports the number of registered users and the total number of
// records across all of them, for metrics collection.
func (s *StateMachine) Size() (registeredUsers, records int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, byID := range s.records {
		total += len(byID)
	}
	return len(s.auth), total
}

// GetByID returns a single record, or (zero, false) if absent.
func (s *StateMachine) GetByID(userID vaultraft.UserID, id uint64) (vaultraft.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID][id]
	return rec, ok
}

// --- snapshot / restore ---

// snapshotAuthRow and snapshotUserRecords are the sorted, slice-based
// wire shape used for snapshots: encoding Go maps directly would make
// the serialized bytes depend on map iteration order, which Go does
// not guarantee to be stable, so two replicas applying the same log
// prefix could produce different snapshot bytes.
type snapshotAuthRow struct {
	UserID vaultraft.UserID
	PubKey []byte
	Nonce  uint64
}

type snapshotUserRecords struct {
	UserID  vaultraft.UserID
	Records []vaultraft.Record // already sorted by ID
}

// SnapshotData is the deterministic, fully-ordered on-the-wire
// representation of the state machine's contents.
type SnapshotData struct {
	LastApplied uint64
	Auth        []snapshotAuthRow
	Records     []snapshotUserRecords
}

// Snapshot implements raft.FSM. It copies out a deterministically
// ordered view of the current state under the read lock; the actual
// encode happens later, off the lock, in FSMSnapshot.Persist.
func (s *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := SnapshotData{LastApplied: s.lastApplied}

	userIDs := make([]vaultraft.UserID, 0, len(s.auth))
	for uid := range s.auth {
		userIDs = append(userIDs, uid)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	data.Auth = make([]snapshotAuthRow, 0, len(userIDs))
	for _, uid := range userIDs {
		entry := s.auth[uid]
		pubKey := make([]byte, len(entry.PubKey))
		copy(pubKey, entry.PubKey)
		data.Auth = append(data.Auth, snapshotAuthRow{UserID: uid, PubKey: pubKey, Nonce: entry.Nonce})
	}

	recordUserIDs := make([]vaultraft.UserID, 0, len(s.records))
	for uid := range s.records {
		recordUserIDs = append(recordUserIDs, uid)
	}
	sort.Slice(recordUserIDs, func(i, j int) bool { return recordUserIDs[i] < recordUserIDs[j] })

	data.Records = make([]snapshotUserRecords, 0, len(recordUserIDs))
	for _, uid := range recordUserIDs {
		byID := s.records[uid]
		ids := make([]uint64, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		recs := make([]vaultraft.Record, 0, len(ids))
		for _, id := range ids {
			recs = append(recs, byID[id])
		}
		data.Records = append(data.Records, snapshotUserRecords{UserID: uid, Records: recs})
	}

	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM, rebuilding state from a snapshot stream
// written by Persist (possibly on a different node), installed after
// the follower's log is truncated at the snapshot's index.
func (s *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data SnapshotData
	if err := gob.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", vaultraft.ErrInternal, err)
	}

	auth := make(map[vaultraft.UserID]vaultraft.AuthEntry, len(data.Auth))
	for _, row := range data.Auth {
		auth[row.UserID] = vaultraft.AuthEntry{PubKey: row.PubKey, Nonce: row.Nonce}
	}

	records := make(map[vaultraft.UserID]map[uint64]vaultraft.Record, len(data.Records))
	for _, ur := range data.Records {
		byID := make(map[uint64]vaultraft.Record, len(ur.Records))
		for _, rec := range ur.Records {
			byID[rec.ID] = rec
		}
		records[ur.UserID] = byID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = auth
	s.records = records
	s.lastApplied = data.LastApplied
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over a pre-copied SnapshotData.
type fsmSnapshot struct {
	data SnapshotData
}

func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := gob.NewEncoder(sink).Encode(f.data)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (f *fsmSnapshot) Release() {}
