// Package logstore implements the durable Raft log and hard-state
// store as a raft.LogStore + raft.StableStore pair backed by
// go.etcd.io/bbolt, grounded on how cuemby-warren builds its storage
// layer on bbolt (pkg/storage) and how hashicorp/raft-boltdb shapes a
// bbolt-backed LogStore (two buckets: logs, conf). Every bolt.Update
// commit is an fsync'd transaction, so a StoreLog(s) call that returns
// nil has already reached stable storage.
package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// Sentinel errors for the failure conditions callers need to tell apart.
var (
	ErrCorruption = errors.New("logstore: corruption: failed to decode entry")
	ErrOutOfRange = errors.New("logstore: read past the end of the log")
	ErrIO         = errors.New("logstore: storage i/o error")
)

var (
	logsBucket = []byte("logs")
	confBucket = []byte("conf")

	voteTermKey      = []byte("vote_term")
	voteCandidateKey = []byte("vote_candidate")
	lastPurgedKey    = []byte("last_purged")
)

// Store is a bbolt-backed implementation of raft.LogStore and
// raft.StableStore, plus the last-purged-index bookkeeping snapshot
// truncation needs.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and
// ensures both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(confBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrIO, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// --- raft.LogStore ---

// FirstIndex returns the index of the oldest entry still in the log,
// or 0 if the log (including any purged prefix) is empty.
func (s *Store) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		k, _ := c.First()
		if k != nil {
			first = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return first, err
}

// LastIndex returns the index of the newest entry in the log, or 0 if empty.
func (s *Store) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		k, _ := c.Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

// GetLog reads the entry at index into log.
func (s *Store) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucket).Get(indexKey(index))
		if val == nil {
			return raft.ErrLogNotFound
		}
		return decodeLog(val, log)
	})
}

// StoreLog stores a single log entry.
func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores a contiguous batch of log entries in one bolt
// transaction, so the batch is durable-or-not as a unit.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for _, log := range logs {
			val, err := encodeLog(log)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			if err := bucket.Put(indexKey(log.Index), val); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
		return nil
	})
}

// DeleteRange removes all log entries in [min, max], used both for
// suffix truncation on conflicting entries and for prefix truncation
// after a snapshot. Prefix truncation updates last_purged so a
// subsequent restart knows the log no longer starts at index 1.
func (s *Store) DeleteRange(min, max uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		c := bucket.Cursor()
		// A range starting at or before the oldest stored entry is a
		// prefix truncation; anything else is a suffix truncation.
		firstKey, _ := c.First()
		prefix := firstKey != nil && min <= binary.BigEndian.Uint64(firstKey)
		for k, _ := c.Seek(indexKey(min)); k != nil; k, _ = c.Next() {
			index := binary.BigEndian.Uint64(k)
			if index > max {
				break
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
		if !prefix {
			return nil
		}
		current, err := getUint64Locked(tx, lastPurgedKey)
		if err != nil {
			return err
		}
		if max > current {
			return setUint64Locked(tx, lastPurgedKey, max)
		}
		return nil
	})
}

// LastPurged returns the highest index ever removed by a prefix
// DeleteRange (i.e. reclaimed into a snapshot), or 0 if none.
func (s *Store) LastPurged() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		got, err := getUint64Locked(tx, lastPurgedKey)
		v = got
		return err
	})
	return v, err
}

// --- raft.StableStore ---

func (s *Store) Set(key []byte, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(confBucket).Put(key, val)
	})
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(confBucket).Get(key)
		if val != nil {
			out = append([]byte(nil), val...)
		}
		return nil
	})
	return out, err
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return setUint64Locked(tx, key, val)
	})
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		got, err := getUint64Locked(tx, key)
		v = got
		return err
	})
	return v, err
}

func setUint64Locked(tx *bolt.Tx, key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return tx.Bucket(confBucket).Put(key, buf)
}

func getUint64Locked(tx *bolt.Tx, key []byte) (uint64, error) {
	val := tx.Bucket(confBucket).Get(key)
	if val == nil {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: stable key %q has bad length %d", ErrCorruption, key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func encodeLog(log *raft.Log) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(log); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLog(data []byte, log *raft.Log) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(log); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return nil
}
