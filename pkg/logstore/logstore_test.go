package logstore

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetLog(t *testing.T) {
	s := newTestStore(t)

	log := &raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("hello")}
	require.NoError(t, s.StoreLog(log))

	var got raft.Log
	require.NoError(t, s.GetLog(1, &got))
	assert.Equal(t, log.Index, got.Index)
	assert.Equal(t, log.Data, got.Data)
}

func TestGetLog_OutOfRange(t *testing.T) {
	s := newTestStore(t)
	var got raft.Log
	err := s.GetLog(42, &got)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestFirstLastIndex(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.StoreLog(&raft.Log{Index: i, Term: 1}))
	}
	first, err := s.FirstIndex()
	require.NoError(t, err)
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(5), last)
}

func TestDeleteRange_PrefixTruncationTracksLastPurged(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.StoreLog(&raft.Log{Index: i, Term: 1}))
	}

	require.NoError(t, s.DeleteRange(1, 6))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), first)

	purged, err := s.LastPurged()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), purged)

	var got raft.Log
	err = s.GetLog(3, &got)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestDeleteRange_SuffixTruncation(t *testing.T) {
	s := newTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.StoreLog(&raft.Log{Index: i, Term: 1}))
	}

	require.NoError(t, s.DeleteRange(3, 5))

	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	purged, err := s.LastPurged()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), purged, "suffix truncation is not a reclaim into a snapshot")
}

func TestStableStore_SetGetUint64(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetUint64([]byte("term"), 42))
	v, err := s.GetUint64([]byte("term"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestStableStore_SetGetBytes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set([]byte("voted_for"), []byte("node-2")))
	v, err := s.Get([]byte("voted_for"))
	require.NoError(t, err)
	assert.Equal(t, []byte("node-2"), v)
}

func TestCrashRecovery_ReopenPreservesLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte("a")}))
	require.NoError(t, s1.StoreLog(&raft.Log{Index: 2, Term: 1, Data: []byte("b")}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	var got raft.Log
	require.NoError(t, s2.GetLog(2, &got))
	assert.Equal(t, []byte("b"), got.Data)
}
