package snapshotstore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	return s
}

func writeSnapshot(t *testing.T, s *Store, term, index uint64, body []byte) string {
	t.Helper()
	sink, err := s.Create(raft.SnapshotVersion(1), index, term, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	_, err = sink.Write(body)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	return sink.ID()
}

func TestList_EmptyStoreReturnsNil(t *testing.T) {
	s := newTestStore(t)
	metas, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestCreateThenOpen_RoundTripsBody(t *testing.T) {
	s := newTestStore(t)
	id := writeSnapshot(t, s, 3, 100, []byte("snapshot-body"))

	meta, rc, err := s.Open(id)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, id, meta.ID)
	assert.Equal(t, uint64(100), meta.Index)
	assert.Equal(t, uint64(3), meta.Term)

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-body"), body)
}

func TestList_ReportsOnlyTheCurrentSnapshot(t *testing.T) {
	s := newTestStore(t)
	writeSnapshot(t, s, 1, 10, []byte("first"))
	secondID := writeSnapshot(t, s, 1, 20, []byte("second"))

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, secondID, metas[0].ID)
}

func TestCommit_ReclaimsPreviousSnapshotBody(t *testing.T) {
	s := newTestStore(t)
	firstID := writeSnapshot(t, s, 1, 10, []byte("first"))
	writeSnapshot(t, s, 1, 20, []byte("second"))

	_, _, err := s.Open(firstID)
	assert.Error(t, err, "the previous snapshot's body should have been removed once the new one committed")
}

func TestCancel_LeavesNoInstalledSnapshot(t *testing.T) {
	s := newTestStore(t)
	sink, err := s.Create(raft.SnapshotVersion(1), 1, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	_, err = sink.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, sink.Cancel())

	metas, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestOpen_UnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Open("does-not-exist")
	assert.Error(t, err)
}
