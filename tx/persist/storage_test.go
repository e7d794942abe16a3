package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytxn/tinytxn/tx/txn"
)

func newTestStorage(t *testing.T) *FileStateStorage {
	storage, err := NewFileStateStorage(t.TempDir(), nil, 0, 8)
	require.NoError(t, err)
	return storage
}

func TestStorageWriteAndReadSnapshot(t *testing.T) {
	storage := newTestStorage(t)

	latest, err := storage.GetLatestSnapshot()
	require.NoError(t, err)
	assert.Nil(t, latest, "empty dir has no snapshot")

	now := time.Now().UnixMilli()
	for i := int64(0); i < 3; i++ {
		snapshot := sampleSnapshot(now + i)
		require.NoError(t, storage.WriteSnapshot(snapshot))
	}

	latest, err = storage.GetLatestSnapshot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, now+2, latest.Timestamp)

	state, err := storage.GetLatestVisibilityState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, now+2, state.Timestamp)
}

func TestStorageIgnoresTempFiles(t *testing.T) {
	storage := newTestStorage(t)
	now := time.Now().UnixMilli()
	require.NoError(t, storage.WriteSnapshot(sampleSnapshot(now)))

	// A leftover temp file from a crashed writer must never be picked up.
	tmp := filepath.Join(storage.Location(), "snapshot.99999999999999.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))

	latest, err := storage.GetLatestSnapshot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, now, latest.Timestamp)
}

func TestStorageFallsBackToOlderSnapshot(t *testing.T) {
	storage := newTestStorage(t)
	now := time.Now().UnixMilli()
	require.NoError(t, storage.WriteSnapshot(sampleSnapshot(now)))

	// A corrupt newer snapshot is skipped in favor of the older good one.
	corrupt := filepath.Join(storage.Location(), "snapshot.99999999999999")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0644))

	latest, err := storage.GetLatestSnapshot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, now, latest.Timestamp)
}

func TestStorageSnapshotRetention(t *testing.T) {
	storage := newTestStorage(t)
	now := time.Now().UnixMilli()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, storage.WriteSnapshot(sampleSnapshot(now+i)))
	}
	require.NoError(t, storage.DeleteOldSnapshots(2))

	stamps, err := storage.SnapshotTimestamps()
	require.NoError(t, err)
	assert.Equal(t, []int64{now + 4, now + 3}, stamps)

	require.Error(t, storage.DeleteOldSnapshots(0))
}

func TestStorageLogLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	for ts := int64(1); ts <= 3; ts++ {
		l, err := storage.CreateLog(ts)
		require.NoError(t, err)
		require.NoError(t, l.Append(inProgressEdit(ts*txn.MaxTxPerMS)))
		require.NoError(t, l.Close())
	}

	edits, err := storage.ReadLogEdits(2)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, int64(2*txn.MaxTxPerMS), edits[0].WritePointer)

	require.NoError(t, storage.DeleteLogsBefore(3))
	stamps, err := storage.LogTimestamps()
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, stamps)
}

func TestStorageRequiresDir(t *testing.T) {
	_, err := NewFileStateStorage("", nil, 0, 8)
	require.Error(t, err)
	assert.Equal(t, txn.ErrInvalidArgument, txn.KindOf(err))
}
