package persist

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytxn/tinytxn/tx/txn"
)

func sampleSnapshot(now int64) *TransactionSnapshot {
	nowWritePointer := now * txn.MaxTxPerMS
	readPtr := nowWritePointer - 4
	return &TransactionSnapshot{
		Timestamp:    now,
		ReadPointer:  readPtr,
		WritePointer: nowWritePointer,
		Invalid:      []int64{nowWritePointer - 5},
		InProgress: map[int64]*InProgressTx{
			nowWritePointer - 3: {
				VisibilityUpperBound: readPtr,
				Expiration:           TxExpirationFromWritePointer(nowWritePointer-3, defaultLongTimeout),
				Type:                 txn.InProgressLong,
			},
			nowWritePointer - 1: {
				VisibilityUpperBound: readPtr,
				Expiration:           now + 1000,
				Type:                 txn.InProgressShort,
				CheckpointWritePointers: []int64{
					nowWritePointer,
				},
			},
		},
		CommittingChangeSets: map[int64]txn.ChangeSet{
			nowWritePointer - 1: txn.NewChangeSet([][]byte{{'r', '3'}, {'r', '4'}}),
		},
		CommittedChangeSets: map[int64]txn.ChangeSet{
			nowWritePointer - 2: txn.NewChangeSet([][]byte{{'r', '1'}, {'r', '2'}}),
		},
	}
}

func TestSnapshotCodecV2RoundTrip(t *testing.T) {
	snapshot := sampleSnapshot(time.Now().UnixMilli())
	provider := DefaultCodecProvider()

	encoded, err := provider.EncodeToBytes(snapshot)
	require.NoError(t, err)

	decoded, err := provider.Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.True(t, snapshot.Equals(decoded))
}

func TestSnapshotVisibilityPrefixSurvivesCorruptTail(t *testing.T) {
	snapshot := sampleSnapshot(time.Now().UnixMilli())
	provider := DefaultCodecProvider()

	encoded, err := provider.EncodeToBytes(snapshot)
	require.NoError(t, err)

	// Stomp on the change-set tail; the visibility prefix must still read.
	for i := len(encoded) - 12; i < len(encoded); i++ {
		encoded[i] ^= 0xff
	}
	_, err = provider.Decode(bytes.NewReader(encoded))
	require.Error(t, err, "full decode must notice the corrupt tail")

	state, err := provider.DecodeVisibility(bytes.NewReader(encoded))
	require.NoError(t, err)
	want := snapshot.Visibility()
	assert.Equal(t, want.Timestamp, state.Timestamp)
	assert.Equal(t, want.ReadPointer, state.ReadPointer)
	assert.Equal(t, want.WritePointer, state.WritePointer)
	assert.Equal(t, want.Invalid, state.Invalid)
	require.Len(t, state.InProgress, len(want.InProgress))
	for id, entry := range want.InProgress {
		got, ok := state.InProgress[id]
		require.True(t, ok, "missing in-progress entry %d", id)
		assert.Equal(t, entry.Expiration, got.Expiration)
		assert.Equal(t, entry.VisibilityUpperBound, got.VisibilityUpperBound)
		assert.Equal(t, entry.Type, got.Type)
	}
}

func TestSnapshotCodecV1BackCompatFixup(t *testing.T) {
	now := time.Now().UnixMilli()
	nowWritePointer := now * txn.MaxTxPerMS
	tLong := nowWritePointer - 3
	tShort := nowWritePointer - 1

	// What a legacy producer wrote: no types, long transactions encoded as
	// expiration -1.
	legacy := sampleSnapshot(now)
	legacy.InProgress[tLong].Expiration = -1
	legacy.InProgress[tShort].CheckpointWritePointers = nil

	provider := DefaultCodecProvider()
	var buf bytes.Buffer
	require.NoError(t, provider.EncodeWith(&buf, legacy, 1))

	decoded, err := provider.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	// The fixed-up snapshot: long entry reconstructed as LONG with the
	// expiration a current manager would derive from the write pointer.
	expected := sampleSnapshot(now)
	expected.InProgress[tLong].Type = txn.InProgressLong
	expected.InProgress[tLong].Expiration = TxExpirationFromWritePointer(tLong, defaultLongTimeout)
	expected.InProgress[tShort].Type = txn.InProgressShort
	expected.InProgress[tShort].CheckpointWritePointers = nil
	assert.True(t, expected.Equals(decoded))
	assert.Equal(t, txn.InProgressLong, decoded.InProgress[tLong].Type)
}

func TestCodecProviderRejectsUnknownVersion(t *testing.T) {
	provider := NewCodecProvider(NewSnapshotCodecV2())
	snapshot := sampleSnapshot(time.Now().UnixMilli())

	encoded, err := provider.EncodeToBytes(snapshot)
	require.NoError(t, err)
	// Rewrite the version byte to something unregistered.
	encoded[4] = 9

	_, err = provider.Decode(bytes.NewReader(encoded))
	require.Error(t, err)
	assert.Equal(t, txn.ErrSnapshotFailure, txn.KindOf(err))

	var buf bytes.Buffer
	err = provider.EncodeWith(&buf, snapshot, 1)
	require.Error(t, err)
}

func TestCodecProviderBadMagic(t *testing.T) {
	provider := DefaultCodecProvider()
	_, err := provider.Decode(bytes.NewReader([]byte("WHAT\x02junk")))
	require.Error(t, err)
	assert.Equal(t, txn.ErrSnapshotFailure, txn.KindOf(err))
}

func TestTxExpirationFromWritePointer(t *testing.T) {
	wp := int64(1700000000000) * txn.MaxTxPerMS
	assert.Equal(t, int64(1700000000000)+30_000, TxExpirationFromWritePointer(wp, 30*time.Second))
}
