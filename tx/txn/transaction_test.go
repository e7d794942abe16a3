package txn

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisibilityRules(t *testing.T) {
	tx := &Transaction{
		TransactionID:        1005,
		WritePointer:         1005,
		ReadPointer:          1002,
		Invalids:             []int64{998},
		InProgress:           []int64{1001, 1003},
		FirstShortInProgress: 1001,
	}

	assert.True(t, tx.IsVisible(1000), "committed version below read pointer")
	assert.True(t, tx.IsVisible(1002), "version at the read pointer")
	assert.True(t, tx.IsVisible(1005), "own write pointer")
	assert.False(t, tx.IsVisible(998), "invalid version")
	assert.False(t, tx.IsVisible(1001), "concurrent in-progress version")
	assert.False(t, tx.IsVisible(1003), "version above read pointer and in progress")
	assert.False(t, tx.IsVisible(1004), "version above read pointer")
}

func TestVisibilityWithCheckpoints(t *testing.T) {
	tx := &Transaction{
		TransactionID:           1005,
		WritePointer:            1010,
		ReadPointer:             1002,
		CheckpointWritePointers: []int64{1007, 1010},
	}
	assert.True(t, tx.IsVisible(1005), "original write pointer")
	assert.True(t, tx.IsVisible(1007), "checkpointed write pointer")
	assert.True(t, tx.IsVisible(1010), "current write pointer")
	assert.False(t, tx.IsVisible(1008), "someone else's version")
	assert.True(t, tx.IsCheckpoint(1007))
	assert.False(t, tx.IsCheckpoint(1008))
}

func TestHasIgnorableVersions(t *testing.T) {
	assert.False(t, (&Transaction{}).HasIgnorableVersions())
	assert.True(t, (&Transaction{Invalids: []int64{1}}).HasIgnorableVersions())
	assert.True(t, (&Transaction{InProgress: []int64{1}}).HasIgnorableVersions())
}

func TestInProgressTypeCodes(t *testing.T) {
	for _, typ := range []InProgressType{InProgressShort, InProgressLong, InProgressCheckpoint} {
		decoded, err := InProgressTypeFromCode(typ.Code())
		require.NoError(t, err)
		assert.Equal(t, typ, decoded)
	}
	_, err := InProgressTypeFromCode(0x7f)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidArgument, KindOf(err))
}

func TestChangeSetSemantics(t *testing.T) {
	a := NewChangeSet([][]byte{{'a'}, {'b'}})
	b := NewChangeSet([][]byte{{'b'}, {'c'}})
	c := NewChangeSet([][]byte{{'x'}})

	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	assert.False(t, a.Overlaps(c))
	assert.False(t, a.Overlaps(NewChangeSet(nil)))

	assert.True(t, a.Equals(NewChangeSet([][]byte{{'b'}, {'a'}})))
	assert.False(t, a.Equals(b))

	// Raw-byte identity: the same bytes are the same change.
	assert.True(t, a.Contains(NewChangeID([]byte{'a'})))
	assert.Equal(t, []byte{'a'}, NewChangeID([]byte{'a'}).Bytes())
}

func TestErrorKinds(t *testing.T) {
	err := NotInProgress(42)
	assert.Equal(t, ErrNotInProgress, KindOf(err))
	assert.True(t, IsNotInProgress(err))
	assert.Contains(t, err.Error(), "42")

	conflict := &Error{Kind: ErrConflict, TxID: 7}
	assert.True(t, IsConflict(conflict))

	// The kind must survive wrapping, both stdlib style and pkg/errors
	// style.
	wrapped := WrapError(ErrTxFailure, conflict, "unit of work")
	assert.Equal(t, ErrTxFailure, KindOf(wrapped))
	assert.True(t, IsConflict(wrapped.Cause))

	traced := errors.Annotate(conflict, "while committing")
	assert.Equal(t, ErrConflict, KindOf(traced))

	assert.Equal(t, ErrUnknown, KindOf(errors.New("unrelated")))
	assert.Equal(t, ErrUnknown, KindOf(nil))
}
