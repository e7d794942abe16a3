package persist

import (
	"io"

	"github.com/tinytxn/tinytxn/tx/txn"
)

// snapshotCodecV2 is the current format. Compared to v1 it records the
// in-progress type as an explicit byte and the checkpoint write pointers of
// each entry.
type snapshotCodecV2 struct{}

func NewSnapshotCodecV2() Codec {
	return &snapshotCodecV2{}
}

func (c *snapshotCodecV2) Version() byte { return 2 }

func (c *snapshotCodecV2) Encode(w io.Writer, snapshot *TransactionSnapshot) error {
	if err := c.encodeVisibility(w, snapshot); err != nil {
		return err
	}
	if err := writeChangeSetMap(w, snapshot.CommittingChangeSets); err != nil {
		return err
	}
	return writeChangeSetMap(w, snapshot.CommittedChangeSets)
}

func (c *snapshotCodecV2) encodeVisibility(w io.Writer, snapshot *TransactionSnapshot) error {
	if err := writeInt64(w, snapshot.Timestamp); err != nil {
		return err
	}
	if err := writeInt64(w, snapshot.ReadPointer); err != nil {
		return err
	}
	if err := writeInt64(w, snapshot.WritePointer); err != nil {
		return err
	}
	if err := writeInt64Slice(w, snapshot.Invalid); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(snapshot.InProgress))); err != nil {
		return err
	}
	for _, id := range sortedKeys(snapshot.InProgress) {
		entry := snapshot.InProgress[id]
		if err := writeInt64(w, id); err != nil {
			return err
		}
		if err := writeInt64(w, entry.Expiration); err != nil {
			return err
		}
		if err := writeInt64(w, entry.VisibilityUpperBound); err != nil {
			return err
		}
		if err := writeByte(w, entry.Type.Code()); err != nil {
			return err
		}
		if err := writeInt64Slice(w, entry.CheckpointWritePointers); err != nil {
			return err
		}
	}
	return nil
}

func (c *snapshotCodecV2) decodeVisibility(r io.Reader) (*TransactionVisibilityState, error) {
	state := &TransactionVisibilityState{}
	var err error
	if state.Timestamp, err = readInt64(r); err != nil {
		return nil, err
	}
	if state.ReadPointer, err = readInt64(r); err != nil {
		return nil, err
	}
	if state.WritePointer, err = readInt64(r); err != nil {
		return nil, err
	}
	if state.Invalid, err = readInt64Slice(r); err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	state.InProgress = make(map[int64]*InProgressTx, n)
	for i := uint32(0); i < n; i++ {
		id, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		entry := &InProgressTx{}
		if entry.Expiration, err = readInt64(r); err != nil {
			return nil, err
		}
		if entry.VisibilityUpperBound, err = readInt64(r); err != nil {
			return nil, err
		}
		code, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if entry.Type, err = txn.InProgressTypeFromCode(code); err != nil {
			return nil, err
		}
		if entry.CheckpointWritePointers, err = readInt64Slice(r); err != nil {
			return nil, err
		}
		state.InProgress[id] = entry
	}
	return state, nil
}

func (c *snapshotCodecV2) Decode(r io.Reader) (*TransactionSnapshot, error) {
	state, err := c.decodeVisibility(r)
	if err != nil {
		return nil, err
	}
	committing, err := readChangeSetMap(r)
	if err != nil {
		return nil, err
	}
	committed, err := readChangeSetMap(r)
	if err != nil {
		return nil, err
	}
	return &TransactionSnapshot{
		Timestamp:            state.Timestamp,
		ReadPointer:          state.ReadPointer,
		WritePointer:         state.WritePointer,
		Invalid:              state.Invalid,
		InProgress:           state.InProgress,
		CommittingChangeSets: committing,
		CommittedChangeSets:  committed,
	}, nil
}

func (c *snapshotCodecV2) DecodeVisibility(r io.Reader) (*TransactionVisibilityState, error) {
	return c.decodeVisibility(r)
}
