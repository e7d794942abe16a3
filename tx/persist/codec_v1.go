package persist

import (
	"io"
	"time"

	"github.com/tinytxn/tinytxn/tx/txn"
)

// defaultLongTimeout is assumed when a legacy snapshot has to be fixed up and
// no configured value is supplied.
const defaultLongTimeout = 24 * time.Hour

// snapshotCodecV1 is the legacy format: in-progress entries carry no type and
// no checkpoint write pointers. On load the type is reconstructed: an entry
// with expiration -1 is a long transaction, everything else short. Long
// expirations are rewritten to the value a current manager would have
// computed from the write pointer.
type snapshotCodecV1 struct {
	longTimeout time.Duration
}

// NewSnapshotCodecV1 builds the legacy codec. A zero longTimeout selects the
// default used for the back-compat expiration fixup.
func NewSnapshotCodecV1(longTimeout time.Duration) Codec {
	if longTimeout <= 0 {
		longTimeout = defaultLongTimeout
	}
	return &snapshotCodecV1{longTimeout: longTimeout}
}

func (c *snapshotCodecV1) Version() byte { return 1 }

func (c *snapshotCodecV1) Encode(w io.Writer, snapshot *TransactionSnapshot) error {
	if err := c.encodeVisibility(w, snapshot); err != nil {
		return err
	}
	if err := writeChangeSetMap(w, snapshot.CommittingChangeSets); err != nil {
		return err
	}
	return writeChangeSetMap(w, snapshot.CommittedChangeSets)
}

func (c *snapshotCodecV1) encodeVisibility(w io.Writer, snapshot *TransactionSnapshot) error {
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
	}
	return nil
}

func (c *snapshotCodecV1) decodeVisibility(r io.Reader) (*TransactionVisibilityState, error) {
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
		// Back-compat fixup: the legacy format has no type byte.
		if entry.Expiration < 0 {
			entry.Type = txn.InProgressLong
			entry.Expiration = TxExpirationFromWritePointer(id, c.longTimeout)
		} else {
			entry.Type = txn.InProgressShort
		}
		state.InProgress[id] = entry
	}
	return state, nil
}

func (c *snapshotCodecV1) Decode(r io.Reader) (*TransactionSnapshot, error) {
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

func (c *snapshotCodecV1) DecodeVisibility(r io.Reader) (*TransactionVisibilityState, error) {
	return c.decodeVisibility(r)
}
