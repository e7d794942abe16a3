package persist

import (
	"io"

	"github.com/pingcap/errors"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// Edit wire format. The version comes from the enclosing log file header:
// version 1 edits predate the in-progress type byte, version 2 is current.

func encodeEdit(w io.Writer, e *TransactionEdit) error {
	if err := writeByte(w, byte(e.State)); err != nil {
		return err
	}
	switch e.State {
	case EditInProgress:
		if err := writeInt64(w, e.WritePointer); err != nil {
			return err
		}
		if err := writeInt64(w, e.Expiration); err != nil {
			return err
		}
		if err := writeInt64(w, e.VisibilityUpperBound); err != nil {
			return err
		}
		return writeByte(w, e.Type.Code())
	case EditCommitting:
		if err := writeInt64(w, e.WritePointer); err != nil {
			return err
		}
		return writeChangeSet(w, e.ChangeIDs)
	case EditCommitted:
		if err := writeInt64(w, e.WritePointer); err != nil {
			return err
		}
		if err := writeInt64(w, e.CommitPointer); err != nil {
			return err
		}
		return writeChangeSet(w, e.ChangeIDs)
	case EditInvalid, EditAborted, EditMoveWatermark:
		return writeInt64(w, e.WritePointer)
	case EditTruncateInvalidTx:
		return writeInt64Slice(w, e.TruncateIDs)
	case EditCheckpoint:
		if err := writeInt64(w, e.WritePointer); err != nil {
			return err
		}
		return writeInt64(w, e.ParentWritePointer)
	}
	return errors.Errorf("cannot encode edit state %s", e.State)
}

func decodeEdit(r io.Reader, version byte) (*TransactionEdit, error) {
	state, err := readByte(r)
	if err != nil {
		return nil, err
	}
	e := &TransactionEdit{State: EditState(state)}
	switch e.State {
	case EditInProgress:
		if e.WritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.Expiration, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.VisibilityUpperBound, err = readInt64(r); err != nil {
			return nil, err
		}
		if version >= 2 {
			code, err := readByte(r)
			if err != nil {
				return nil, err
			}
			if e.Type, err = txn.InProgressTypeFromCode(code); err != nil {
				return nil, err
			}
		} else if e.Expiration < 0 {
			// Version 1 logs carry no type byte.
			e.Type = txn.InProgressLong
		} else {
			e.Type = txn.InProgressShort
		}
		return e, nil
	case EditCommitting:
		if e.WritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.ChangeIDs, err = readChangeSet(r); err != nil {
			return nil, err
		}
		return e, nil
	case EditCommitted:
		if e.WritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.CommitPointer, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.ChangeIDs, err = readChangeSet(r); err != nil {
			return nil, err
		}
		return e, nil
	case EditInvalid, EditAborted, EditMoveWatermark:
		if e.WritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		return e, nil
	case EditTruncateInvalidTx:
		if e.TruncateIDs, err = readInt64Slice(r); err != nil {
			return nil, err
		}
		return e, nil
	case EditCheckpoint:
		if e.WritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		if e.ParentWritePointer, err = readInt64(r); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, errors.Errorf("cannot decode edit state %d", state)
}
