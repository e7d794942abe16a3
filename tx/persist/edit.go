package persist

import (
	"fmt"

	"github.com/tinytxn/tinytxn/tx/txn"
)

// EditState is the type tag of an edit record. Every manager state mutation
// maps to exactly one state; replaying the edits from an empty state
// reproduces the state.
type EditState byte

const (
	EditInProgress EditState = iota + 1
	EditCommitting
	EditCommitted
	EditInvalid
	EditAborted
	EditMoveWatermark
	EditTruncateInvalidTx
	EditCheckpoint
)

func (s EditState) String() string {
	switch s {
	case EditInProgress:
		return "INPROGRESS"
	case EditCommitting:
		return "CANCOMMIT"
	case EditCommitted:
		return "COMMITTED"
	case EditInvalid:
		return "INVALID"
	case EditAborted:
		return "ABORTED"
	case EditMoveWatermark:
		return "MOVE_WATERMARK"
	case EditTruncateInvalidTx:
		return "TRUNCATE_INVALID_TX"
	case EditCheckpoint:
		return "CHECKPOINT"
	}
	return fmt.Sprintf("EditState(%d)", byte(s))
}

// TransactionEdit describes a single state mutation of the transaction
// manager. Which fields are meaningful depends on State.
type TransactionEdit struct {
	State EditState
	// WritePointer names the transaction the edit applies to. For
	// MOVE_WATERMARK it is the new watermark; for CHECKPOINT it is the
	// newly issued write pointer.
	WritePointer int64
	// ParentWritePointer is the checkpointed transaction (CHECKPOINT only).
	ParentWritePointer int64
	// Expiration is the wall-clock millis deadline (INPROGRESS), or -1 for
	// long transactions.
	Expiration int64
	// VisibilityUpperBound is the read pointer captured at start
	// (INPROGRESS).
	VisibilityUpperBound int64
	// Type of the in-progress entry (INPROGRESS; log version >= 2).
	Type txn.InProgressType
	// CommitPointer keys the committed change-set map (COMMITTED).
	CommitPointer int64
	// ChangeIDs carried by CANCOMMIT and COMMITTED edits.
	ChangeIDs txn.ChangeSet
	// TruncateIDs removed from the invalid list (TRUNCATE_INVALID_TX).
	TruncateIDs []int64
}

func (e *TransactionEdit) String() string {
	return fmt.Sprintf("edit(%s, wp=%d)", e.State, e.WritePointer)
}
