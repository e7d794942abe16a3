package persist

import (
	"sort"

	"github.com/tinytxn/tinytxn/tx/txn"
)

// InProgressTx is the manager's bookkeeping entry for one in-progress write
// pointer.
type InProgressTx struct {
	// VisibilityUpperBound is the read pointer at the time the transaction
	// started. Commits above it are the ones that can conflict.
	VisibilityUpperBound int64
	// Expiration in wall-clock millis after which the cleanup sweep may
	// invalidate the transaction, or -1 for long transactions.
	Expiration int64
	Type       txn.InProgressType
	// CheckpointWritePointers lists the additional write pointers this
	// logical transaction has been issued, oldest first.
	CheckpointWritePointers []int64
}

func (t *InProgressTx) Copy() *InProgressTx {
	out := *t
	out.CheckpointWritePointers = append([]int64(nil), t.CheckpointWritePointers...)
	return &out
}

func (t *InProgressTx) equals(o *InProgressTx) bool {
	if t.VisibilityUpperBound != o.VisibilityUpperBound || t.Expiration != o.Expiration || t.Type != o.Type {
		return false
	}
	if len(t.CheckpointWritePointers) != len(o.CheckpointWritePointers) {
		return false
	}
	for i, v := range t.CheckpointWritePointers {
		if o.CheckpointWritePointers[i] != v {
			return false
		}
	}
	return true
}

// TransactionVisibilityState is the prefix of a snapshot that read-only
// followers need: enough to answer visibility questions, without the
// change-set maps.
type TransactionVisibilityState struct {
	Timestamp    int64
	ReadPointer  int64
	WritePointer int64
	Invalid      []int64
	InProgress   map[int64]*InProgressTx
}

// TransactionSnapshot is a full dump of the manager state at Timestamp.
type TransactionSnapshot struct {
	Timestamp    int64
	ReadPointer  int64
	WritePointer int64
	Invalid      []int64
	InProgress   map[int64]*InProgressTx
	// CommittingChangeSets holds change-sets announced via canCommit but
	// not yet committed.
	CommittingChangeSets map[int64]txn.ChangeSet
	// CommittedChangeSets holds change-sets of committed transactions that
	// are still within the conflict detection horizon.
	CommittedChangeSets map[int64]txn.ChangeSet
}

// Visibility projects the snapshot down to its visibility state.
func (s *TransactionSnapshot) Visibility() *TransactionVisibilityState {
	return &TransactionVisibilityState{
		Timestamp:    s.Timestamp,
		ReadPointer:  s.ReadPointer,
		WritePointer: s.WritePointer,
		Invalid:      s.Invalid,
		InProgress:   s.InProgress,
	}
}

// Equals compares two snapshots field by field.
func (s *TransactionSnapshot) Equals(o *TransactionSnapshot) bool {
	if s.Timestamp != o.Timestamp || s.ReadPointer != o.ReadPointer || s.WritePointer != o.WritePointer {
		return false
	}
	if len(s.Invalid) != len(o.Invalid) {
		return false
	}
	for i, v := range s.Invalid {
		if o.Invalid[i] != v {
			return false
		}
	}
	if len(s.InProgress) != len(o.InProgress) {
		return false
	}
	for id, entry := range s.InProgress {
		other, ok := o.InProgress[id]
		if !ok || !entry.equals(other) {
			return false
		}
	}
	return changeSetMapsEqual(s.CommittingChangeSets, o.CommittingChangeSets) &&
		changeSetMapsEqual(s.CommittedChangeSets, o.CommittedChangeSets)
}

func changeSetMapsEqual(a, b map[int64]txn.ChangeSet) bool {
	if len(a) != len(b) {
		return false
	}
	for k, set := range a {
		other, ok := b[k]
		if !ok || !set.Equals(other) {
			return false
		}
	}
	return true
}

// sortedKeys returns the in-progress ids in ascending order.
func sortedKeys(m map[int64]*InProgressTx) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
