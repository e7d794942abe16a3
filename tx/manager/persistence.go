package manager

import (
	"github.com/google/btree"
	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/persist"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// snapshotChore names the housekeeping job that dumps state, so the
// edit-count trigger can kick it out of cadence.
const snapshotChore = "snapshot"

// buildSnapshotLocked deep-copies the state into a snapshot record.
func (m *TransactionManager) buildSnapshotLocked(timestamp int64) *persist.TransactionSnapshot {
	inProgress := make(map[int64]*persist.InProgressTx, m.inProgress.Len())
	m.inProgress.Ascend(func(i btree.Item) bool {
		item := i.(*inProgressItem)
		inProgress[item.txID] = item.entry.Copy()
		return true
	})
	committing := make(map[int64]txn.ChangeSet, len(m.committing))
	for id, set := range m.committing {
		committing[id] = set.Copy()
	}
	committed := make(map[int64]txn.ChangeSet, m.committed.Len())
	m.committed.Ascend(func(i btree.Item) bool {
		item := i.(*committedItem)
		committed[item.txID] = item.changes.Copy()
		return true
	})
	return &persist.TransactionSnapshot{
		Timestamp:            timestamp,
		ReadPointer:          m.readPointer,
		WritePointer:         m.writePointer,
		Invalid:              append([]int64(nil), m.invalid...),
		InProgress:           inProgress,
		CommittingChangeSets: committing,
		CommittedChangeSets:  committed,
	}
}

// GetSnapshot encodes a consistent snapshot of the current state without
// mutating or persisting anything. This is what the snapshot RPC serves.
func (m *TransactionManager) GetSnapshot() ([]byte, error) {
	m.mu.Lock()
	snapshot := m.buildSnapshotLocked(nowMillis())
	m.mu.Unlock()
	return m.provider.EncodeToBytes(snapshot)
}

// snapshotNow dumps the state to storage and rolls the edit log. The swap to
// the fresh segment happens under the state lock, so no edit can fall between
// the snapshot and the new segment; the old segment is only deleted once the
// snapshot is durable.
func (m *TransactionManager) snapshotNow() error {
	m.mu.Lock()
	timestamp := nowMillis()
	if timestamp <= m.lastSnapshotTime {
		timestamp = m.lastSnapshotTime + 1
	}
	snapshot := m.buildSnapshotLocked(timestamp)
	newLog, err := m.storage.CreateLog(timestamp)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	oldLog := m.curLog
	m.curLog = newLog
	m.editsSinceSnap = 0
	m.lastSnapshotTime = timestamp
	m.mu.Unlock()

	if err := oldLog.Close(); err != nil {
		log.Warnf("closing previous edit log failed: %v", err)
	}
	if err := m.storage.WriteSnapshot(snapshot); err != nil {
		return err
	}
	if err := m.storage.DeleteOldSnapshots(m.conf.SnapshotRetainCount); err != nil {
		log.Warnf("snapshot retention cleanup failed: %v", err)
	}
	// Logs may only be dropped once no retained snapshot needs them:
	// recovery falls back to an older snapshot when the newest one is
	// unreadable, and then replays from that snapshot's time onward.
	if stamps, err := m.storage.SnapshotTimestamps(); err != nil {
		log.Warnf("listing snapshots for log cleanup failed: %v", err)
	} else if len(stamps) > 0 {
		if err := m.storage.DeleteLogsBefore(stamps[len(stamps)-1]); err != nil {
			log.Warnf("edit log cleanup failed: %v", err)
		}
	}
	return nil
}

// recoverLocked rebuilds state from the newest snapshot plus every edit log
// segment at or after it.
func (m *TransactionManager) recoverLocked() error {
	snapshot, err := m.storage.GetLatestSnapshot()
	if err != nil {
		return err
	}
	var snapshotTime int64
	if snapshot != nil {
		m.restoreSnapshotLocked(snapshot)
		snapshotTime = snapshot.Timestamp
		// Keeps the next snapshot timestamp (and its log segment name)
		// ahead of everything already on disk.
		m.lastSnapshotTime = snapshot.Timestamp
		log.Infof("restored snapshot of %d, read pointer %d, write pointer %d",
			snapshot.Timestamp, m.readPointer, m.writePointer)
	}
	stamps, err := m.storage.LogTimestamps()
	if err != nil {
		return err
	}
	for _, ts := range stamps {
		if snapshot != nil && ts < snapshotTime {
			continue
		}
		if ts > m.lastSnapshotTime {
			m.lastSnapshotTime = ts
		}
		edits, err := m.storage.ReadLogEdits(ts)
		if err != nil {
			return err
		}
		for _, edit := range edits {
			m.applyEditLocked(edit)
		}
		log.Infof("replayed %d edits from edit log %d", len(edits), ts)
	}
	return nil
}

func (m *TransactionManager) restoreSnapshotLocked(snapshot *persist.TransactionSnapshot) {
	m.readPointer = snapshot.ReadPointer
	m.writePointer = snapshot.WritePointer
	m.invalid = append([]int64(nil), snapshot.Invalid...)
	m.inProgress.Clear(false)
	for id, entry := range snapshot.InProgress {
		m.inProgress.ReplaceOrInsert(&inProgressItem{txID: id, entry: entry.Copy()})
	}
	m.committing = make(map[int64]txn.ChangeSet, len(snapshot.CommittingChangeSets))
	for id, set := range snapshot.CommittingChangeSets {
		m.committing[id] = set.Copy()
	}
	m.committed.Clear(false)
	for id, set := range snapshot.CommittedChangeSets {
		m.committed.ReplaceOrInsert(&committedItem{txID: id, changes: set.Copy()})
	}
}

// applyEditLocked replays one edit. Live operations mutate state through the
// same primitives, which is what keeps replay equal to the original run.
func (m *TransactionManager) applyEditLocked(edit *persist.TransactionEdit) {
	switch edit.State {
	case persist.EditInProgress:
		if edit.WritePointer > m.writePointer {
			m.writePointer = edit.WritePointer
		}
		m.inProgress.ReplaceOrInsert(&inProgressItem{
			txID: edit.WritePointer,
			entry: &persist.InProgressTx{
				VisibilityUpperBound: edit.VisibilityUpperBound,
				Expiration:           edit.Expiration,
				Type:                 edit.Type,
			},
		})
	case persist.EditCommitting:
		m.committing[edit.WritePointer] = edit.ChangeIDs
	case persist.EditCommitted:
		if edit.CommitPointer > m.writePointer {
			m.writePointer = edit.CommitPointer
		}
		m.doCommitLocked(edit.WritePointer, edit.CommitPointer, edit.ChangeIDs)
	case persist.EditAborted:
		if entry := m.removeInProgressLocked(edit.WritePointer); entry == nil {
			m.removeFromInvalidLocked(edit.WritePointer)
		}
		delete(m.committing, edit.WritePointer)
	case persist.EditInvalid:
		if entry := m.removeInProgressLocked(edit.WritePointer); entry != nil {
			m.insertInvalidLocked(edit.WritePointer)
			m.insertInvalidLocked(entry.CheckpointWritePointers...)
			delete(m.committing, edit.WritePointer)
		}
	case persist.EditMoveWatermark:
		m.inProgress.Clear(false)
		m.committed.Clear(false)
		m.committing = make(map[int64]txn.ChangeSet)
		m.invalid = nil
		if edit.WritePointer > m.writePointer {
			m.writePointer = edit.WritePointer
		}
		m.readPointer = m.writePointer
	case persist.EditTruncateInvalidTx:
		for _, id := range edit.TruncateIDs {
			m.removeFromInvalidLocked(id)
		}
	case persist.EditCheckpoint:
		if edit.WritePointer > m.writePointer {
			m.writePointer = edit.WritePointer
		}
		if parent := m.getInProgressLocked(edit.ParentWritePointer); parent != nil {
			parent.CheckpointWritePointers = append(parent.CheckpointWritePointers, edit.WritePointer)
			m.inProgress.ReplaceOrInsert(&inProgressItem{
				txID: edit.WritePointer,
				entry: &persist.InProgressTx{
					VisibilityUpperBound: parent.VisibilityUpperBound,
					Expiration:           parent.Expiration,
					Type:                 txn.InProgressCheckpoint,
				},
			})
		}
	default:
		log.Warnf("ignoring edit with unknown state %d during replay", edit.State)
	}
}

// sweepExpired invalidates every short transaction whose expiration passed.
// Long transactions are immune; checkpoint entries go away together with
// their parent.
func (m *TransactionManager) sweepExpired() {
	now := nowMillis()
	var expired []int64
	m.mu.Lock()
	m.inProgress.Ascend(func(i btree.Item) bool {
		item := i.(*inProgressItem)
		if item.entry.Type == txn.InProgressShort && item.entry.Expiration >= 0 && item.entry.Expiration < now {
			expired = append(expired, item.txID)
		}
		return true
	})
	m.mu.Unlock()
	for _, txID := range expired {
		if changed, err := m.Invalidate(txID); err != nil {
			log.Errorf("invalidating expired transaction %d failed: %v", txID, err)
		} else if changed {
			log.Infof("invalidated expired transaction %d", txID)
		}
	}
}
