package manager

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/config"
	"github.com/tinytxn/tinytxn/tx/persist"
	"github.com/tinytxn/tinytxn/tx/txn"
	"github.com/tinytxn/tinytxn/tx/util/worker"
)

type inProgressItem struct {
	txID  int64
	entry *persist.InProgressTx
}

func (a *inProgressItem) Less(than btree.Item) bool {
	return a.txID < than.(*inProgressItem).txID
}

type committedItem struct {
	txID    int64
	changes txn.ChangeSet
}

func (a *committedItem) Less(than btree.Item) bool {
	return a.txID < than.(*committedItem).txID
}

// TransactionManager is the coordinator state machine. All mutations happen
// under one mutex; the corresponding edit is enqueued to the log while the
// mutex is still held (so log order equals mutation order) and the flush is
// awaited after releasing it (so a slow fsync does not serialize unrelated
// operations beyond sharing the group commit).
type TransactionManager struct {
	conf     *config.Config
	storage  persist.StateStorage
	provider *persist.CodecProvider

	mu           sync.Mutex
	readPointer  int64
	writePointer int64
	inProgress   *btree.BTree
	invalid      []int64
	committing   map[int64]txn.ChangeSet
	committed    *btree.BTree

	curLog           persist.TransactionLog
	editsSinceSnap   int
	lastSnapshotTime int64

	running     bool
	wg          sync.WaitGroup
	housekeeper *worker.Runner
}

// NewTransactionManager wires a manager to its durable storage. Call Start
// before use. Pass persist.NopStateStorage{} for a purely in-memory manager.
func NewTransactionManager(conf *config.Config, storage persist.StateStorage) *TransactionManager {
	return &TransactionManager{
		conf:       conf,
		storage:    storage,
		provider:   persist.DefaultCodecProvider(),
		inProgress: btree.New(2),
		committing: make(map[int64]txn.ChangeSet),
		committed:  btree.New(2),
		curLog:     persist.NopTransactionLog{},
	}
}

// Start recovers state from storage, takes a fresh snapshot to begin a clean
// log epoch, and launches the housekeeping worker.
func (m *TransactionManager) Start() error {
	m.mu.Lock()
	err := m.recoverLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.snapshotNow(); err != nil {
		return err
	}
	m.housekeeper = worker.NewRunner("tx-housekeeper", &m.wg)
	m.housekeeper.Register("expiration-sweep", m.conf.TxCleanupInterval, m.sweepExpired)
	m.housekeeper.Register(snapshotChore, m.conf.SnapshotInterval, func() {
		if err := m.snapshotNow(); err != nil {
			log.Errorf("periodic snapshot failed: %v", err)
		}
	})
	m.housekeeper.Start()
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	log.Infof("transaction manager started, storage at %s, write pointer %d", m.storage.Location(), m.writePointer)
	return nil
}

// Stop halts housekeeping, takes a final snapshot and closes the current log
// segment.
func (m *TransactionManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()
	m.housekeeper.Stop()
	m.wg.Wait()
	if err := m.snapshotNow(); err != nil {
		log.Errorf("final snapshot failed: %v", err)
	}
	m.mu.Lock()
	cur := m.curLog
	m.curLog = persist.NopTransactionLog{}
	m.mu.Unlock()
	if err := cur.Close(); err != nil {
		return err
	}
	log.Infof("transaction manager stopped")
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// advanceWritePointerLocked allocates the next transaction id with clock
// monotonicity enforcement: ids never go backwards even if the clock does.
func (m *TransactionManager) advanceWritePointerLocked() int64 {
	next := nowMillis() * txn.MaxTxPerMS
	if next <= m.writePointer {
		next = m.writePointer + 1
	}
	m.writePointer = next
	return next
}

func (m *TransactionManager) enqueueEditLocked(edit *persist.TransactionEdit) <-chan error {
	done := m.curLog.Enqueue(edit)
	m.editsSinceSnap++
	if m.running && m.editsSinceSnap == m.conf.SnapshotAfterEdits {
		m.housekeeper.Kick(snapshotChore)
	}
	return done
}

func (m *TransactionManager) getInProgressLocked(txID int64) *persist.InProgressTx {
	item := m.inProgress.Get(&inProgressItem{txID: txID})
	if item == nil {
		return nil
	}
	return item.(*inProgressItem).entry
}

// removeInProgressLocked deletes the transaction and all of its checkpoint
// write pointer entries, returning the parent entry or nil.
func (m *TransactionManager) removeInProgressLocked(txID int64) *persist.InProgressTx {
	item := m.inProgress.Delete(&inProgressItem{txID: txID})
	if item == nil {
		return nil
	}
	entry := item.(*inProgressItem).entry
	for _, cp := range entry.CheckpointWritePointers {
		m.inProgress.Delete(&inProgressItem{txID: cp})
	}
	return entry
}

func (m *TransactionManager) minInProgressLocked() int64 {
	if m.inProgress.Len() == 0 {
		return txn.NoTxInProgress
	}
	return m.inProgress.Min().(*inProgressItem).txID
}

// insertInvalidLocked adds ids to the invalid list keeping it sorted and
// duplicate-free.
func (m *TransactionManager) insertInvalidLocked(ids ...int64) {
	for _, id := range ids {
		i := searchInt64(m.invalid, id)
		if i < len(m.invalid) && m.invalid[i] == id {
			continue
		}
		m.invalid = append(m.invalid, 0)
		copy(m.invalid[i+1:], m.invalid[i:])
		m.invalid[i] = id
	}
}

func (m *TransactionManager) removeFromInvalidLocked(id int64) bool {
	i := searchInt64(m.invalid, id)
	if i >= len(m.invalid) || m.invalid[i] != id {
		return false
	}
	m.invalid = append(m.invalid[:i], m.invalid[i+1:]...)
	return true
}

func searchInt64(s []int64, v int64) int {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		if s[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// newTransactionLocked builds the immutable client view. The transaction's
// own write pointers are excluded from the in-progress set.
func (m *TransactionManager) newTransactionLocked(txID int64, writePointer int64, typ txn.InProgressType, checkpointPointers []int64) *txn.Transaction {
	own := make(map[int64]struct{}, 1+len(checkpointPointers))
	own[txID] = struct{}{}
	own[writePointer] = struct{}{}
	for _, cp := range checkpointPointers {
		own[cp] = struct{}{}
	}
	inProgress := make([]int64, 0, m.inProgress.Len())
	firstShort := txn.NoTxInProgress
	m.inProgress.Ascend(func(i btree.Item) bool {
		item := i.(*inProgressItem)
		if _, ok := own[item.txID]; ok {
			return true
		}
		inProgress = append(inProgress, item.txID)
		if firstShort == txn.NoTxInProgress && item.entry.Type == txn.InProgressShort {
			firstShort = item.txID
		}
		return true
	})
	return &txn.Transaction{
		TransactionID:           txID,
		WritePointer:            writePointer,
		ReadPointer:             m.readPointer,
		Invalids:                append([]int64(nil), m.invalid...),
		InProgress:              inProgress,
		FirstShortInProgress:    firstShort,
		CheckpointWritePointers: append([]int64(nil), checkpointPointers...),
		Type:                    typ,
	}
}

// StartShort starts a short transaction with the configured default timeout.
func (m *TransactionManager) StartShort() (*txn.Transaction, error) {
	return m.StartShortTimeout(m.conf.TxDefaultTimeout)
}

// StartShortTimeout starts a short transaction that the cleanup sweep may
// invalidate once the timeout elapses.
func (m *TransactionManager) StartShortTimeout(timeout time.Duration) (*txn.Transaction, error) {
	if timeout <= 0 || timeout > m.conf.TxMaxTimeout {
		return nil, txn.NewErrorf(txn.ErrInvalidArgument, "timeout %v out of range (0, %v]", timeout, m.conf.TxMaxTimeout)
	}
	return m.startTx(txn.InProgressShort, nowMillis()+timeout.Milliseconds())
}

// StartLong starts a long transaction, which is never expired by the sweep.
func (m *TransactionManager) StartLong() (*txn.Transaction, error) {
	return m.startTx(txn.InProgressLong, -1)
}

func (m *TransactionManager) startTx(typ txn.InProgressType, expiration int64) (*txn.Transaction, error) {
	m.mu.Lock()
	txID := m.advanceWritePointerLocked()
	entry := &persist.InProgressTx{
		VisibilityUpperBound: m.readPointer,
		Expiration:           expiration,
		Type:                 typ,
	}
	m.inProgress.ReplaceOrInsert(&inProgressItem{txID: txID, entry: entry})
	view := m.newTransactionLocked(txID, txID, typ, nil)
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:                persist.EditInProgress,
		WritePointer:         txID,
		Expiration:           expiration,
		VisibilityUpperBound: entry.VisibilityUpperBound,
		Type:                 typ,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return nil, err
	}
	return view, nil
}

// hasConflictLocked applies the write-write conflict rule: the proposed set
// conflicts iff some transaction committed after the visibility upper bound
// touched one of the same change ids. Committing (not yet committed) sets
// are deliberately not consulted.
func (m *TransactionManager) hasConflictLocked(visibilityUpperBound int64, set txn.ChangeSet) bool {
	if len(set) == 0 {
		return false
	}
	conflict := false
	m.committed.AscendGreaterOrEqual(&committedItem{txID: visibilityUpperBound + 1}, func(i btree.Item) bool {
		if i.(*committedItem).changes.Overlaps(set) {
			conflict = true
			return false
		}
		return true
	})
	return conflict
}

// CanCommit checks the transaction's proposed changes for conflicts and
// records them as its committing change-set. It may be called repeatedly:
// each call replaces the recorded set and appends a fresh edit.
func (m *TransactionManager) CanCommit(tx *txn.Transaction, changeIDs [][]byte) (bool, error) {
	m.mu.Lock()
	entry := m.getInProgressLocked(tx.TransactionID)
	if entry == nil {
		m.mu.Unlock()
		return false, txn.NotInProgress(tx.TransactionID)
	}
	set := txn.NewChangeSet(changeIDs)
	if m.hasConflictLocked(entry.VisibilityUpperBound, set) {
		m.mu.Unlock()
		return false, nil
	}
	m.committing[tx.TransactionID] = set
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:        persist.EditCommitting,
		WritePointer: tx.TransactionID,
		ChangeIDs:    set,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return false, err
	}
	return true, nil
}

// Commit re-checks conflicts against everything committed since canCommit
// and makes the transaction visible. A conflict returns false and leaves the
// transaction in progress; the caller is expected to abort it.
func (m *TransactionManager) Commit(tx *txn.Transaction) (bool, error) {
	m.mu.Lock()
	entry := m.getInProgressLocked(tx.TransactionID)
	if entry == nil {
		m.mu.Unlock()
		return false, txn.NotInProgress(tx.TransactionID)
	}
	set := m.committing[tx.TransactionID]
	if m.hasConflictLocked(entry.VisibilityUpperBound, set) {
		m.mu.Unlock()
		return false, nil
	}
	// The committed change-set is keyed by the transaction's highest write
	// pointer, so later starters compare against the version that was
	// actually stamped.
	commitPointer := tx.WritePointer
	if tx.TransactionID > commitPointer {
		commitPointer = tx.TransactionID
	}
	m.doCommitLocked(tx.TransactionID, commitPointer, set)
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:         persist.EditCommitted,
		WritePointer:  tx.TransactionID,
		CommitPointer: commitPointer,
		ChangeIDs:     set,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return false, err
	}
	return true, nil
}

func (m *TransactionManager) doCommitLocked(txID, commitPointer int64, set txn.ChangeSet) {
	m.removeInProgressLocked(txID)
	delete(m.committing, txID)
	if len(set) > 0 {
		m.committed.ReplaceOrInsert(&committedItem{txID: commitPointer, changes: set})
	}
	// Lazy read pointer advance: once nothing older is in progress, every
	// allocated version is decided and readers may move up to the write
	// pointer (concurrent transactions stay excluded via their in-progress
	// sets).
	if m.inProgress.Len() == 0 || m.minInProgressLocked() > m.readPointer {
		m.readPointer = m.writePointer
	}
}

// Abort removes the transaction from the in-progress set. It never fails on
// a transaction that is already gone: an expired or invalidated transaction
// may legitimately be aborted after the fact, which lifts the poison if the
// client managed to undo its writes.
func (m *TransactionManager) Abort(tx *txn.Transaction) error {
	m.mu.Lock()
	if entry := m.removeInProgressLocked(tx.TransactionID); entry != nil {
		delete(m.committing, tx.TransactionID)
		done := m.enqueueEditLocked(&persist.TransactionEdit{
			State:        persist.EditAborted,
			WritePointer: tx.TransactionID,
		})
		m.mu.Unlock()
		return <-done
	}
	var removed []int64
	if m.removeFromInvalidLocked(tx.TransactionID) {
		removed = append(removed, tx.TransactionID)
	}
	for _, cp := range tx.CheckpointWritePointers {
		if m.removeFromInvalidLocked(cp) {
			removed = append(removed, cp)
		}
	}
	if len(removed) == 0 {
		m.mu.Unlock()
		return nil
	}
	// Logged as a truncation so replay removes exactly the same ids.
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:       persist.EditTruncateInvalidTx,
		TruncateIDs: removed,
	})
	m.mu.Unlock()
	return <-done
}

// Invalidate marks an in-progress transaction's writes as poison: every
// write pointer it was issued lands on the invalid list. Returns true iff
// state changed.
func (m *TransactionManager) Invalidate(txID int64) (bool, error) {
	m.mu.Lock()
	entry := m.removeInProgressLocked(txID)
	if entry == nil {
		m.mu.Unlock()
		return false, nil
	}
	m.insertInvalidLocked(txID)
	m.insertInvalidLocked(entry.CheckpointWritePointers...)
	delete(m.committing, txID)
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:        persist.EditInvalid,
		WritePointer: txID,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return true, err
	}
	return true, nil
}

// Checkpoint issues a new write pointer to a running transaction and returns
// the updated view. The transaction id is unchanged; the previous write
// pointers stay readable to the transaction itself.
func (m *TransactionManager) Checkpoint(tx *txn.Transaction) (*txn.Transaction, error) {
	m.mu.Lock()
	entry := m.getInProgressLocked(tx.TransactionID)
	if entry == nil {
		m.mu.Unlock()
		return nil, txn.NotInProgress(tx.TransactionID)
	}
	newWritePointer := m.advanceWritePointerLocked()
	entry.CheckpointWritePointers = append(entry.CheckpointWritePointers, newWritePointer)
	m.inProgress.ReplaceOrInsert(&inProgressItem{
		txID: newWritePointer,
		entry: &persist.InProgressTx{
			VisibilityUpperBound: entry.VisibilityUpperBound,
			Expiration:           entry.Expiration,
			Type:                 txn.InProgressCheckpoint,
		},
	})
	view := m.newTransactionLocked(tx.TransactionID, newWritePointer, entry.Type, entry.CheckpointWritePointers)
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:              persist.EditCheckpoint,
		WritePointer:       newWritePointer,
		ParentWritePointer: tx.TransactionID,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return nil, err
	}
	return view, nil
}

// TruncateInvalidTx removes the given ids from the invalid list. Returns
// true iff the list changed.
func (m *TransactionManager) TruncateInvalidTx(ids []int64) (bool, error) {
	m.mu.Lock()
	var removed []int64
	for _, id := range ids {
		if m.removeFromInvalidLocked(id) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:       persist.EditTruncateInvalidTx,
		TruncateIDs: removed,
	})
	m.mu.Unlock()
	if err := <-done; err != nil {
		return true, err
	}
	return true, nil
}

// TruncateInvalidTxBefore removes all invalid ids started before the given
// time. It refuses if any in-progress transaction is older than the cutoff,
// since that transaction could still be invalidated below it.
func (m *TransactionManager) TruncateInvalidTxBefore(t time.Time) (bool, error) {
	cutoff := t.UnixMilli() * txn.MaxTxPerMS
	m.mu.Lock()
	if min := m.minInProgressLocked(); min != txn.NoTxInProgress && min < cutoff {
		m.mu.Unlock()
		return false, txn.NewErrorf(txn.ErrInvalidTruncateTime, "in-progress transaction %d started before %v", min, t)
	}
	var ids []int64
	for _, id := range m.invalid {
		if id < cutoff {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return false, nil
	}
	return m.TruncateInvalidTx(ids)
}

// PruneNow drops committed change-sets that can no longer cause a conflict:
// everything at or below the oldest visibility upper bound still referenced
// by an in-progress transaction (or the read pointer if nothing is running).
func (m *TransactionManager) PruneNow() {
	m.mu.Lock()
	horizon := m.readPointer
	m.inProgress.Ascend(func(i btree.Item) bool {
		if vub := i.(*inProgressItem).entry.VisibilityUpperBound; vub < horizon {
			horizon = vub
		}
		return true
	})
	var drop []int64
	m.committed.Ascend(func(i btree.Item) bool {
		item := i.(*committedItem)
		if item.txID > horizon {
			return false
		}
		drop = append(drop, item.txID)
		return true
	})
	for _, id := range drop {
		m.committed.Delete(&committedItem{txID: id})
	}
	m.mu.Unlock()
	if len(drop) > 0 {
		log.Debugf("pruned %d committed change-sets at or below %d", len(drop), horizon)
	}
}

// InvalidSize returns the length of the invalid list.
func (m *TransactionManager) InvalidSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invalid)
}

// ResetState blanks the whole state and starts a new epoch. Administrative
// recovery only.
func (m *TransactionManager) ResetState() error {
	m.mu.Lock()
	m.inProgress.Clear(false)
	m.committed.Clear(false)
	m.committing = make(map[int64]txn.ChangeSet)
	m.invalid = nil
	watermark := m.advanceWritePointerLocked()
	m.readPointer = watermark
	done := m.enqueueEditLocked(&persist.TransactionEdit{
		State:        persist.EditMoveWatermark,
		WritePointer: watermark,
	})
	m.mu.Unlock()
	log.Warnf("transaction manager state reset, new epoch at %d", watermark)
	return <-done
}

// Status describes the manager for monitoring.
type Status struct {
	State           string
	ReadPointer     int64
	WritePointer    int64
	InProgressCount int
	InvalidCount    int
	CommittingCount int
	CommittedCount  int
}

func (m *TransactionManager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "stopped"
	if m.running {
		state = "running"
	}
	return &Status{
		State:           state,
		ReadPointer:     m.readPointer,
		WritePointer:    m.writePointer,
		InProgressCount: m.inProgress.Len(),
		InvalidCount:    len(m.invalid),
		CommittingCount: len(m.committing),
		CommittedCount:  m.committed.Len(),
	}
}
