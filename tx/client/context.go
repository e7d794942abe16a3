package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// TransactionContext drives a set of participants through one transaction:
// start, change collection, pre-commit, persist, commit, post-commit, and on
// any failure the matching rollback or invalidation.
type TransactionContext struct {
	client       Client
	id           uuid.UUID
	participants []Participant
	current      *txn.Transaction
}

func NewTransactionContext(client Client, participants ...Participant) *TransactionContext {
	c := &TransactionContext{
		client: client,
		id:     uuid.New(),
	}
	for _, p := range participants {
		c.addParticipant(p)
	}
	return c
}

func (c *TransactionContext) addParticipant(p Participant) bool {
	for _, existing := range c.participants {
		if existing == p {
			return false
		}
	}
	c.participants = append(c.participants, p)
	return true
}

// AddParticipant adds a participant, starting it immediately if a
// transaction is active. Returns false if it was already present.
func (c *TransactionContext) AddParticipant(p Participant) (bool, error) {
	if !c.addParticipant(p) {
		return false, nil
	}
	if c.current != nil {
		if err := p.Start(c.current); err != nil {
			return true, txn.WrapError(txn.ErrTxFailure, err, "starting participant "+p.Name())
		}
	}
	return true, nil
}

// RemoveParticipant removes a participant. It refuses while a transaction is
// active, because the participant may already hold buffered writes.
func (c *TransactionContext) RemoveParticipant(p Participant) (bool, error) {
	if c.current != nil {
		return false, txn.NewError(txn.ErrTxFailure, "cannot remove a participant while a transaction is active")
	}
	for i, existing := range c.participants {
		if existing == p {
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Current returns the active transaction, or nil.
func (c *TransactionContext) Current() *txn.Transaction {
	return c.current
}

// Start begins a new short transaction with the default timeout.
func (c *TransactionContext) Start() (*txn.Transaction, error) {
	return c.start(func() (*txn.Transaction, error) { return c.client.StartShort() })
}

// StartWithTimeout begins a new short transaction with an explicit timeout.
func (c *TransactionContext) StartWithTimeout(timeout time.Duration) (*txn.Transaction, error) {
	return c.start(func() (*txn.Transaction, error) { return c.client.StartShortTimeout(timeout) })
}

// StartLong begins a long transaction.
func (c *TransactionContext) StartLong() (*txn.Transaction, error) {
	return c.start(c.client.StartLong)
}

func (c *TransactionContext) start(begin func() (*txn.Transaction, error)) (*txn.Transaction, error) {
	if c.current != nil {
		return nil, txn.NewError(txn.ErrTxFailure, "a transaction is already active")
	}
	tx, err := begin()
	if err != nil {
		return nil, txn.WrapError(txn.ErrTxFailure, err, "starting transaction")
	}
	c.current = tx
	log.Debugf("context %s started %s", c.id, tx)
	for _, p := range c.participants {
		if err := p.Start(tx); err != nil {
			cause := txn.WrapError(txn.ErrTxFailure, err, "starting participant "+p.Name())
			// Participants that already adopted the transaction are told
			// to drop their buffers; the failing one never started.
			c.rollbackStarted(p)
			if abortErr := c.client.Abort(tx); abortErr != nil {
				log.Warnf("context %s: abort after start failure also failed: %v", c.id, abortErr)
			}
			c.current = nil
			return nil, cause
		}
	}
	return tx, nil
}

// rollbackStarted rolls back every participant before the failing one.
func (c *TransactionContext) rollbackStarted(failed Participant) {
	for _, p := range c.participants {
		if p == failed {
			return
		}
		if ok, err := p.Rollback(); err != nil || !ok {
			log.Warnf("context %s: rollback of %s after start failure: ok=%v err=%v", c.id, p.Name(), ok, err)
		}
	}
}

// Finish runs the commit protocol: collect changes, canCommit, persist,
// commit, post-commit. On failure everything is rolled back and the
// transaction aborted, or invalidated if a rollback fails too. Post-commit
// failures are reported but never rolled back.
func (c *TransactionContext) Finish() error {
	if c.current == nil {
		return txn.NewError(txn.ErrTxFailure, "no transaction is active")
	}
	changes, err := c.collectChanges()
	if err != nil {
		return c.abortWith(txn.WrapError(txn.ErrTxFailure, err, "collecting changes"))
	}
	ok, err := c.client.CanCommit(c.current, changes)
	if err != nil {
		return c.abortWith(txn.WrapError(txn.ErrTxFailure, err, "pre-commit check"))
	}
	if !ok {
		return c.abortWith(&txn.Error{Kind: txn.ErrConflict, TxID: c.current.TransactionID})
	}
	for _, p := range c.participants {
		ok, err := p.Persist()
		if err != nil {
			return c.abortWith(txn.WrapError(txn.ErrTxFailure, err, "persisting changes of "+p.Name()))
		}
		if !ok {
			return c.abortWith(txn.NewError(txn.ErrTxFailure, "participant "+p.Name()+" failed to persist"))
		}
	}
	ok, err = c.client.Commit(c.current)
	if err != nil {
		return c.abortWith(txn.WrapError(txn.ErrTxFailure, err, "committing transaction"))
	}
	if !ok {
		return c.abortWith(&txn.Error{Kind: txn.ErrConflict, TxID: c.current.TransactionID})
	}
	err = c.postCommit()
	c.current = nil
	return err
}

func (c *TransactionContext) collectChanges() ([][]byte, error) {
	var changes [][]byte
	for _, p := range c.participants {
		cs, err := p.GetChanges()
		if err != nil {
			return nil, err
		}
		changes = append(changes, cs...)
	}
	return changes, nil
}

func (c *TransactionContext) postCommit() error {
	var firstErr error
	for _, p := range c.participants {
		if err := p.PostCommit(); err != nil {
			log.Warnf("context %s: post-commit of %s failed: %v", c.id, p.Name(), err)
			if firstErr == nil {
				firstErr = txn.WrapError(txn.ErrTxFailure, err, "post-commit of "+p.Name())
			}
		}
	}
	return firstErr
}

// Abort rolls back all participants and aborts the active transaction. Safe
// to call when nothing is active.
func (c *TransactionContext) Abort() error {
	if c.current == nil {
		return nil
	}
	return c.abortWith(nil)
}

// abortWith rolls everything back and ends the transaction: abort if every
// participant rolled back cleanly, invalidate otherwise (some writes may
// survive, so they must be poisoned). Returns the original cause.
func (c *TransactionContext) abortWith(cause error) error {
	tx := c.current
	c.current = nil
	rolledBack := true
	for _, p := range c.participants {
		ok, err := p.Rollback()
		if err != nil {
			rolledBack = false
			log.Warnf("context %s: rollback of %s failed: %v", c.id, p.Name(), err)
		} else if !ok {
			rolledBack = false
			log.Warnf("context %s: rollback of %s returned false", c.id, p.Name())
		}
	}
	if rolledBack {
		if err := c.client.Abort(tx); err != nil {
			log.Warnf("context %s: abort of tx %d failed: %v", c.id, tx.TransactionID, err)
			if cause == nil {
				cause = txn.WrapError(txn.ErrTxFailure, err, "aborting transaction")
			}
		}
	} else {
		if _, err := c.client.Invalidate(tx.TransactionID); err != nil {
			log.Errorf("context %s: invalidate of tx %d failed: %v", c.id, tx.TransactionID, err)
			if cause == nil {
				cause = txn.WrapError(txn.ErrTxFailure, err, "invalidating transaction")
			}
		}
	}
	return cause
}

// Checkpoint rolls the transaction to a fresh write pointer and propagates
// the updated view to all participants.
func (c *TransactionContext) Checkpoint() (*txn.Transaction, error) {
	if c.current == nil {
		return nil, txn.NewError(txn.ErrTxFailure, "no transaction is active")
	}
	tx, err := c.client.Checkpoint(c.current)
	if err != nil {
		return nil, txn.WrapError(txn.ErrTxFailure, err, "checkpointing transaction")
	}
	c.current = tx
	for _, p := range c.participants {
		if err := p.UpdateTx(tx); err != nil {
			return nil, txn.WrapError(txn.ErrTxFailure, err, "updating participant "+p.Name())
		}
	}
	return tx, nil
}
