package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytxn/tinytxn/tx/config"
	"github.com/tinytxn/tinytxn/tx/manager"
	"github.com/tinytxn/tinytxn/tx/persist"
	"github.com/tinytxn/tinytxn/tx/txn"
)

type induceFailure int

const (
	noFailure induceFailure = iota
	returnFalse
	raiseError
)

// dummyParticipant records which lifecycle phases ran and can be told to
// fail any one of them once.
type dummyParticipant struct {
	name string
	tx   *txn.Transaction

	started       bool
	checked       bool
	persisted     bool
	rolledBack    bool
	postCommitted bool
	changes       [][]byte

	failStartOnce      induceFailure
	failChangesOnce    induceFailure
	failPersistOnce    induceFailure
	failRollbackOnce   induceFailure
	failPostCommitOnce induceFailure
}

func (d *dummyParticipant) addChange(key []byte) {
	d.changes = append(d.changes, key)
}

func (d *dummyParticipant) Start(tx *txn.Transaction) error {
	d.started = true
	d.tx = tx
	if d.failStartOnce == raiseError {
		d.failStartOnce = noFailure
		return errors.New("start failure")
	}
	return nil
}

func (d *dummyParticipant) UpdateTx(tx *txn.Transaction) error {
	d.tx = tx
	return nil
}

func (d *dummyParticipant) GetChanges() ([][]byte, error) {
	d.checked = true
	if d.failChangesOnce == raiseError {
		d.failChangesOnce = noFailure
		return nil, errors.New("changes failure")
	}
	return d.changes, nil
}

func (d *dummyParticipant) Persist() (bool, error) {
	d.persisted = true
	switch d.failPersistOnce {
	case raiseError:
		d.failPersistOnce = noFailure
		return false, errors.New("persist failure")
	case returnFalse:
		d.failPersistOnce = noFailure
		return false, nil
	}
	return true, nil
}

func (d *dummyParticipant) Rollback() (bool, error) {
	d.rolledBack = true
	switch d.failRollbackOnce {
	case raiseError:
		d.failRollbackOnce = noFailure
		return false, errors.New("rollback failure")
	case returnFalse:
		d.failRollbackOnce = noFailure
		return false, nil
	}
	return true, nil
}

func (d *dummyParticipant) PostCommit() error {
	d.postCommitted = true
	if d.failPostCommitOnce == raiseError {
		d.failPostCommitOnce = noFailure
		return errors.New("post failure")
	}
	return nil
}

func (d *dummyParticipant) Name() string { return d.name }

type commitState int

const (
	stateStarted commitState = iota
	stateCommitted
	stateAborted
	stateInvalidated
)

// dummyClient fronts a real in-memory manager and can be told to refuse
// canCommit or commit, mimicking coordinator-side conflicts.
type dummyClient struct {
	*LocalClient
	failCanCommitOnce bool
	failCommits       int
	state             commitState
}

func (c *dummyClient) StartShort() (*txn.Transaction, error) {
	c.state = stateStarted
	return c.LocalClient.StartShort()
}

func (c *dummyClient) CanCommit(tx *txn.Transaction, changeIDs [][]byte) (bool, error) {
	if c.failCanCommitOnce {
		c.failCanCommitOnce = false
		return false, nil
	}
	return c.LocalClient.CanCommit(tx, changeIDs)
}

func (c *dummyClient) Commit(tx *txn.Transaction) (bool, error) {
	if c.failCommits > 0 {
		c.failCommits--
		return false, nil
	}
	c.state = stateCommitted
	return c.LocalClient.Commit(tx)
}

func (c *dummyClient) Abort(tx *txn.Transaction) error {
	c.state = stateAborted
	return c.LocalClient.Abort(tx)
}

func (c *dummyClient) Invalidate(txID int64) (bool, error) {
	c.state = stateInvalidated
	return c.LocalClient.Invalidate(txID)
}

type fixture struct {
	mgr    *manager.TransactionManager
	client *dummyClient
	ds1    *dummyParticipant
	ds2    *dummyParticipant
}

func newFixture(t *testing.T) *fixture {
	mgr := manager.NewTransactionManager(config.NewTestConfig(), persist.NopStateStorage{})
	return &fixture{
		mgr:    mgr,
		client: &dummyClient{LocalClient: NewLocalClient(mgr)},
		ds1:    &dummyParticipant{name: "ds1"},
		ds2:    &dummyParticipant{name: "ds2"},
	}
}

var (
	keyA = []byte{'a'}
	keyB = []byte{'b'}
)

func TestContextSuccessful(t *testing.T) {
	f := newFixture(t)
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)
	require.NoError(t, ctx.Finish())

	assert.True(t, f.ds1.started && f.ds2.started)
	assert.True(t, f.ds1.checked && f.ds2.checked)
	assert.True(t, f.ds1.persisted && f.ds2.persisted)
	assert.True(t, f.ds1.postCommitted && f.ds2.postCommitted)
	assert.False(t, f.ds1.rolledBack || f.ds2.rolledBack)
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestContextPostCommitFailure(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPostCommitOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)

	err = ctx.Finish()
	require.Error(t, err)
	assert.Equal(t, txn.ErrTxFailure, txn.KindOf(err))
	assert.Contains(t, err.Error(), "post failure")

	// Post-commit failures are surfaced but never rolled back: the data is
	// already visible.
	assert.True(t, f.ds1.persisted && f.ds2.persisted)
	assert.True(t, f.ds1.postCommitted && f.ds2.postCommitted)
	assert.False(t, f.ds1.rolledBack || f.ds2.rolledBack)
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestContextPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPersistOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)

	err = ctx.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist failure")

	assert.True(t, f.ds1.persisted)
	assert.False(t, f.ds2.persisted, "persist stops at the first failure")
	assert.False(t, f.ds1.postCommitted || f.ds2.postCommitted)
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestContextPersistFalse(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPersistOnce = returnFalse
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)

	err = ctx.Finish()
	require.Error(t, err)
	assert.Equal(t, txn.ErrTxFailure, txn.KindOf(err))
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestContextPersistAndRollbackFailure(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPersistOnce = raiseError
	f.ds1.failRollbackOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)

	err = ctx.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist failure")

	// Rollback failed, so the writes may linger: the transaction must be
	// invalidated, and its id lands on the invalid list.
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateInvalidated, f.client.state)
	assert.Equal(t, 1, f.mgr.InvalidSize())
	size, err := f.client.GetInvalidSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestContextPersistAndRollbackFalse(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPersistOnce = returnFalse
	f.ds1.failRollbackOnce = returnFalse
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)

	err = ctx.Finish()
	require.Error(t, err)
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateInvalidated, f.client.state)
	assert.Equal(t, 1, f.mgr.InvalidSize())
}

func TestContextCommitFalse(t *testing.T) {
	f := newFixture(t)
	f.client.failCommits = 1
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)

	err = ctx.Finish()
	require.Error(t, err)
	assert.True(t, txn.IsConflict(err))

	assert.True(t, f.ds1.persisted && f.ds2.persisted)
	assert.False(t, f.ds1.postCommitted || f.ds2.postCommitted)
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestContextCanCommitFalse(t *testing.T) {
	f := newFixture(t)
	f.client.failCanCommitOnce = true
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)

	err = ctx.Finish()
	require.Error(t, err)
	assert.True(t, txn.IsConflict(err))

	assert.True(t, f.ds1.checked && f.ds2.checked)
	assert.False(t, f.ds1.persisted || f.ds2.persisted)
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestContextChangesAndRollbackFailure(t *testing.T) {
	f := newFixture(t)
	f.ds1.failChangesOnce = raiseError
	f.ds1.failRollbackOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	f.ds2.addChange(keyB)

	err = ctx.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changes failure")

	assert.True(t, f.ds1.checked)
	assert.False(t, f.ds2.checked, "collection stops at the first failure")
	assert.False(t, f.ds1.persisted || f.ds2.persisted)
	assert.True(t, f.ds1.rolledBack && f.ds2.rolledBack)
	assert.Equal(t, stateInvalidated, f.client.state)
}

func TestContextStartFailure(t *testing.T) {
	f := newFixture(t)
	f.ds1.failStartOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start failure")

	// ds1 failed before buffering anything, ds2 was never started: no
	// rollbacks, transaction aborted.
	assert.True(t, f.ds1.started)
	assert.False(t, f.ds2.started)
	assert.False(t, f.ds1.rolledBack || f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
	assert.Nil(t, ctx.Current())
}

func TestContextStartFailureRollsBackEarlierParticipants(t *testing.T) {
	f := newFixture(t)
	f.ds2.failStartOnce = raiseError
	ctx := NewTransactionContext(f.client, f.ds1, f.ds2)

	_, err := ctx.Start()
	require.Error(t, err)

	// ds1 had already adopted the transaction and is told to drop it.
	assert.True(t, f.ds1.started && f.ds1.rolledBack)
	assert.True(t, f.ds2.started)
	assert.False(t, f.ds2.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestContextAddParticipantMidTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := NewTransactionContext(f.client, f.ds1)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)

	added, err := ctx.AddParticipant(f.ds2)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, f.ds2.started, "late participants start immediately")
	f.ds2.addChange(keyB)

	added, err = ctx.AddParticipant(f.ds2)
	require.NoError(t, err)
	assert.False(t, added, "already present")

	require.NoError(t, ctx.Finish())
	assert.True(t, f.ds1.postCommitted && f.ds2.postCommitted)
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestContextRemoveParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := NewTransactionContext(f.client)

	_, err := ctx.Start()
	require.NoError(t, err)
	added, err := ctx.AddParticipant(f.ds1)
	require.NoError(t, err)
	require.True(t, added)
	f.ds1.addChange(keyA)

	// Removal while the transaction runs is forbidden.
	_, err = ctx.RemoveParticipant(f.ds1)
	require.Error(t, err)

	require.NoError(t, ctx.Finish())

	removed, err := ctx.RemoveParticipant(f.ds1)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = ctx.RemoveParticipant(f.ds2)
	require.NoError(t, err)
	assert.False(t, removed, "never added")
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestContextAbort(t *testing.T) {
	f := newFixture(t)
	ctx := NewTransactionContext(f.client, f.ds1)

	_, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)
	require.NoError(t, ctx.Abort())
	assert.True(t, f.ds1.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)

	// Abort without an active transaction is a no-op.
	require.NoError(t, ctx.Abort())
}

func TestContextCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := NewTransactionContext(f.client, f.ds1)

	tx, err := ctx.Start()
	require.NoError(t, err)
	f.ds1.addChange(keyA)

	cp, err := ctx.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, tx.TransactionID, cp.TransactionID)
	assert.Greater(t, cp.WritePointer, tx.WritePointer)
	assert.Equal(t, cp, f.ds1.tx, "participants see the updated view")

	require.NoError(t, ctx.Finish())
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestContextRealConflict(t *testing.T) {
	f := newFixture(t)
	// Two contexts over the same coordinator writing the same change id.
	other := &dummyParticipant{name: "other"}
	ctxA := NewTransactionContext(f.client, f.ds1)
	ctxB := NewTransactionContext(f.client, other)

	_, err := ctxA.Start()
	require.NoError(t, err)
	_, err = ctxB.Start()
	require.NoError(t, err)

	f.ds1.addChange(keyA)
	other.addChange(keyA)

	require.NoError(t, ctxA.Finish())
	err = ctxB.Finish()
	require.Error(t, err)
	assert.True(t, txn.IsConflict(err))
	assert.True(t, other.rolledBack)
}
