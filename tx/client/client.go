package client

import (
	"time"

	"github.com/tinytxn/tinytxn/tx/manager"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// Client is the wire operation set of the coordinator. The orchestrator runs
// against this interface, so an in-process manager and a remote façade are
// interchangeable.
type Client interface {
	StartShort() (*txn.Transaction, error)
	StartShortTimeout(timeout time.Duration) (*txn.Transaction, error)
	StartLong() (*txn.Transaction, error)
	CanCommit(tx *txn.Transaction, changeIDs [][]byte) (bool, error)
	Commit(tx *txn.Transaction) (bool, error)
	Abort(tx *txn.Transaction) error
	Invalidate(txID int64) (bool, error)
	Checkpoint(tx *txn.Transaction) (*txn.Transaction, error)
	TruncateInvalidTx(ids []int64) (bool, error)
	TruncateInvalidTxBefore(t time.Time) (bool, error)
	GetInvalidSize() (int, error)
	PruneNow() error
	ResetState() error
	GetSnapshot() ([]byte, error)
}

// LocalClient serves the Client interface straight from an in-process
// transaction manager.
type LocalClient struct {
	mgr *manager.TransactionManager
}

func NewLocalClient(mgr *manager.TransactionManager) *LocalClient {
	return &LocalClient{mgr: mgr}
}

func (c *LocalClient) StartShort() (*txn.Transaction, error) {
	return c.mgr.StartShort()
}

func (c *LocalClient) StartShortTimeout(timeout time.Duration) (*txn.Transaction, error) {
	return c.mgr.StartShortTimeout(timeout)
}

func (c *LocalClient) StartLong() (*txn.Transaction, error) {
	return c.mgr.StartLong()
}

func (c *LocalClient) CanCommit(tx *txn.Transaction, changeIDs [][]byte) (bool, error) {
	return c.mgr.CanCommit(tx, changeIDs)
}

func (c *LocalClient) Commit(tx *txn.Transaction) (bool, error) {
	return c.mgr.Commit(tx)
}

func (c *LocalClient) Abort(tx *txn.Transaction) error {
	return c.mgr.Abort(tx)
}

func (c *LocalClient) Invalidate(txID int64) (bool, error) {
	return c.mgr.Invalidate(txID)
}

func (c *LocalClient) Checkpoint(tx *txn.Transaction) (*txn.Transaction, error) {
	return c.mgr.Checkpoint(tx)
}

func (c *LocalClient) TruncateInvalidTx(ids []int64) (bool, error) {
	return c.mgr.TruncateInvalidTx(ids)
}

func (c *LocalClient) TruncateInvalidTxBefore(t time.Time) (bool, error) {
	return c.mgr.TruncateInvalidTxBefore(t)
}

func (c *LocalClient) GetInvalidSize() (int, error) {
	return c.mgr.InvalidSize(), nil
}

func (c *LocalClient) PruneNow() error {
	c.mgr.PruneNow()
	return nil
}

func (c *LocalClient) ResetState() error {
	return c.mgr.ResetState()
}

func (c *LocalClient) GetSnapshot() ([]byte, error) {
	return c.mgr.GetSnapshot()
}
