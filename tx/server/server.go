package server

import (
	"context"
	"time"

	"github.com/tinytxn/tinytxn/tx/manager"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// Server is the service façade: it 'faces outwards', translating each wire
// operation into exactly one transaction manager call. Transports (whatever
// RPC layer the deployment uses) wrap these methods; the core neither knows
// nor cares about the wire format.
type Server struct {
	mgr *manager.TransactionManager
}

func NewServer(mgr *manager.TransactionManager) *Server {
	return &Server{mgr: mgr}
}

func (s *Server) StartShort(_ context.Context) (*txn.Transaction, error) {
	return s.mgr.StartShort()
}

func (s *Server) StartShortTimeout(_ context.Context, timeout time.Duration) (*txn.Transaction, error) {
	return s.mgr.StartShortTimeout(timeout)
}

func (s *Server) StartLong(_ context.Context) (*txn.Transaction, error) {
	return s.mgr.StartLong()
}

func (s *Server) CanCommit(_ context.Context, tx *txn.Transaction, changeIDs [][]byte) (bool, error) {
	return s.mgr.CanCommit(tx, changeIDs)
}

func (s *Server) Commit(_ context.Context, tx *txn.Transaction) (bool, error) {
	return s.mgr.Commit(tx)
}

func (s *Server) Abort(_ context.Context, tx *txn.Transaction) error {
	return s.mgr.Abort(tx)
}

func (s *Server) Invalidate(_ context.Context, txID int64) (bool, error) {
	return s.mgr.Invalidate(txID)
}

func (s *Server) Checkpoint(_ context.Context, tx *txn.Transaction) (*txn.Transaction, error) {
	return s.mgr.Checkpoint(tx)
}

func (s *Server) TruncateInvalidTx(_ context.Context, ids []int64) (bool, error) {
	return s.mgr.TruncateInvalidTx(ids)
}

func (s *Server) TruncateInvalidTxBefore(_ context.Context, t time.Time) (bool, error) {
	return s.mgr.TruncateInvalidTxBefore(t)
}

func (s *Server) GetInvalidSize(_ context.Context) (int, error) {
	return s.mgr.InvalidSize(), nil
}

func (s *Server) PruneNow(_ context.Context) error {
	s.mgr.PruneNow()
	return nil
}

func (s *Server) ResetState(_ context.Context) error {
	return s.mgr.ResetState()
}

func (s *Server) Status(_ context.Context) (*manager.Status, error) {
	return s.mgr.Status(), nil
}

func (s *Server) GetSnapshot(_ context.Context) ([]byte, error) {
	return s.mgr.GetSnapshot()
}
