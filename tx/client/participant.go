package client

import "github.com/tinytxn/tinytxn/tx/txn"

// Participant is a resource taking part in a coordinated transaction. The
// coordinator never sees its data; it only drives the lifecycle and collects
// change ids for conflict detection.
type Participant interface {
	// Start makes the participant adopt the transaction: subsequent writes
	// are buffered and stamped with the transaction's write pointer.
	Start(tx *txn.Transaction) error
	// UpdateTx replaces the transaction view after a checkpoint.
	UpdateTx(tx *txn.Transaction) error
	// GetChanges returns the change ids of everything written so far.
	GetChanges() ([][]byte, error)
	// Persist makes the buffered writes durable in the participant's own
	// store. Returning false (or an error) asks the orchestrator to roll
	// everything back.
	Persist() (bool, error)
	// Rollback undoes buffered or persisted writes after a failure.
	Rollback() (bool, error)
	// PostCommit runs best-effort work after the transaction is visible.
	// Failures here are reported but never rolled back.
	PostCommit() error
	// Name identifies the participant in errors and logs.
	Name() string
}
