package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytxn/tinytxn/tx/txn"
)

func TestExecutorRetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	f.client.failCommits = 2

	attempts := 0
	executor := NewTransactionExecutor(f.client, f.ds1).
		WithRetryStrategy(RetryOnConflict(5, time.Millisecond))
	err := executor.Execute(func(ctx *TransactionContext) error {
		attempts++
		f.ds1.addChange(keyA)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "two conflicts, then success")
	assert.Equal(t, stateCommitted, f.client.state)
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.client.failCommits = 100

	attempts := 0
	executor := NewTransactionExecutor(f.client, f.ds1).
		WithRetryStrategy(RetryOnConflict(3, time.Millisecond))
	err := executor.Execute(func(ctx *TransactionContext) error {
		attempts++
		f.ds1.addChange(keyA)
		return nil
	})
	require.Error(t, err)
	assert.True(t, txn.IsConflict(err))
	assert.Equal(t, 3, attempts)
}

func TestExecutorDoesNotRetryOtherFailures(t *testing.T) {
	f := newFixture(t)
	f.ds1.failPersistOnce = raiseError

	attempts := 0
	executor := NewTransactionExecutor(f.client, f.ds1).
		WithRetryStrategy(RetryOnConflict(5, time.Millisecond))
	err := executor.Execute(func(ctx *TransactionContext) error {
		attempts++
		f.ds1.addChange(keyA)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, txn.ErrTxFailure, txn.KindOf(err))
	assert.Equal(t, 1, attempts, "participant failures are not retried")
}

func TestExecutorUserFunctionFailureAborts(t *testing.T) {
	f := newFixture(t)

	executor := NewTransactionExecutor(f.client, f.ds1).WithRetryStrategy(NoRetry())
	err := executor.Execute(func(ctx *TransactionContext) error {
		return txn.NewError(txn.ErrTxFailure, "work went wrong")
	})
	require.Error(t, err)
	assert.True(t, f.ds1.rolledBack)
	assert.Equal(t, stateAborted, f.client.state)
}

func TestRetryOnConflictBackoff(t *testing.T) {
	s := RetryOnConflict(10, 100*time.Millisecond)
	conflict := &txn.Error{Kind: txn.ErrConflict}

	d1, ok := s.ShouldRetry(conflict, 1)
	require.True(t, ok)
	d2, ok := s.ShouldRetry(conflict, 2)
	require.True(t, ok)
	assert.Equal(t, 2*d1, d2, "exponential backoff")

	// The delay is bounded.
	dLate, ok := s.ShouldRetry(conflict, 9)
	require.True(t, ok)
	assert.LessOrEqual(t, dLate, 5*time.Second)

	_, ok = s.ShouldRetry(conflict, 10)
	assert.False(t, ok, "attempt budget exhausted")
	_, ok = s.ShouldRetry(txn.NewError(txn.ErrTxFailure, "boom"), 1)
	assert.False(t, ok, "only conflicts retry")
}
