package client

import (
	"time"

	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/txn"
)

// RetryStrategy decides whether a failed attempt is worth repeating and how
// long to back off first. attempt counts from 1.
type RetryStrategy interface {
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

type retryOnConflict struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// RetryOnConflict retries conflicts with bounded exponential backoff, up to
// maxAttempts attempts in total. Any other error kind surfaces immediately.
func RetryOnConflict(maxAttempts int, initialDelay time.Duration) RetryStrategy {
	return &retryOnConflict{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     5 * time.Second,
	}
}

func (s *retryOnConflict) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if !txn.IsConflict(err) {
		return 0, false
	}
	if attempt >= s.maxAttempts {
		return 0, false
	}
	delay := s.initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			delay = s.maxDelay
			break
		}
	}
	return delay, true
}

type noRetry struct{}

func (noRetry) ShouldRetry(error, int) (time.Duration, bool) { return 0, false }

// NoRetry surfaces every failure immediately.
func NoRetry() RetryStrategy { return noRetry{} }

// TransactionExecutor runs a unit of work inside a transaction and handles
// the retry loop, so callers write the work function once and get conflict
// retries for free.
type TransactionExecutor struct {
	client       Client
	participants []Participant
	strategy     RetryStrategy
}

func NewTransactionExecutor(client Client, participants ...Participant) *TransactionExecutor {
	return &TransactionExecutor{
		client:       client,
		participants: participants,
		strategy:     RetryOnConflict(20, 100*time.Millisecond),
	}
}

// WithRetryStrategy replaces the default conflict retry policy.
func (e *TransactionExecutor) WithRetryStrategy(strategy RetryStrategy) *TransactionExecutor {
	e.strategy = strategy
	return e
}

// Execute runs fn inside a fresh transaction context, retrying the whole
// unit of work according to the strategy.
func (e *TransactionExecutor) Execute(fn func(ctx *TransactionContext) error) error {
	for attempt := 1; ; attempt++ {
		err := e.executeOnce(fn)
		if err == nil {
			return nil
		}
		delay, retry := e.strategy.ShouldRetry(err, attempt)
		if !retry {
			return err
		}
		log.Debugf("transaction attempt %d failed (%v), retrying in %v", attempt, err, delay)
		time.Sleep(delay)
	}
}

func (e *TransactionExecutor) executeOnce(fn func(ctx *TransactionContext) error) error {
	ctx := NewTransactionContext(e.client, e.participants...)
	if _, err := ctx.Start(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return ctx.abortWith(txn.WrapError(txn.ErrTxFailure, err, "unit of work"))
	}
	return ctx.Finish()
}
