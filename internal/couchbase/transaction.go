package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// DefaultTransactionTimeout bounds a transaction when the caller sets no
// deadline.
const DefaultTransactionTimeout = 10 * time.Second

// Transactions provides a wrapper around Couchbase distributed transactions.
// It simplifies transaction execution with consistent configuration and error handling.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

// NewTransactions creates a new transaction manager for the given cluster. A
// non-positive timeout uses DefaultTransactionTimeout.
func NewTransactions(cluster *gocb.Cluster, timeout time.Duration) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}

	return &Transactions{
		cluster: cluster,
		timeout: timeout,
	}, nil
}

// Transaction executes fn within a Couchbase distributed transaction, bounded
// by the earlier of the ctx deadline and the configured timeout. fn may be run
// more than once. Returns the transaction ID on success.
func (t *Transactions) Transaction(ctx context.Context, fn TransactionAttempt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         timeout,
	}
	run := func(actx *gocb.TransactionAttemptContext) error {
		return fn(newTransactionRunner(actx))
	}

	res, err := t.cluster.Transactions().Run(run, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

// transactionRunner wraps the Couchbase transaction context to provide a simpler interface.
type transactionRunner struct {
	ctx *gocb.TransactionAttemptContext
}

// newTransactionRunner creates a new transaction runner wrapper.
func newTransactionRunner(ctx *gocb.TransactionAttemptContext) *transactionRunner {
	return &transactionRunner{ctx: ctx}
}

// Get retrieves a document within the transaction context.
func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.ctx.Get(tc.Collection(), key)
}

// Insert creates a new document within the transaction context.
func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Insert(tc.Collection(), key, value)
}

// Replace updates an existing document within the transaction context.
func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Replace(doc, value)
}

// TransactionRunner defines the interface for performing operations within a transaction.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// TransactionCollection defines the interface for collections that can participate in transactions.
type TransactionCollection interface {
	Collection() *gocb.Collection
}

// TransactionAttempt defines the signature for functions that execute within a transaction.
type TransactionAttempt func(t TransactionRunner) error

// Advance creates the document at key from create, or applies update to the
// stored document and replaces it when update reports a change. Concurrent
// writers are serialized by the transaction.
func Advance[T any](ctx context.Context, t *Transactions, tc TransactionCollection, key string, create func() T, update func(doc *T) bool) error {
	_, err := t.Transaction(ctx, func(r TransactionRunner) error {
		retry := true
		for retry {
			retry = false

			res, err := r.Get(tc, key)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				_, err := r.Insert(tc, key, create())
				switch {
				case err == nil:
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					// allow retry if the document already exists
					retry = true
					continue
				default:
					return fmt.Errorf("failed to insert document %s: %w", key, err)
				}
			default:
				return fmt.Errorf("failed to get document %s: %w", key, err)
			}

			var doc T
			if err := res.Content(&doc); err != nil {
				return fmt.Errorf("failed to decode document %s: %w", key, err)
			}

			if !update(&doc) {
				return nil
			}

			if _, err := r.Replace(res, doc); err != nil {
				return fmt.Errorf("failed to replace document %s: %w", key, err)
			}
		}

		return nil
	})

	return err
}
