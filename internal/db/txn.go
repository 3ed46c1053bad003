package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// ErrTxnRetriesExhausted is returned when a transaction keeps aborting on
// write conflicts past its retry budget. Callers may retry the whole logical
// operation; every engine operation is written to no-op when the document has
// already moved on.
var ErrTxnRetriesExhausted = errors.New("transaction retry budget exhausted")

// TxnFunc is the body of a unit of work. All reads must happen before any
// write inside the callback; MongoDB aborts the transaction if a document
// read under the snapshot was committed to by someone else first.
type TxnFunc func(sc mongo.SessionContext) (interface{}, error)

// Txn runs multi-document units of work against the store.
type Txn struct {
	client     *mongo.Client
	maxRetries int

	// Standalone mongod cannot host transactions. Detected once, then all
	// units of work run the callback directly.
	standaloneOnce sync.Once
	standalone     bool
}

// NewTxn creates a transaction runner with the given retry budget.
func NewTxn(client *mongo.Client, maxRetries int) *Txn {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Txn{client: client, maxRetries: maxRetries}
}

// Run executes fn inside a snapshot-isolated transaction, retrying transient
// aborts (write conflicts) up to the budget. The mongo driver already retries
// internally within a 120s window; the explicit loop here bounds that to a
// predictable number of attempts and maps exhaustion to ErrTxnRetriesExhausted.
func (t *Txn) Run(ctx context.Context, fn TxnFunc) (interface{}, error) {
	if t.isStandalone(ctx) {
		// No session, no atomicity. Acceptable only for single-node test
		// environments; production runs against a replica set.
		return fn(newNopSessionContext(ctx))
	}

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	var result interface{}
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		session, err := t.client.StartSession()
		if err != nil {
			return nil, fmt.Errorf("failed to start session: %w", err)
		}

		result, lastErr = session.WithTransaction(ctx, fn, opts)
		session.EndSession(ctx)

		if lastErr == nil {
			return result, nil
		}
		if !isTransientTxnError(lastErr) {
			return nil, lastErr
		}
		if attempt < t.maxRetries {
			log.Printf("Transient transaction error (attempt %d/%d), retrying: %v", attempt+1, t.maxRetries, lastErr)
			time.Sleep(time.Duration(25*(attempt+1)) * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrTxnRetriesExhausted, lastErr)
}

// SupportsTransactions reports whether the connected topology can host
// multi-document transactions.
func (t *Txn) SupportsTransactions(ctx context.Context) bool {
	return !t.isStandalone(ctx)
}

// isStandalone probes the topology once by attempting to start a transaction.
func (t *Txn) isStandalone(ctx context.Context) bool {
	t.standaloneOnce.Do(func() {
		session, err := t.client.StartSession()
		if err != nil {
			return
		}
		defer session.EndSession(ctx)
		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, nil
		})
		if err != nil && isNoTransactionSupport(err) {
			log.Println("Warning: MongoDB topology does not support transactions; units of work will run unisolated.")
			t.standalone = true
		}
	})
	return t.standalone
}

func isNoTransactionSupport(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction numbers are only allowed") ||
		strings.Contains(msg, "IllegalOperation")
}

// isTransientTxnError reports whether the driver labelled the failure as a
// retryable transaction abort (typically a write conflict with a concurrent
// committer).
func isTransientTxnError(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}

// nopSessionContext satisfies mongo.SessionContext for the standalone path,
// where operations run against the bare context with no session semantics.
type nopSessionContext struct {
	context.Context
	mongo.Session
}

func newNopSessionContext(ctx context.Context) mongo.SessionContext {
	return nopSessionContext{Context: ctx}
}
