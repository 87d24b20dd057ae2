package txqueue

import (
	"context"

	"txqueue/internal/bridge"
)

// The helpers below block the calling goroutine until the queued work completes.
// They must not be called from callbacks, which run on the Manager loop.
// Canceling ctx stops the wait only; queued work still runs.

// OpenContext opens the database and waits for the outcome.
func (d *Database) OpenContext(ctx context.Context) error {
	done := make(chan error, 1)
	d.Open(func() { done <- nil }, func(err error) { done <- err })
	return wait(ctx, done)
}

// CloseContext closes the database and waits for the outcome.
func (d *Database) CloseContext(ctx context.Context) error {
	done := make(chan error, 1)
	d.Close(func() { done <- nil }, func(err error) { done <- err })
	return wait(ctx, done)
}

// TransactionContext runs fn as an exclusive transaction and waits for COMMIT or ROLLBACK.
func (d *Database) TransactionContext(ctx context.Context, fn TxFunc) error {
	done := make(chan error, 1)
	d.Transaction(fn, func(err error) { done <- err }, func() { done <- nil })
	return wait(ctx, done)
}

// ReadTransactionContext runs fn as a read transaction and waits for it.
func (d *Database) ReadTransactionContext(ctx context.Context, fn TxFunc) error {
	done := make(chan error, 1)
	d.ReadTransaction(fn, func(err error) { done <- err }, func() { done <- nil })
	return wait(ctx, done)
}

// ExecuteSQLContext runs one statement and returns its rows.
func (d *Database) ExecuteSQLContext(ctx context.Context, sql string, params ...any) (*ResultSet, error) {
	type reply struct {
		rs  *ResultSet
		err error
	}
	done := make(chan reply, 1)
	d.ExecuteSQL(sql, params,
		func(rs *ResultSet) { done <- reply{rs: rs} },
		func(err error) { done <- reply{err: err} })

	select {
	case r := <-done:
		return r.rs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SQLBatchContext runs queries in one exclusive transaction and waits for it.
func (d *Database) SQLBatchContext(ctx context.Context, queries []Query) error {
	done := make(chan error, 1)
	d.SQLBatch(queries, func() { done <- nil }, func(err error) { done <- err })
	return wait(ctx, done)
}

// DeleteDatabaseContext deletes name and waits for the outcome.
func (m *Manager) DeleteDatabaseContext(ctx context.Context, name string, loc bridge.Location) error {
	done := make(chan error, 1)
	m.DeleteDatabase(name, loc, func() { done <- nil }, func(err error) { done <- err })
	return wait(ctx, done)
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
