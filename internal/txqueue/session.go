package txqueue

import (
	"context"
	"log/slog"

	"txqueue/internal/bridge"
)

// Database is a handle on one named database of a Manager.
// Every completion is delivered asynchronously on the Manager loop.
type Database struct {
	m        *Manager
	name     string
	location bridge.Location
}

// Query is one statement of SQLBatch.
type Query struct {
	SQL    string
	Params []any
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Location returns the storage location tag.
func (d *Database) Location() bridge.Location { return d.location }

// Open opens the database. Opening an open database succeeds without a bridge
// call; a second Open while the first is in flight shares its outcome.
func (d *Database) Open(onSuccess func(), onError func(error)) {
	d.m.submit(func() { d.m.open(d, onSuccess, onError) }, onError)
}

// Close closes the database. It fails with ErrTransactionInProgress while a
// transaction runs and with ErrDatabaseNotOpen unless the database is open.
func (d *Database) Close(onSuccess func(), onError func(error)) {
	d.m.submit(func() { d.m.close(d, onSuccess, onError) }, onError)
}

// Transaction queues an exclusive transaction.
func (d *Database) Transaction(fn TxFunc, onError func(error), onSuccess func()) {
	d.enqueue(fn, onError, onSuccess, true, false)
}

// ReadTransaction queues a non-exclusive transaction that rejects mutating statements.
func (d *Database) ReadTransaction(fn TxFunc, onError func(error), onSuccess func()) {
	d.enqueue(fn, onError, onSuccess, false, true)
}

// ExecuteSQL runs a single statement outside of BEGIN/COMMIT.
// Exactly one of onSuccess and onError is called.
func (d *Database) ExecuteSQL(sql string, params []any, onSuccess func(*ResultSet), onError func(error)) {
	build := func(tx *Transaction) error {
		tx.addStatement(sql, params,
			func(_ *Transaction, rs *ResultSet) {
				if onSuccess != nil {
					onSuccess(rs)
				}
			},
			func(_ *Transaction, err *Error) error {
				if onError != nil {
					onError(err)
				}
				return nil
			})
		return nil
	}
	d.enqueue(build, onError, nil, false, false)
}

// SQLBatch runs queries in one exclusive transaction. Any failing query rolls it back.
func (d *Database) SQLBatch(queries []Query, onSuccess func(), onError func(error)) {
	build := func(tx *Transaction) error {
		for _, q := range queries {
			if err := tx.ExecuteSQL(q.SQL, q.Params, nil, nil); err != nil {
				return err
			}
		}
		return nil
	}
	d.enqueue(build, onError, onSuccess, true, false)
}

func (d *Database) enqueue(fn TxFunc, onError func(error), onSuccess func(), exclusive, readOnly bool) {
	if fn == nil {
		d.m.submit(func() {
			d.m.fail(onError, newError(KindCallback, bridge.CodeUnknown, "transaction expected a function"))
		}, onError)
		return
	}

	d.m.submit(func() {
		tx := newTransaction(d, fn, onError, onSuccess, exclusive, readOnly)
		d.m.registry.lock(d.name).enqueue(tx)
	}, onError)
}

func (m *Manager) open(d *Database, onSuccess func(), onError func(error)) {
	if d.name == "" {
		m.fail(onError, newError(KindOpenFailed, bridge.CodeUnknown, "database name value is missing"))
		return
	}
	if _, err := bridge.ParseLocation(string(d.location)); err != nil {
		m.fail(onError, wrapError(KindOpenFailed, ErrOpenFailed.Message, err))
		return
	}

	e := m.registry.entry(d.name)
	switch {
	case e != nil && e.state == stateOpen:
		m.succeed(onSuccess)
		return
	case e != nil && e.state == stateInitializing:
		e.waiters = append(e.waiters, openWaiter{onSuccess: onSuccess, onError: onError})
		return
	}

	e = m.registry.initialize(d.name, d.location)
	e.waiters = append(e.waiters, openWaiter{onSuccess: onSuccess, onError: onError})

	name, loc := d.name, d.location
	m.callBridge(name, func(ctx context.Context) error {
		// the bridge may still hold a handle from an earlier process state
		_ = m.bridge.Close(ctx, name)
		return m.bridge.Open(ctx, name, loc)
	}, func(err error) {
		m.opened(name, e, err)
	})
}

// opened applies the outcome of an open attempt.
func (m *Manager) opened(name string, e *entry, err error) {
	waiters := e.waiters
	e.waiters = nil
	lock := m.registry.lock(name)

	if err != nil {
		if m.registry.entry(name) == e {
			m.registry.remove(name)
		}
		m.logger.Warn("open failed", slog.String("db", name), slog.Any("error", err))
		lock.abortAll(ErrInvalidHandle)

		openErr := wrapError(KindOpenFailed, ErrOpenFailed.Message, err)
		for _, w := range waiters {
			if w.onError != nil {
				m.safeCall(func() { w.onError(openErr) })
			}
		}
		return
	}

	e.state = stateOpen
	m.logger.Info("database opened", slog.String("db", name), slog.String("location", string(e.location)))
	for _, w := range waiters {
		if w.onSuccess != nil {
			m.safeCall(w.onSuccess)
		}
	}
	m.loop.post(lock.admitNext)
}

func (m *Manager) close(d *Database, onSuccess func(), onError func(error)) {
	if m.registry.lock(d.name).inProgress {
		m.fail(onError, ErrTransactionInProgress)
		return
	}
	if m.registry.state(d.name) != stateOpen {
		m.fail(onError, newError(KindDatabaseNotOpen, bridge.CodeUnknown, "database %s is not open", d.name))
		return
	}

	m.registry.remove(d.name)
	name := d.name
	m.callBridge(name, func(ctx context.Context) error {
		return m.bridge.Close(ctx, name)
	}, func(err error) {
		if err != nil {
			m.logger.Warn("close failed", slog.String("db", name), slog.Any("error", err))
			m.safeCall(func() {
				if onError != nil {
					onError(err)
				}
			})
			return
		}
		m.logger.Info("database closed", slog.String("db", name))
		if onSuccess != nil {
			m.safeCall(onSuccess)
		}
	})
}
