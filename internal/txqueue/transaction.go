package txqueue

import (
	"log/slog"

	"github.com/google/uuid"

	"txqueue/internal/bridge"
)

// TxFunc builds a transaction by calling ExecuteSQL on tx.
type TxFunc func(tx *Transaction) error

// Transaction is a sequence of statements produced by a build callback.
// Exclusive transactions are bracketed with BEGIN and COMMIT or ROLLBACK.
//
// A Transaction is owned by the loop of its Manager: call ExecuteSQL only from
// the build callback or from statement handlers.
type Transaction struct {
	id        string
	db        *Database
	build     TxFunc
	onError   func(error)
	onSuccess func()

	exclusive bool
	readOnly  bool
	finalized bool
	released  bool

	pending []*Statement
	failure *Error
	rounds  int

	logger *slog.Logger
}

func newTransaction(db *Database, build TxFunc, onError func(error), onSuccess func(), exclusive, readOnly bool) *Transaction {
	t := &Transaction{
		id:        uuid.NewString(),
		db:        db,
		build:     build,
		onError:   onError,
		onSuccess: onSuccess,
		exclusive: exclusive,
		readOnly:  readOnly,
	}
	t.logger = db.m.logger.With(slog.String("db", db.name), slog.String("tx", t.id))

	if exclusive {
		t.addStatement("BEGIN", nil, nil, func(_ *Transaction, err *Error) error {
			return &Error{
				Kind:    KindStatementFailed,
				Code:    err.Code,
				Message: "unable to begin transaction: " + err.Message,
				Err:     err,
			}
		})
	} else {
		t.addStatement("SELECT 1", nil, nil, nil)
	}
	return t
}

// ID identifies the transaction in logs.
func (t *Transaction) ID() string { return t.id }

// ReadOnly reports whether mutating statements are rejected.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// ExecuteSQL appends a statement to the next round trip.
//
// It returns ErrFinalized once the transaction has finished. In a read
// transaction a mutating statement is never queued: onError receives
// ErrReadOnly, and if it does not handle it the transaction fails and the
// failure is returned.
func (t *Transaction) ExecuteSQL(sql string, params []any, onSuccess StatementFunc, onError StatementErrorFunc) error {
	if t.finalized {
		return ErrFinalized
	}

	if t.readOnly && IsMutating(sql) {
		return t.handleStatementFailure(onError, &Error{Kind: KindReadOnly, Message: ErrReadOnly.Message})
	}

	t.addStatement(sql, params, onSuccess, onError)
	return nil
}

func (t *Transaction) addStatement(sql string, params []any, onSuccess StatementFunc, onError StatementErrorFunc) {
	t.pending = append(t.pending, newStatement(sql, params, onSuccess, onError))
}

func (t *Transaction) recordFailure(err *Error) {
	if t.failure == nil {
		t.failure = err
	}
}

// start runs the build callback and sends the first round trip.
func (t *Transaction) start() {
	t.logger.Debug("transaction started", slog.Bool("exclusive", t.exclusive), slog.Bool("read_only", t.readOnly))

	err := t.invokeBuild()
	if err == nil && t.failure != nil {
		err = t.failure
	}
	if err != nil {
		t.finalized = true
		t.pending = nil
		t.complete(err)
		return
	}

	t.run()
}

func (t *Transaction) invokeBuild() (err *Error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	if cbErr := t.build(t); cbErr != nil {
		return wrapError(KindCallback, ErrCallback.Message, cbErr)
	}
	return nil
}

// run sends every pending statement as one batch.
func (t *Transaction) run() {
	batch := t.pending
	t.pending = nil
	t.rounds++

	t.db.m.sendBatch(t.db.name, batch, func(outcomes []bridge.Outcome, err error) {
		t.demux(batch, outcomes, err)
		t.advance()
	})
}

// advance applies the loop policy after a batch has been demultiplexed.
func (t *Transaction) advance() {
	switch {
	case t.failure != nil:
		t.pending = nil
		t.abort()
	case len(t.pending) > 0:
		if t.rounds >= t.db.m.opts.MaxRounds {
			t.recordFailure(newError(KindLoopLimit, bridge.CodeUnknown,
				"%s (%d)", ErrLoopLimit.Message, t.db.m.opts.MaxRounds))
			t.pending = nil
			t.abort()
			return
		}
		t.run()
	default:
		t.finish()
	}
}

// abort ends a failed transaction, rolling it back when exclusive.
// The error callback always receives the original failure.
func (t *Transaction) abort() {
	if t.finalized {
		return
	}
	t.finalized = true

	if !t.exclusive {
		t.complete(t.failure)
		return
	}

	t.db.m.sendBatch(t.db.name, []*Statement{newStatement("ROLLBACK", nil, nil, nil)}, func(outcomes []bridge.Outcome, err error) {
		if rbErr := terminalError(outcomes, err); rbErr != nil {
			t.logger.Warn("rollback failed", slog.Any("error", rbErr), slog.Any("cause", t.failure))
		}
		t.complete(t.failure)
	})
}

// finish ends a successful transaction, committing it when exclusive.
// A failed COMMIT is reported as is; no rollback follows it.
func (t *Transaction) finish() {
	if t.finalized {
		return
	}
	t.finalized = true

	if !t.exclusive {
		t.complete(nil)
		return
	}

	t.db.m.sendBatch(t.db.name, []*Statement{newStatement("COMMIT", nil, nil, nil)}, func(outcomes []bridge.Outcome, err error) {
		if cErr := terminalError(outcomes, err); cErr != nil {
			t.complete(cErr)
			return
		}
		t.complete(nil)
	})
}

// terminalError extracts the failure of a single-statement COMMIT or ROLLBACK batch.
func terminalError(outcomes []bridge.Outcome, err error) *Error {
	if err != nil {
		return batchError(err)
	}
	if len(outcomes) == 0 {
		return newError(KindStatementFailed, bridge.CodeUnknown, missingOutcome)
	}
	if outcomes[0].Tag != bridge.TagSuccess {
		return statementError(outcomes[0].Err)
	}
	return nil
}

// complete releases the lock and delivers the single terminal notification.
func (t *Transaction) complete(err *Error) {
	if t.released {
		return
	}
	t.released = true

	m := t.db.m
	defer m.running.Done()
	m.registry.lock(t.db.name).release()

	if err != nil {
		t.logger.Debug("transaction failed", slog.Any("error", err), slog.Int("rounds", t.rounds))
		if t.onError != nil {
			m.safeCall(func() { t.onError(err) })
		}
		return
	}

	t.logger.Debug("transaction committed", slog.Int("rounds", t.rounds))
	if t.onSuccess != nil {
		m.safeCall(t.onSuccess)
	}
}

// abortQueued fails a transaction that never started.
func (t *Transaction) abortQueued(reason *Error) {
	t.finalized = true
	t.pending = nil
	if t.onError != nil {
		t.db.m.safeCall(func() { t.onError(reason) })
	}
}
