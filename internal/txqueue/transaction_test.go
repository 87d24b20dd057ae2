package txqueue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
)

func TestTransaction_CommitWireStream(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO k VALUES (1)", "COMMIT"}, fb.sqls())
	assert.Equal(t, [][]string{{"BEGIN", "INSERT INTO k VALUES (1)"}, {"COMMIT"}}, fb.batchSQL())
}

func TestTransaction_RollbackDeliversOriginalFailure(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = constraintOn("INSERT INTO k VALUES (1)")
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatementFailed)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, bridge.CodeConstraint, qerr.Code)

	assert.Equal(t, []string{"BEGIN", "INSERT INTO k VALUES (1)", "ROLLBACK"}, fb.sqls())
}

func TestTransaction_RollbackFailureStillReportsOriginal(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = func(r bridge.Request) bridge.Outcome {
		switch r.SQL {
		case "UPDATE k SET v = 1":
			return bridge.Failure(bridge.CodeSyntax, "no such table: k")
		case "ROLLBACK":
			return bridge.Failure(bridge.CodeUnknown, "cannot rollback - no transaction is active")
		}
		return bridge.Success(nil)
	}
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("UPDATE k SET v = 1", nil, nil, nil)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table: k")
	assert.NotContains(t, err.Error(), "rollback")
}

func TestTransaction_CommitFailureIsNotRolledBack(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = func(r bridge.Request) bridge.Outcome {
		if r.SQL == "COMMIT" {
			return bridge.Failure(bridge.CodeQuota, "database or disk is full")
		}
		return bridge.Success(nil)
	}
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
	})

	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, bridge.CodeQuota, qerr.Code)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO k VALUES (1)", "COMMIT"}, fb.sqls())
}

func TestTransaction_BeginFailure(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = func(r bridge.Request) bridge.Outcome {
		if r.SQL == "BEGIN" {
			return bridge.Failure(bridge.CodeUnknown, "cannot start a transaction within a transaction")
		}
		return bridge.Success(nil)
	}
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	var insertRan bool
	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, func(*Transaction, *ResultSet) { insertRan = true }, nil)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to begin transaction")
	assert.False(t, insertRan, "handlers after a failure are skipped")
	assert.Equal(t, "ROLLBACK", fb.sqls()[len(fb.sqls())-1])
}

func TestTransaction_ResultCorrelation(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = func(r bridge.Request) bridge.Outcome {
		switch r.SQL {
		case "S1":
			return bridge.Failure(bridge.CodeSyntax, "near S1: syntax error")
		case "S2":
			return bridge.Success(&bridge.Result{Rows: []map[string]any{{"n": int64(2)}}})
		case "S3":
			return bridge.Success(&bridge.Result{Rows: []map[string]any{{"n": int64(3)}}, RowsAffected: 3})
		}
		return bridge.Success(nil)
	}
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	var (
		s1Err    *Error
		s2, s3   *ResultSet
		sequence []string
	)
	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		_ = tx.ExecuteSQL("S1", nil, nil, func(_ *Transaction, err *Error) error {
			s1Err = err
			sequence = append(sequence, "S1")
			return nil
		})
		_ = tx.ExecuteSQL("S2", nil, func(_ *Transaction, rs *ResultSet) {
			s2 = rs
			sequence = append(sequence, "S2")
		}, nil)
		_ = tx.ExecuteSQL("S3", nil, func(_ *Transaction, rs *ResultSet) {
			s3 = rs
			sequence = append(sequence, "S3")
		}, nil)
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, s1Err)
	assert.Equal(t, bridge.CodeSyntax, s1Err.Code)
	assert.Equal(t, "near S1: syntax error", s1Err.Message)
	require.NotNil(t, s2)
	require.NotNil(t, s3)
	assert.Equal(t, int64(2), s2.Item(0)["n"])
	assert.Equal(t, int64(3), s3.Item(0)["n"])
	assert.Equal(t, int64(3), s3.RowsAffected)
	assert.Equal(t, []string{"S1", "S2", "S3"}, sequence)
	assert.Equal(t, "COMMIT", fb.sqls()[len(fb.sqls())-1])
}

func TestTransaction_HandlerEscalation(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = constraintOn("INSERT INTO k VALUES (1)")
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	custom := errors.New("duplicate key")
	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, func(_ *Transaction, err *Error) error {
			return fmt.Errorf("%w: %s", custom, err.Message)
		})
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, custom)
	assert.ErrorIs(t, err, ErrStatementFailed)
	assert.Equal(t, "ROLLBACK", fb.sqls()[len(fb.sqls())-1])
}

func TestTransaction_HandlerChainsStatements(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = func(r bridge.Request) bridge.Outcome {
		if r.SQL == "INSERT INTO k VALUES (1)" {
			id := int64(1)
			return bridge.Success(&bridge.Result{RowsAffected: 1, InsertID: &id})
		}
		return bridge.Success(nil)
	}
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, func(tx *Transaction, rs *ResultSet) {
			if assert.NotNil(t, rs.InsertID) {
				_ = tx.ExecuteSQL("INSERT INTO log VALUES (?)", []any{*rs.InsertID}, nil, nil)
			}
		}, nil)
	})

	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"BEGIN", "INSERT INTO k VALUES (1)"},
		{"INSERT INTO log VALUES (?)"},
		{"COMMIT"},
	}, fb.batchSQL())
}

func TestTransaction_FailureDiscardsChainedStatements(t *testing.T) {
	fb := newFakeBridge()
	fb.respond = constraintOn("S2")
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		_ = tx.ExecuteSQL("S1", nil, func(tx *Transaction, _ *ResultSet) {
			_ = tx.ExecuteSQL("FOLLOW-UP", nil, nil, nil)
		}, nil)
		return tx.ExecuteSQL("S2", nil, nil, nil)
	})

	require.Error(t, err)
	assert.NotContains(t, fb.sqls(), "FOLLOW-UP")
	assert.Equal(t, "ROLLBACK", fb.sqls()[len(fb.sqls())-1])
}

func TestTransaction_LoopLimit(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{MaxRounds: 5})
	db := openTestDB(t, m, "t.db")

	var ping func(tx *Transaction, rs *ResultSet)
	ping = func(tx *Transaction, _ *ResultSet) {
		_ = tx.ExecuteSQL("SELECT 2", nil, ping, nil)
	}
	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("SELECT 2", nil, ping, nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopLimit)
	batches := fb.batchSQL()
	assert.Len(t, batches, 6, "five rounds plus ROLLBACK")
	assert.Equal(t, []string{"ROLLBACK"}, batches[len(batches)-1])
}

func TestTransaction_CallbackErrorSendsNothing(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	boom := errors.New("boom")
	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		_ = tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallback)
	assert.ErrorIs(t, err, boom)

	err = db.TransactionContext(testContext(t), func(*Transaction) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallback)
	assert.Contains(t, err.Error(), "kaboom")

	assert.Empty(t, fb.sqls())

	// the lock was released both times
	require.NoError(t, db.TransactionContext(testContext(t), func(*Transaction) error { return nil }))
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, fb.sqls())
}

func TestTransaction_HandlerPanicFailsTransaction(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
		return tx.ExecuteSQL("SELECT 1", nil, func(*Transaction, *ResultSet) { panic("bad row") }, nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallback)
	assert.Equal(t, "ROLLBACK", fb.sqls()[len(fb.sqls())-1])
}

func TestTransaction_FinalizedRejectsStatements(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	var captured *Transaction
	require.NoError(t, db.TransactionContext(testContext(t), func(tx *Transaction) error {
		captured = tx
		return nil
	}))

	err := captured.ExecuteSQL("INSERT INTO k VALUES (2)", nil, nil, nil)
	require.ErrorIs(t, err, ErrFinalized)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, bridge.CodeInvalidState, qerr.Code)
	assert.NotContains(t, fb.sqls(), "INSERT INTO k VALUES (2)")
}

func TestReadTransaction_RejectsMutatingStatements(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	var handled *Error
	err := db.ReadTransactionContext(testContext(t), func(tx *Transaction) error {
		_ = tx.ExecuteSQL("DROP TABLE t", nil, nil, func(_ *Transaction, err *Error) error {
			handled = err
			return nil
		})
		return tx.ExecuteSQL("SELECT * FROM t", nil, nil, nil)
	})

	require.NoError(t, err)
	require.NotNil(t, handled)
	assert.ErrorIs(t, handled, ErrReadOnly)
	assert.Equal(t, []string{"SELECT 1", "SELECT * FROM t"}, fb.sqls())

	err = db.ReadTransactionContext(testContext(t), func(tx *Transaction) error {
		_ = tx.ExecuteSQL("  ;drop table t", nil, nil, nil)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.NotContains(t, fb.sqls(), "  ;drop table t")
	assert.Len(t, fb.batchSQL(), 1, "failed read transaction sent nothing")
}

func TestReadTransaction_NoBeginOrCommit(t *testing.T) {
	fb := newFakeBridge()
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	require.NoError(t, db.ReadTransactionContext(testContext(t), func(tx *Transaction) error {
		assert.True(t, tx.ReadOnly())
		return tx.ExecuteSQL("SELECT * FROM k", nil, nil, nil)
	}))
	assert.Equal(t, []string{"SELECT 1", "SELECT * FROM k"}, fb.sqls())
}

func TestTransaction_BatchErrors(t *testing.T) {
	t.Run("not open", func(t *testing.T) {
		fb := newFakeBridge()
		fb.batchErr = func(reqs []bridge.Request) error {
			if reqs[0].SQL == "BEGIN" {
				return shared.MarkKind(errors.New("database t.db is not open"), shared.KindNotFound)
			}
			return nil
		}
		m := newTestManager(t, fb, Options{})
		db := openTestDB(t, m, "t.db")

		err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
			return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDatabaseNotOpen)
		assert.Equal(t, "ROLLBACK", fb.sqls()[len(fb.sqls())-1])
	})

	t.Run("transport", func(t *testing.T) {
		fb := newFakeBridge()
		fb.batchErr = func([]bridge.Request) error { return errors.New("connection reset") }
		m := newTestManager(t, fb, Options{})
		db := openTestDB(t, m, "t.db")

		_, err := db.ExecuteSQLContext(testContext(t), "SELECT 2")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStatementFailed)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("missing outcomes", func(t *testing.T) {
		fb := newFakeBridge()
		fb.truncate = 1
		m := newTestManager(t, fb, Options{})
		db := openTestDB(t, m, "t.db")

		err := db.TransactionContext(testContext(t), func(tx *Transaction) error {
			return tx.ExecuteSQL("INSERT INTO k VALUES (1)", nil, nil, nil)
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), missingOutcome)
	})
}

func TestLock_MutualExclusionAndFIFO(t *testing.T) {
	fb := newFakeBridge()
	fb.jitter = 2 * time.Millisecond
	m := newTestManager(t, fb, Options{})
	db := openTestDB(t, m, "t.db")

	const n = 20
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		db.Transaction(func(tx *Transaction) error {
			return tx.ExecuteSQL("INSERT INTO k VALUES (?)", []any{i}, nil, nil)
		}, func(err error) {
			t.Errorf("transaction %d failed: %v", i, err)
			wg.Done()
		}, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Zero(t, fb.overlaps)
}

func TestLock_DatabasesRunIndependently(t *testing.T) {
	fb := newFakeBridge()
	release := make(chan struct{})
	fb.gate = func(reqs []bridge.Request) <-chan struct{} {
		for _, r := range reqs {
			if r.SQL == "SLOW" {
				return release
			}
		}
		return nil
	}
	m := newTestManager(t, fb, Options{})
	slow := openTestDB(t, m, "a.db")
	fast := openTestDB(t, m, "b.db")

	slowDone := make(chan error, 1)
	slow.Transaction(func(tx *Transaction) error {
		return tx.ExecuteSQL("SLOW", nil, nil, nil)
	}, func(err error) { slowDone <- err }, func() { slowDone <- nil })

	_, err := fast.ExecuteSQLContext(testContext(t), "SELECT 2")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-slowDone)
}
