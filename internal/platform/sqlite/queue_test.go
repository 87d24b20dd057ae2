package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txqueue/internal/bridge"
	"txqueue/internal/platform/sqlite"
	"txqueue/internal/txqueue"
)

func newQueue(t *testing.T) (*txqueue.Manager, *sqlite.Engine) {
	t.Helper()

	engine := sqlite.NewTestEngine(t)
	m := txqueue.NewManager(engine, txqueue.Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BatchTimeout: 10 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, engine
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func count(t *testing.T, db *txqueue.Database, table string) int64 {
	t.Helper()
	rs, err := db.ExecuteSQLContext(ctxT(t), "SELECT count(*) AS n FROM "+table)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	return rs.Item(0)["n"].(int64)
}

func TestQueue_CommitAndRollback(t *testing.T) {
	ctx := ctxT(t)
	m, _ := newQueue(t)
	db := m.Database("app.db", bridge.LocationDocs)
	require.NoError(t, db.OpenContext(ctx))

	err := db.TransactionContext(ctx, func(tx *txqueue.Transaction) error {
		if err := tx.ExecuteSQL("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT UNIQUE)", nil, nil, nil); err != nil {
			return err
		}
		return tx.ExecuteSQL("INSERT INTO t (name) VALUES (?)", []any{"a"}, nil, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, db, "t"))

	// Нарушение ограничения без обработчика откатывает всю транзакцию
	err = db.TransactionContext(ctx, func(tx *txqueue.Transaction) error {
		if err := tx.ExecuteSQL("INSERT INTO t (name) VALUES (?)", []any{"b"}, nil, nil); err != nil {
			return err
		}
		return tx.ExecuteSQL("INSERT INTO t (name) VALUES (?)", []any{"a"}, nil, nil)
	})
	require.Error(t, err)

	var qerr *txqueue.Error
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, txqueue.KindStatementFailed, qerr.Kind)
	assert.Equal(t, bridge.CodeConstraint, qerr.Code)
	assert.Equal(t, int64(1), count(t, db, "t"), "вставка b должна быть откачена")
}

func TestQueue_HandledErrorCommits(t *testing.T) {
	ctx := ctxT(t)
	m, _ := newQueue(t)
	db := m.Database("app.db", bridge.LocationDocs)
	require.NoError(t, db.OpenContext(ctx))
	require.NoError(t, db.SQLBatchContext(ctx, []txqueue.Query{
		{SQL: "CREATE TABLE t (v INTEGER UNIQUE)"},
		{SQL: "INSERT INTO t (v) VALUES (?)", Params: []any{1}},
	}))

	var handled *txqueue.Error
	err := db.TransactionContext(ctx, func(tx *txqueue.Transaction) error {
		if err := tx.ExecuteSQL("INSERT INTO t (v) VALUES (1)", nil, nil,
			func(_ *txqueue.Transaction, err *txqueue.Error) error {
				handled = err
				return nil
			}); err != nil {
			return err
		}
		return tx.ExecuteSQL("INSERT INTO t (v) VALUES (2)", nil, nil, nil)
	})
	require.NoError(t, err)
	require.NotNil(t, handled)
	assert.Equal(t, bridge.CodeConstraint, handled.Code)
	assert.Equal(t, int64(2), count(t, db, "t"))
}

func TestQueue_ChainedStatements(t *testing.T) {
	ctx := ctxT(t)
	m, _ := newQueue(t)
	db := m.Database("app.db", bridge.LocationDocs)
	require.NoError(t, db.OpenContext(ctx))

	var insertID *int64
	var names []string
	err := db.TransactionContext(ctx, func(tx *txqueue.Transaction) error {
		return tx.ExecuteSQL("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, flag INTEGER)", nil,
			func(tx *txqueue.Transaction, _ *txqueue.ResultSet) {
				_ = tx.ExecuteSQL("INSERT INTO t (name, flag) VALUES (?, ?)", []any{"x", true},
					func(tx *txqueue.Transaction, rs *txqueue.ResultSet) {
						insertID = rs.InsertID
						_ = tx.ExecuteSQL("SELECT name FROM t WHERE flag = ?", []any{1},
							func(_ *txqueue.Transaction, rs *txqueue.ResultSet) {
								for _, row := range rs.Rows {
									names = append(names, row["name"].(string))
								}
							}, nil)
					}, nil)
			}, nil)
	})
	require.NoError(t, err)
	require.NotNil(t, insertID)
	assert.Equal(t, int64(1), *insertID)
	assert.Equal(t, []string{"x"}, names)
}

func TestQueue_ReadTransactionRejectsWrites(t *testing.T) {
	ctx := ctxT(t)
	m, _ := newQueue(t)
	db := m.Database("app.db", bridge.LocationDocs)
	require.NoError(t, db.OpenContext(ctx))

	err := db.ReadTransactionContext(ctx, func(tx *txqueue.Transaction) error {
		return tx.ExecuteSQL("  CREATE TABLE t (v INTEGER)", nil, nil, nil)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, txqueue.ErrReadOnly)

	rs, err := db.ExecuteSQLContext(ctx, "SELECT count(*) AS n FROM sqlite_master WHERE name = 't'")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.Item(0)["n"])
}

func TestQueue_ConcurrentTransactionsSerialize(t *testing.T) {
	ctx := ctxT(t)
	m, _ := newQueue(t)
	db := m.Database("app.db", bridge.LocationDocs)
	require.NoError(t, db.OpenContext(ctx))
	require.NoError(t, db.SQLBatchContext(ctx, []txqueue.Query{{SQL: "CREATE TABLE counter (n INTEGER)"}, {SQL: "INSERT INTO counter VALUES (0)"}}))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		// Чтение и запись в разных раундах: без взаимного исключения обновления потерялись бы
		db.Transaction(func(tx *txqueue.Transaction) error {
			return tx.ExecuteSQL("SELECT n FROM counter", nil,
				func(tx *txqueue.Transaction, rs *txqueue.ResultSet) {
					next := rs.Item(0)["n"].(int64) + 1
					_ = tx.ExecuteSQL("UPDATE counter SET n = ?", []any{next}, nil, nil)
				}, nil)
		}, func(err error) { errs <- err }, func() { errs <- nil })
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("timeout waiting for transactions")
		}
	}

	rs, err := db.ExecuteSQLContext(ctx, "SELECT n FROM counter")
	require.NoError(t, err)
	assert.Equal(t, int64(n), rs.Item(0)["n"])
}

func TestQueue_CloseReopenDelete(t *testing.T) {
	ctx := ctxT(t)
	m, engine := newQueue(t)
	db := m.Database("app.db", bridge.LocationNoSync)
	require.NoError(t, db.OpenContext(ctx))
	require.NoError(t, db.SQLBatchContext(ctx, []txqueue.Query{
		{SQL: "CREATE TABLE t (v TEXT)"},
		{SQL: "INSERT INTO t VALUES (?)", Params: []any{"kept"}},
	}))
	require.NoError(t, db.CloseContext(ctx))

	open, err := engine.IsOpen(ctx, "app.db")
	require.NoError(t, err)
	assert.False(t, open)

	assert.ErrorIs(t, db.CloseContext(ctx), txqueue.ErrDatabaseNotOpen)

	// Работа, поставленная в очередь закрытой базы, ждёт повторного открытия
	queued := make(chan *txqueue.ResultSet, 1)
	db.ExecuteSQL("SELECT v FROM t", nil, func(rs *txqueue.ResultSet) { queued <- rs }, func(err error) {
		t.Errorf("queued statement failed: %v", err)
	})
	require.NoError(t, db.OpenContext(ctx))
	select {
	case rs := <-queued:
		require.Equal(t, 1, rs.Len())
		assert.Equal(t, "kept", rs.Item(0)["v"])
	case <-ctx.Done():
		t.Fatal("queued statement did not run after reopen")
	}

	require.NoError(t, m.DeleteDatabaseContext(ctx, "app.db", bridge.LocationNoSync))
	require.NoError(t, db.OpenContext(ctx))
	rs, err := db.ExecuteSQLContext(ctx, "SELECT count(*) AS n FROM sqlite_master")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.Item(0)["n"], "после удаления база создаётся заново")
}
