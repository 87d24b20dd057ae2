package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txqueue/internal/bridge"
)

func TestBindArg(t *testing.T) {
	assert.Equal(t, int64(1), bindArg(true))
	assert.Equal(t, int64(0), bindArg(false))
	assert.Equal(t, "x", bindArg("x"))
	assert.Nil(t, bindArg(nil))
}

func TestColumnValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)

	assert.Equal(t, "abc", columnValue([]byte("abc")))
	assert.Equal(t, "2024-05-01T12:30:00.000000123Z", columnValue(ts))
	assert.Equal(t, int64(7), columnValue(int64(7)))
	assert.Nil(t, columnValue(nil))
}

func TestStmtCache_EvictsOldest(t *testing.T) {
	e := NewTestEngine(t)
	e.cfg.StmtCacheSize = 4
	e.MustOpen(t, "app.db")

	h := e.open["app.db"]
	require.NotNil(t, h)
	require.Equal(t, 4, h.stmts.limit)

	for i := 0; i < 10; i++ {
		e.MustExec(t, "app.db", fmt.Sprintf("SELECT %d AS n", i))
	}
	assert.Equal(t, 4, h.stmts.len())

	// Последние выражения остаются в кэше и переиспользуются
	out := e.MustExec(t, "app.db", "SELECT 9 AS n")
	assert.Equal(t, int64(9), out[0].Result.Rows[0]["n"])
	assert.Equal(t, 4, h.stmts.len())
}

func TestStmtCache_SurvivesSchemaChange(t *testing.T) {
	ctx := context.Background()
	e := NewTestEngine(t)
	e.MustOpen(t, "app.db")

	e.MustExec(t, "app.db", "CREATE TABLE t (a INTEGER)", "INSERT INTO t VALUES (1)")
	e.MustExec(t, "app.db", "SELECT * FROM t")
	e.MustExec(t, "app.db", "ALTER TABLE t ADD COLUMN b TEXT")

	out, err := e.ExecuteBatch(ctx, "app.db", []bridge.Request{{SQL: "SELECT * FROM t"}})
	require.NoError(t, err)
	require.Equal(t, bridge.TagSuccess, out[0].Tag)
	assert.Contains(t, out[0].Result.Rows[0], "b")
}
