package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash"
	"github.com/jmoiron/sqlx"

	"txqueue/internal/bridge"
	"txqueue/pkg/retry"
)

// changesQuery читает счётчики соединения до и после выражения
const changesQuery = "SELECT total_changes(), last_insert_rowid()"

// execute исполняет одно выражение. Вызывается под h.mu.
func (h *handle) execute(ctx context.Context, req bridge.Request, policy retry.Config) bridge.Outcome {
	args := make([]any, len(req.Params))
	for i, p := range req.Params {
		args[i] = bindArg(p)
	}

	var result *bridge.Result
	err := retry.DoWithRetryable(ctx, policy, func(ctx context.Context) error {
		r, err := h.run(ctx, req.SQL, args)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, isBusy)
	if err != nil {
		p := errorPayload(err)
		return bridge.Outcome{Tag: bridge.TagError, Err: p}
	}
	return bridge.Success(result)
}

func (h *handle) run(ctx context.Context, query string, args []any) (*bridge.Result, error) {
	before, _, err := h.counters(ctx)
	if err != nil {
		return nil, err
	}

	stmt, err := h.prepare(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryxContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			row[k] = columnValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	after, rowid, err := h.counters(ctx)
	if err != nil {
		return nil, err
	}

	res := &bridge.Result{Rows: out, RowsAffected: after - before}
	if res.RowsAffected > 0 && rowid != 0 {
		id := rowid
		res.InsertID = &id
	}
	return res, nil
}

func (h *handle) counters(ctx context.Context) (changes, rowid int64, err error) {
	if err := h.conn.QueryRowxContext(ctx, changesQuery).Scan(&changes, &rowid); err != nil {
		return 0, 0, fmt.Errorf("read change counters: %w", err)
	}
	return changes, rowid, nil
}

// prepare возвращает подготовленное выражение из кэша или готовит новое.
func (h *handle) prepare(ctx context.Context, query string) (*sqlx.Stmt, error) {
	key := xxhash.Sum64([]byte(query))
	if stmt, ok := h.stmts.get(key, query); ok {
		return stmt, nil
	}

	stmt, err := h.conn.PreparexContext(ctx, query)
	if err != nil {
		return nil, err
	}
	h.stmts.put(key, query, stmt)
	return stmt, nil
}

// bindArg приводит значение к типу, который драйвер хранит без потерь.
func bindArg(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// columnValue приводит значение колонки к виду, пригодному для JSON.
func columnValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// stmtCache - кэш подготовленных выражений соединения.
// Ключ - xxhash текста; текст хранится рядом, чтобы исключить коллизии.
type stmtCache struct {
	limit int
	items map[uint64]cachedStmt
	order []uint64
}

type cachedStmt struct {
	query string
	stmt  *sqlx.Stmt
}

func newStmtCache(limit int) *stmtCache {
	return &stmtCache{limit: limit, items: make(map[uint64]cachedStmt, limit)}
}

func (c *stmtCache) get(key uint64, query string) (*sqlx.Stmt, bool) {
	item, ok := c.items[key]
	if !ok || item.query != query {
		return nil, false
	}
	return item.stmt, true
}

func (c *stmtCache) put(key uint64, query string, stmt *sqlx.Stmt) {
	if old, ok := c.items[key]; ok {
		_ = old.stmt.Close()
	} else {
		c.order = append(c.order, key)
	}
	c.items[key] = cachedStmt{query: query, stmt: stmt}

	// Вытесняем самое старое выражение
	for len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		if item, ok := c.items[oldest]; ok {
			_ = item.stmt.Close()
			delete(c.items, oldest)
		}
	}
}

func (c *stmtCache) len() int { return len(c.items) }

func (c *stmtCache) clear() {
	for _, item := range c.items {
		_ = item.stmt.Close()
	}
	c.items = make(map[uint64]cachedStmt)
	c.order = nil
}
