package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"txqueue/internal/txqueue"
)

type shellDB interface {
	ExecuteSQLContext(ctx context.Context, sql string, params ...any) (*txqueue.ResultSet, error)
	SQLBatchContext(ctx context.Context, queries []txqueue.Query) error
}

// lineShell runs one statement per line. Lines between BEGIN; and COMMIT; are
// collected and sent as a single batch transaction; ROLLBACK; drops them.
type lineShell struct {
	db     shellDB
	out    io.Writer
	prompt string

	pending []txqueue.Query
	inBatch bool
}

func newShell(db shellDB, out io.Writer) *lineShell {
	return &lineShell{db: db, out: out}
}

func (s *lineShell) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	s.showPrompt()
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.line(ctx, sc.Text())
		s.showPrompt()
	}
	if s.inBatch {
		fmt.Fprintf(s.out, "discarded %d statements without COMMIT\n", len(s.pending))
	}
	return sc.Err()
}

func (s *lineShell) showPrompt() {
	if s.prompt == "" {
		return
	}
	p := s.prompt
	if s.inBatch {
		p = strings.TrimSuffix(p, "> ") + "*> "
	}
	fmt.Fprint(s.out, p)
}

func keyword(line string) string {
	return strings.ToUpper(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line), ";")))
}

func (s *lineShell) line(ctx context.Context, raw string) {
	sql := strings.TrimSpace(raw)
	if sql == "" || strings.HasPrefix(sql, "--") {
		return
	}

	switch keyword(sql) {
	case "BEGIN", "BEGIN TRANSACTION":
		if s.inBatch {
			fmt.Fprintln(s.out, "error: batch already started")
			return
		}
		s.inBatch = true
		s.pending = nil
		return
	case "COMMIT", "END":
		if !s.inBatch {
			fmt.Fprintln(s.out, "error: no batch to commit")
			return
		}
		queries := s.pending
		s.inBatch = false
		s.pending = nil
		if err := s.db.SQLBatchContext(ctx, queries); err != nil {
			fmt.Fprintln(s.out, "error:", err)
			return
		}
		fmt.Fprintf(s.out, "committed %d statements\n", len(queries))
		return
	case "ROLLBACK":
		if !s.inBatch {
			fmt.Fprintln(s.out, "error: no batch to roll back")
			return
		}
		fmt.Fprintf(s.out, "discarded %d statements\n", len(s.pending))
		s.inBatch = false
		s.pending = nil
		return
	}

	if s.inBatch {
		s.pending = append(s.pending, txqueue.Query{SQL: sql})
		return
	}

	rs, err := s.db.ExecuteSQLContext(ctx, sql)
	if err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	s.print(rs)
}

func (s *lineShell) print(rs *txqueue.ResultSet) {
	enc := json.NewEncoder(s.out)
	for _, row := range rs.Rows {
		_ = enc.Encode(row)
	}
	summary := fmt.Sprintf("(%d rows, %d affected", rs.Len(), rs.RowsAffected)
	if rs.InsertID != nil {
		summary += fmt.Sprintf(", insert id %d", *rs.InsertID)
	}
	fmt.Fprintln(s.out, summary+")")
}
