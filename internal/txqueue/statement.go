package txqueue

import (
	"fmt"
	"reflect"
	"regexp"

	"txqueue/internal/bridge"
)

// readOnlyPattern matches statements a read transaction must never send.
var readOnlyPattern = regexp.MustCompile(`(?i)^(\s|;)*(?:alter|create|delete|drop|insert|reindex|replace|update)`)

// IsMutating reports whether sql starts with a keyword rejected by read transactions.
func IsMutating(sql string) bool {
	return readOnlyPattern.MatchString(sql)
}

// StatementFunc receives the rows of a successful statement.
type StatementFunc func(tx *Transaction, rs *ResultSet)

// StatementErrorFunc receives a failed statement. Returning nil marks the error
// as handled; any other return value fails the transaction with it.
type StatementErrorFunc func(tx *Transaction, err *Error) error

// Statement is one SQL text with its bound values and handlers.
type Statement struct {
	SQL       string
	Params    []any
	onSuccess StatementFunc
	onError   StatementErrorFunc
}

func newStatement(sql string, params []any, onSuccess StatementFunc, onError StatementErrorFunc) *Statement {
	normalized := make([]any, len(params))
	for i, p := range params {
		normalized[i] = normalizeParam(p)
	}
	return &Statement{SQL: sql, Params: normalized, onSuccess: onSuccess, onError: onError}
}

func (s *Statement) request() bridge.Request {
	return bridge.Request{SQL: s.SQL, Params: s.Params}
}

// normalizeParam keeps null, numbers and text and turns everything else into text.
// Booleans become 0/1 the way SQLite stores them. Numeric kinds win over String
// methods, so a time.Duration is sent as its count of nanoseconds.
func normalizeParam(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case int64:
		return x
	case float64:
		return x
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case []byte:
		return string(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > 1<<63-1 {
			return fmt.Sprint(u)
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return normalizeParam(rv.Bool())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
	}

	switch x := v.(type) {
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return normalizeParam(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	default:
		return fmt.Sprint(v)
	}
}

// ResultSet is the row-set view handed to statement success handlers.
type ResultSet struct {
	Rows         []map[string]any
	RowsAffected int64
	InsertID     *int64
}

func newResultSet(r *bridge.Result) *ResultSet {
	if r == nil {
		return &ResultSet{}
	}
	return &ResultSet{Rows: r.Rows, RowsAffected: r.RowsAffected, InsertID: r.InsertID}
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int { return len(rs.Rows) }

// Item returns row i, or nil when i is out of range.
func (rs *ResultSet) Item(i int) map[string]any {
	if i < 0 || i >= len(rs.Rows) {
		return nil
	}
	return rs.Rows[i]
}
