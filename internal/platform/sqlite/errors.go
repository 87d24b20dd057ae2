package sqlite

import (
	"errors"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"txqueue/internal/bridge"
	"txqueue/pkg/retry"
)

// sqliteCodes возвращает первичный и расширенный код ошибки SQLite, если он есть.
func sqliteCodes(err error) (primary, extended int, ok bool) {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return 0, 0, false
	}
	extended = se.Code()
	return extended & 0xff, extended, true
}

// webSQLCode переводит первичный код SQLite в код ошибки на проводе.
func webSQLCode(primary int) int {
	switch primary {
	case sqlite3.SQLITE_ERROR:
		return bridge.CodeSyntax
	case sqlite3.SQLITE_FULL:
		return bridge.CodeQuota
	case sqlite3.SQLITE_CONSTRAINT:
		return bridge.CodeConstraint
	default:
		return bridge.CodeUnknown
	}
}

// errorPayload строит полезную нагрузку ошибки выражения.
func errorPayload(err error) *bridge.ErrorPayload {
	var exceeded *retry.RetriesExceededError
	if errors.As(err, &exceeded) {
		err = exceeded.LastError
	}

	p := &bridge.ErrorPayload{Code: bridge.CodeUnknown, Message: err.Error()}
	if primary, extended, ok := sqliteCodes(err); ok {
		p.Code = webSQLCode(primary)
		p.SQLiteCode = primary
		p.SQLiteExtendedCode = extended
	}
	return p
}

// isBusy сообщает, что выражение можно повторить после снятия блокировки.
func isBusy(err error) bool {
	primary, _, ok := sqliteCodes(err)
	return ok && (primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED)
}
