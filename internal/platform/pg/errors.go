package pg

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
	"txqueue/pkg/retry"
)

// SQLSTATE, которые движок проверяет явно
const (
	codeInvalidCatalogName = "3D000"
	codeDiskFull           = "53100"
	codeOutOfMemory        = "53200"
	codeDuplicateDatabase  = "42P04"
)

// webSQLCode переводит SQLSTATE в код ошибки на проводе.
func webSQLCode(sqlState string) int {
	switch {
	case sqlState == codeDiskFull || sqlState == codeOutOfMemory:
		return bridge.CodeQuota
	case strings.HasPrefix(sqlState, "23"):
		return bridge.CodeConstraint
	case strings.HasPrefix(sqlState, "42"):
		return bridge.CodeSyntax
	case strings.HasPrefix(sqlState, "25"):
		return bridge.CodeInvalidState
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
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		p.Code = webSQLCode(pgErr.Code)
	case shared.IsConflict(err):
		p.Code = bridge.CodeInvalidState
	}
	return p
}

// hasSQLState сообщает, что err - ошибка сервера с кодом code.
func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// isSerialization сообщает, что выражение можно повторить: 40001 и 40P01.
func isSerialization(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}
