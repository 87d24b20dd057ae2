package txqueue

import (
	"errors"
	"fmt"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
)

// Kind classifies the failures produced by the queue.
type Kind int

const (
	KindUnknown Kind = iota
	KindOpenFailed
	KindTransactionInProgress
	KindDatabaseNotOpen
	KindStatementFailed
	KindReadOnly
	KindCallback
	KindFinalized
	KindInvalidHandle
	KindLoopLimit
	KindClosed
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindOpenFailed:            "OpenFailed",
	KindTransactionInProgress: "TransactionInProgress",
	KindDatabaseNotOpen:       "DatabaseNotOpen",
	KindStatementFailed:       "StatementFailed",
	KindReadOnly:              "ReadOnlyViolation",
	KindCallback:              "TransactionCallbackFailed",
	KindFinalized:             "AlreadyFinalized",
	KindInvalidHandle:         "InvalidDatabaseHandle",
	KindLoopLimit:             "LoopLimit",
	KindClosed:                "Closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type delivered to every callback of the queue.
// Code follows the wire codes of package bridge.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrReadOnly) works
// for every produced error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrOpenFailed            = &Error{Kind: KindOpenFailed, Message: "open failed"}
	ErrTransactionInProgress = &Error{Kind: KindTransactionInProgress, Message: "database cannot be closed while a transaction is in progress"}
	ErrDatabaseNotOpen       = &Error{Kind: KindDatabaseNotOpen, Message: "database is not open"}
	ErrStatementFailed       = &Error{Kind: KindStatementFailed, Message: "statement failed"}
	ErrReadOnly              = &Error{Kind: KindReadOnly, Message: "invalid sql for a read-only transaction"}
	ErrCallback              = &Error{Kind: KindCallback, Message: "transaction callback failed"}
	ErrFinalized             = &Error{Kind: KindFinalized, Code: bridge.CodeInvalidState, Message: "InvalidStateError: this transaction is already finalized"}
	ErrInvalidHandle         = &Error{Kind: KindInvalidHandle, Message: "could not open database"}
	ErrLoopLimit             = &Error{Kind: KindLoopLimit, Message: "transaction exceeded the statement round limit"}
	ErrClosed                = &Error{Kind: KindClosed, Message: "transaction queue is closed"}
)

func newError(kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds an *Error of the given kind whose message carries the cause.
func wrapError(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, Message: msg}
	}
	return &Error{Kind: kind, Code: codeOf(cause), Message: msg + ": " + cause.Error(), Err: cause}
}

// statementError converts a wire error payload.
func statementError(p *bridge.ErrorPayload) *Error {
	if p == nil {
		return &Error{Kind: KindStatementFailed, Message: "a statement failed without an error payload"}
	}
	return &Error{Kind: KindStatementFailed, Code: p.Code, Message: p.Message, Err: p}
}

// batchError classifies a failure of a whole round trip.
func batchError(err error) *Error {
	if shared.IsNotFound(err) {
		return wrapError(KindDatabaseNotOpen, "database is not open", err)
	}
	return wrapError(KindStatementFailed, "batch execution failed", err)
}

// asError adopts err when it already is an *Error and wraps it otherwise.
func asError(err error, kind Kind, code int) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

func codeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var p *bridge.ErrorPayload
	if errors.As(err, &p) {
		return p.Code
	}
	return bridge.CodeUnknown
}

func panicError(r any) *Error {
	if err, ok := r.(error); ok {
		return wrapError(KindCallback, "callback panicked", err)
	}
	return newError(KindCallback, bridge.CodeUnknown, "callback panicked: %v", r)
}
