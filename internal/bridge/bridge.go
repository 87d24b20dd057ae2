// Package bridge defines the contract of the execution bridge: the
// asynchronous primitive that opens databases and runs ordered batches of SQL
// statements against them. Engines in internal/platform implement it, the
// httpbridge adapter carries it over the network, and internal/txqueue
// schedules work on top of it.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"txqueue/internal/shared"
)

// Location is a storage location tag. The mapping to directories belongs to the engine.
type Location string

const (
	// LocationDocs is the default documents directory.
	LocationDocs Location = "docs"
	// LocationLibs is the library directory.
	LocationLibs Location = "libs"
	// LocationNoSync is a directory excluded from backup.
	LocationNoSync Location = "nosync"
)

// Locations lists every recognized tag.
var Locations = []Location{LocationDocs, LocationLibs, LocationNoSync}

// ParseLocation validates a location tag. An empty tag means LocationDocs.
func ParseLocation(s string) (Location, error) {
	switch l := Location(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LocationDocs, nil
	case LocationDocs, LocationLibs, LocationNoSync:
		return l, nil
	default:
		return "", shared.Markf(shared.KindValidation, "unknown storage location %q", s)
	}
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnknown      = 0
	CodeSyntax       = 5
	CodeConstraint   = 6
	CodeQuota        = 10
	CodeInvalidState = 11
)

// Request is one statement of a batch.
type Request struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// Tag marks an Outcome as success or error.
type Tag string

const (
	TagSuccess Tag = "success"
	TagError   Tag = "error"
)

// Result is the payload of a successful statement.
type Result struct {
	Rows         []map[string]any `json:"rows"`
	RowsAffected int64            `json:"rowsAffected"`
	InsertID     *int64           `json:"insertId,omitempty"`
}

// ErrorPayload is the payload of a failed statement.
type ErrorPayload struct {
	Code               int    `json:"code"`
	Message            string `json:"message"`
	SQLiteCode         int    `json:"sqliteCode,omitempty"`
	SQLiteExtendedCode int    `json:"sqliteExtendedCode,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("sql error %d: %s", e.Code, e.Message)
}

// Outcome is the tagged per-statement result of a batch.
// Exactly one of Result and Err is set, according to Tag.
type Outcome struct {
	Tag    Tag           `json:"type"`
	Result *Result       `json:"result,omitempty"`
	Err    *ErrorPayload `json:"error,omitempty"`
}

// Success builds a success outcome.
func Success(r *Result) Outcome {
	if r == nil {
		r = &Result{}
	}
	return Outcome{Tag: TagSuccess, Result: r}
}

// Failure builds an error outcome.
func Failure(code int, message string) Outcome {
	return Outcome{Tag: TagError, Err: &ErrorPayload{Code: code, Message: message}}
}

// Bridge executes work against named databases.
// ExecuteBatch returns exactly one Outcome per request, in request order;
// a non-nil error means the batch as a whole could not run.
type Bridge interface {
	Open(ctx context.Context, name string, loc Location) error
	Close(ctx context.Context, name string) error
	Delete(ctx context.Context, name string, loc Location) error
	IsOpen(ctx context.Context, name string) (bool, error)
	ExecuteBatch(ctx context.Context, name string, batch []Request) ([]Outcome, error)
}
