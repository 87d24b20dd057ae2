package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
)

// Routes served by Server.
const (
	pathOpen    = "/v1/open"
	pathClose   = "/v1/close"
	pathDelete  = "/v1/delete"
	pathIsOpen  = "/v1/is-open"
	pathBatch   = "/v1/batch"
	pathHealthz = "/healthz"

	headerRequestID = "X-Request-ID"

	// statusClientClosed is reported when the caller went away mid-request.
	statusClientClosed = 499
)

type dbRequest struct {
	Name     string `json:"name" binding:"required"`
	Location string `json:"location,omitempty"`
}

type isOpenQuery struct {
	Name string `form:"name" binding:"required"`
}

type batchRequest struct {
	Name     string           `json:"name" binding:"required"`
	Requests []bridge.Request `json:"requests"`
}

type isOpenResponse struct {
	Open bool `json:"open"`
}

type batchResponse struct {
	Outcomes []bridge.Outcome `json:"outcomes"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     wireError `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
}

// normalizeValue turns json.Number into int64 when it is integral and into
// float64 otherwise, descending into arrays and objects.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeValue(x[k])
		}
		return x
	default:
		return v
	}
}

func normalizeRequests(reqs []bridge.Request) {
	for i := range reqs {
		for j := range reqs[i].Params {
			reqs[i].Params[j] = normalizeValue(reqs[i].Params[j])
		}
	}
}

func normalizeOutcomes(out []bridge.Outcome) {
	for i := range out {
		if out[i].Result == nil {
			continue
		}
		for _, row := range out[i].Result.Rows {
			normalizeValue(row)
		}
	}
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindUnauthorized:
		return http.StatusUnauthorized
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindCanceled:
		return statusClientClosed
	case shared.KindDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindOfStatus is the inverse of statusOf for responses without an error body.
func kindOfStatus(status int) shared.Kind {
	switch status {
	case http.StatusNotFound:
		return shared.KindNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return shared.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return shared.KindUnauthorized
	case http.StatusConflict:
		return shared.KindConflict
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return shared.KindTimeout
	case statusClientClosed:
		return shared.KindCanceled
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return shared.KindDependencyFailure
	default:
		return shared.KindInternal
	}
}

// toWire strips the kind prefix added by shared.MarkKind from the message.
func toWire(err error) wireError {
	kind := shared.KindOf(err)
	msg := err.Error()
	if s := shared.SentinelOf(kind); s != nil {
		msg = strings.TrimPrefix(msg, s.Error()+": ")
	}
	return wireError{Kind: kind.String(), Message: msg}
}

// fromWire rebuilds a kinded error on the client side.
func fromWire(status int, we *wireError) error {
	if we == nil || we.Kind == "" {
		return shared.MarkKind(errors.New(http.StatusText(status)), kindOfStatus(status))
	}
	kind := shared.ParseKind(we.Kind)
	if kind == shared.KindUnknown {
		kind = kindOfStatus(status)
	}
	if kind == shared.KindCanceled {
		return fmt.Errorf("%s: %w", we.Message, context.Canceled)
	}
	return shared.MarkKind(errors.New(we.Message), kind)
}
