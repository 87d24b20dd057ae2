package txqueue

import (
	"context"
	"log/slog"

	"txqueue/internal/bridge"
)

const missingOutcome = "no result returned for statement"

// batchDone receives the reply of one round trip on the loop.
type batchDone func(outcomes []bridge.Outcome, err error)

// sendBatch issues stmts as one round trip on a worker goroutine and posts the
// reply back to the loop. A sent batch always runs to completion.
func (m *Manager) sendBatch(name string, stmts []*Statement, done batchDone) {
	reqs := make([]bridge.Request, len(stmts))
	for i, s := range stmts {
		reqs[i] = s.request()
	}

	m.logger.Debug("sending batch", slog.String("db", name), slog.Int("statements", len(reqs)))

	go func() {
		ctx := context.Background()
		if m.opts.BatchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.BatchTimeout)
			defer cancel()
		}

		outcomes, err := m.bridge.ExecuteBatch(ctx, name, reqs)
		if !m.loop.post(func() { done(outcomes, err) }) {
			m.logger.Warn("dropping batch reply, queue is closed", slog.String("db", name))
		}
	}()
}

// demux hands each outcome, in order, to the statement it belongs to.
// Once a failure is recorded the remaining handlers of the batch are skipped.
func (t *Transaction) demux(batch []*Statement, outcomes []bridge.Outcome, err error) {
	if err != nil {
		t.recordFailure(batchError(err))
		return
	}

	if len(outcomes) > len(batch) {
		t.logger.Warn("bridge returned extra outcomes",
			slog.Int("statements", len(batch)), slog.Int("outcomes", len(outcomes)))
	}

	for i, st := range batch {
		if t.failure != nil {
			return
		}
		o := bridge.Failure(bridge.CodeUnknown, missingOutcome)
		if i < len(outcomes) {
			o = outcomes[i]
		}
		t.dispatch(st, o)
	}
}

// dispatch runs the handler matching o. Handler panics become failures.
func (t *Transaction) dispatch(st *Statement, o bridge.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			t.recordFailure(panicError(r))
		}
	}()

	switch o.Tag {
	case bridge.TagSuccess:
		if st.onSuccess != nil {
			st.onSuccess(t, newResultSet(o.Result))
		}
	case bridge.TagError:
		_ = t.handleStatementFailure(st.onError, statementError(o.Err))
	default:
		_ = t.handleStatementFailure(st.onError,
			newError(KindStatementFailed, bridge.CodeUnknown, "unknown outcome tag %q", o.Tag))
	}
}

// handleStatementFailure lets handler resolve err. An unhandled error is recorded
// as the transaction failure and returned.
func (t *Transaction) handleStatementFailure(handler StatementErrorFunc, err *Error) error {
	if handler == nil {
		fault := &Error{
			Kind:    err.Kind,
			Code:    err.Code,
			Message: "a statement with no error handler failed: " + err.Message,
			Err:     err,
		}
		t.recordFailure(fault)
		return fault
	}

	if res := handler(t, err); res != nil {
		fault := asError(res, err.Kind, err.Code)
		t.recordFailure(fault)
		return fault
	}
	return nil
}
