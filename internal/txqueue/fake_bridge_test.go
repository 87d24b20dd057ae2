package txqueue

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"txqueue/internal/bridge"
)

// fakeBridge is a scripted in-memory bridge that records every batch it receives.
type fakeBridge struct {
	mu      sync.Mutex
	batches [][]bridge.Request
	opens   int
	closes  int
	deletes int

	openErr   error
	openGate  chan struct{}
	slowDown  time.Duration
	jitter    time.Duration
	respond   func(req bridge.Request) bridge.Outcome
	batchErr  func(reqs []bridge.Request) error
	truncate  int
	gate      func(reqs []bridge.Request) <-chan struct{}
	active    bool
	overlaps  int
	openNames map[string]bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{openNames: make(map[string]bool)}
}

func (f *fakeBridge) Open(_ context.Context, name string, _ bridge.Location) error {
	if f.openGate != nil {
		<-f.openGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.openNames[name] = true
	return nil
}

func (f *fakeBridge) Close(_ context.Context, name string) error {
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	delete(f.openNames, name)
	return nil
}

func (f *fakeBridge) Delete(_ context.Context, name string, _ bridge.Location) error {
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.openNames, name)
	return nil
}

// pause sleeps for slowDown before a close or delete takes effect.
func (f *fakeBridge) pause() {
	f.mu.Lock()
	d := f.slowDown
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (f *fakeBridge) setSlowDown(d time.Duration) {
	f.mu.Lock()
	f.slowDown = d
	f.mu.Unlock()
}

func (f *fakeBridge) isOpen(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openNames[name]
}

func (f *fakeBridge) IsOpen(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openNames[name], nil
}

func (f *fakeBridge) ExecuteBatch(_ context.Context, _ string, reqs []bridge.Request) ([]bridge.Outcome, error) {
	f.mu.Lock()
	f.batches = append(f.batches, reqs)
	if len(reqs) > 0 {
		switch reqs[0].SQL {
		case "BEGIN":
			if f.active {
				f.overlaps++
			}
			f.active = true
		case "COMMIT", "ROLLBACK":
			f.active = false
		}
	}
	gate, jitter := f.gate, f.jitter
	f.mu.Unlock()

	if gate != nil {
		if ch := gate(reqs); ch != nil {
			<-ch
		}
	}
	if jitter > 0 {
		time.Sleep(time.Duration(rand.Int64N(int64(jitter))))
	}

	if f.batchErr != nil {
		if err := f.batchErr(reqs); err != nil {
			return nil, err
		}
	}

	outcomes := make([]bridge.Outcome, 0, len(reqs))
	for _, r := range reqs {
		if f.respond != nil {
			outcomes = append(outcomes, f.respond(r))
			continue
		}
		outcomes = append(outcomes, bridge.Success(nil))
	}
	if f.truncate > 0 && f.truncate < len(outcomes) {
		outcomes = outcomes[:f.truncate]
	}
	return outcomes, nil
}

// sqls returns every statement received, flattened in wire order.
func (f *fakeBridge) sqls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, r := range b {
			out = append(out, r.SQL)
		}
	}
	return out
}

// batchSQL returns the statements of each batch.
func (f *fakeBridge) batchSQL() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	for i, b := range f.batches {
		for _, r := range b {
			out[i] = append(out[i], r.SQL)
		}
	}
	return out
}

func (f *fakeBridge) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func newTestManager(t *testing.T, fb *fakeBridge, opts Options) *Manager {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(fb, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func openTestDB(t *testing.T, m *Manager, name string) *Database {
	t.Helper()
	db := m.Database(name, bridge.LocationDocs)
	require.NoError(t, db.OpenContext(testContext(t)))
	return db
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func constraintOn(sql string) func(bridge.Request) bridge.Outcome {
	return func(r bridge.Request) bridge.Outcome {
		if r.SQL == sql {
			return bridge.Outcome{Tag: bridge.TagError, Err: &bridge.ErrorPayload{
				Code:    bridge.CodeConstraint,
				Message: "UNIQUE constraint failed: k.id",
			}}
		}
		return bridge.Success(nil)
	}
}
