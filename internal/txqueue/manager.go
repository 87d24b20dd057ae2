// Package txqueue schedules SQL transactions on top of a batch-oriented bridge.
//
// Each database name gets a FIFO lock that admits one transaction at a time.
// A transaction collects statements from its build callback, sends them as one
// round trip, lets statement handlers queue follow-up statements, and finally
// emits COMMIT or ROLLBACK. All coordination runs on the single loop goroutine
// of a Manager, which is also where every callback is invoked.
package txqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"txqueue/internal/bridge"
)

// DefaultMaxRounds caps the round trips a transaction may make before COMMIT.
const DefaultMaxRounds = 1000

// Options configures a Manager.
type Options struct {
	// MaxRounds caps handler-driven follow-up batches. Zero means DefaultMaxRounds.
	MaxRounds int
	// BatchTimeout bounds each bridge call. Zero means no deadline.
	BatchTimeout time.Duration
	Logger       *slog.Logger
}

// Manager owns the registry, the locks and the scheduling loop for one bridge.
type Manager struct {
	bridge   bridge.Bridge
	opts     Options
	logger   *slog.Logger
	loop     *loop
	registry *registry

	running   sync.WaitGroup
	closing   bool
	closeOnce sync.Once
}

// NewManager starts a Manager on top of b.
func NewManager(b bridge.Bridge, opts Options) *Manager {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "txqueue"))

	m := &Manager{
		bridge: b,
		opts:   opts,
		logger: logger,
		loop:   newLoop(logger),
	}
	m.registry = newRegistry(m)
	return m
}

// Database returns a handle for name at loc. It performs no I/O.
// An empty location means bridge.LocationDocs.
func (m *Manager) Database(name string, loc bridge.Location) *Database {
	if loc == "" {
		loc = bridge.LocationDocs
	}
	return &Database{m: m, name: name, location: loc}
}

// IsDatabaseOpen asks the bridge whether name is open.
func (m *Manager) IsDatabaseOpen(ctx context.Context, name string) (bool, error) {
	return m.bridge.IsOpen(ctx, name)
}

// DeleteDatabase removes name from the registry and asks the bridge to delete it.
// It fails with ErrTransactionInProgress while a transaction is running.
func (m *Manager) DeleteDatabase(name string, loc bridge.Location, onSuccess func(), onError func(error)) {
	m.submit(func() { m.deleteDatabase(name, loc, onSuccess, onError) }, onError)
}

func (m *Manager) deleteDatabase(name string, loc bridge.Location, onSuccess func(), onError func(error)) {
	if loc == "" {
		loc = bridge.LocationDocs
	}
	if m.registry.lock(name).inProgress {
		m.fail(onError, ErrTransactionInProgress)
		return
	}
	if m.registry.state(name) == stateInitializing {
		m.fail(onError, newError(KindDatabaseNotOpen, bridge.CodeUnknown, "database %s is still opening", name))
		return
	}

	m.registry.remove(name)
	m.callBridge(name, func(ctx context.Context) error {
		return m.bridge.Delete(ctx, name, loc)
	}, func(err error) {
		if err != nil {
			m.logger.Warn("delete failed", slog.String("db", name), slog.Any("error", err))
			if onError != nil {
				m.safeCall(func() { onError(err) })
			}
			return
		}
		m.logger.Info("database deleted", slog.String("db", name), slog.String("location", string(loc)))
		if onSuccess != nil {
			m.safeCall(onSuccess)
		}
	})
}

// OpenDatabases returns handles for every database currently open.
func (m *Manager) OpenDatabases(ctx context.Context) ([]*Database, error) {
	result := make(chan []*Database, 1)
	ok := m.loop.post(func() {
		names := m.registry.openNames()
		dbs := make([]*Database, 0, len(names))
		for _, name := range names {
			dbs = append(dbs, m.Database(name, m.registry.entry(name).location))
		}
		result <- dbs
	})
	if !ok {
		return nil, ErrClosed
	}

	select {
	case dbs := <-result:
		return dbs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts every queued transaction with ErrClosed, waits for running ones
// and for in-flight open, close and delete replies, and stops the loop. Later requests fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		ready := make(chan struct{})
		if !m.loop.post(func() {
			m.closing = true
			for _, l := range m.registry.locks {
				l.abortAll(ErrClosed)
			}
			close(ready)
		}) {
			return
		}

		select {
		case <-ready:
		case <-ctx.Done():
			m.loop.stop()
			err = ctx.Err()
			return
		}

		idle := make(chan struct{})
		go func() {
			m.running.Wait()
			close(idle)
		}()

		select {
		case <-idle:
		case <-ctx.Done():
			err = ctx.Err()
		}
		m.loop.stop()
		m.logger.Info("transaction queue closed")
	})
	return err
}

// submit runs fn on the loop, or fails onError with ErrClosed.
func (m *Manager) submit(fn func(), onError func(error)) {
	ok := m.loop.post(func() {
		if m.closing {
			m.safeCall(func() {
				if onError != nil {
					onError(ErrClosed)
				}
			})
			return
		}
		fn()
	})
	if !ok && onError != nil {
		go onError(ErrClosed)
	}
}

// callBridge runs call on a worker goroutine and posts done back to the loop.
// Calls for the same name run one after another in submission order, so a
// reopen never overlaps the close or delete issued before it. Every call counts
// as running work until done has been delivered.
func (m *Manager) callBridge(name string, call func(ctx context.Context) error, done func(error)) {
	m.running.Add(1)
	start := func() {
		go func() {
			ctx := context.Background()
			if m.opts.BatchTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, m.opts.BatchTimeout)
				defer cancel()
			}

			err := call(ctx)
			if !m.loop.post(func() {
				defer m.running.Done()
				done(err)
				m.registry.finishCall(name)
			}) {
				m.running.Done()
				m.logger.Warn("dropping bridge reply, queue is closed", slog.String("db", name), slog.Any("error", err))
			}
		}()
	}
	if m.registry.beginCall(name, start) {
		start()
	}
}

// succeed and fail deliver a completion on a later loop turn.
func (m *Manager) succeed(onSuccess func()) {
	if onSuccess == nil {
		return
	}
	m.loop.post(func() { m.safeCall(onSuccess) })
}

func (m *Manager) fail(onError func(error), err error) {
	if onError == nil {
		return
	}
	m.loop.post(func() { m.safeCall(func() { onError(err) }) })
}

// safeCall invokes a user callback and logs a panic instead of propagating it.
func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
