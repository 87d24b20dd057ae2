package txqueue

import (
	"sort"

	"txqueue/internal/bridge"
)

// dbState is the lifecycle state of a database name.
type dbState int

const (
	stateAbsent dbState = iota
	stateInitializing
	stateOpen
)

func (s dbState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateOpen:
		return "open"
	default:
		return "absent"
	}
}

type openWaiter struct {
	onSuccess func()
	onError   func(error)
}

type entry struct {
	state    dbState
	location bridge.Location
	waiters  []openWaiter
}

// registry holds the open states and locks of one Manager.
// It is only touched from the Manager loop.
type registry struct {
	entries map[string]*entry
	locks   map[string]*dbLock
	// calls holds, per name with an open, close or delete in flight, the
	// bridge calls waiting for it. A key without pending calls is still busy.
	calls map[string][]func()
	m     *Manager
}

func newRegistry(m *Manager) *registry {
	return &registry{
		entries: make(map[string]*entry),
		locks:   make(map[string]*dbLock),
		calls:   make(map[string][]func()),
		m:       m,
	}
}

// state returns the state of name; names never opened are stateAbsent.
func (r *registry) state(name string) dbState {
	if e, ok := r.entries[name]; ok {
		return e.state
	}
	return stateAbsent
}

// openNames returns the names currently open, sorted.
func (r *registry) openNames() []string {
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.state == stateOpen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *registry) entry(name string) *entry {
	return r.entries[name]
}

func (r *registry) initialize(name string, loc bridge.Location) *entry {
	e := &entry{state: stateInitializing, location: loc}
	r.entries[name] = e
	return e
}

func (r *registry) remove(name string) {
	delete(r.entries, name)
}

// lock returns the lock of name, creating it on first use.
func (r *registry) lock(name string) *dbLock {
	l, ok := r.locks[name]
	if !ok {
		l = &dbLock{name: name, m: r.m}
		r.locks[name] = l
	}
	return l
}

// beginCall reports whether start may run now. Otherwise start is kept and run
// by finishCall after the calls queued before it on name.
func (r *registry) beginCall(name string, start func()) bool {
	pending, busy := r.calls[name]
	if busy {
		r.calls[name] = append(pending, start)
		return false
	}
	r.calls[name] = nil
	return true
}

// finishCall starts the next call waiting on name, or marks name idle.
func (r *registry) finishCall(name string) {
	pending := r.calls[name]
	if len(pending) == 0 {
		delete(r.calls, name)
		return
	}
	next := pending[0]
	r.calls[name] = pending[1:]
	next()
}
