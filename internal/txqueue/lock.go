package txqueue

import "log/slog"

// dbLock is the FIFO queue of one database plus its in-progress flag.
// It is created on first use and reused across close and reopen.
// All fields are owned by the loop.
type dbLock struct {
	name       string
	queue      []*Transaction
	inProgress bool
	m          *Manager
}

func (l *dbLock) enqueue(tx *Transaction) {
	l.queue = append(l.queue, tx)
	l.m.logger.Debug("transaction queued", slog.String("db", l.name), slog.String("tx", tx.id), slog.Int("queued", len(l.queue)))

	if l.m.registry.state(l.name) == stateOpen && !l.inProgress {
		l.m.loop.post(l.admitNext)
	}
}

// admitNext starts the head transaction when the database is open and idle.
func (l *dbLock) admitNext() {
	if l.m.closing || l.inProgress || len(l.queue) == 0 {
		return
	}
	if l.m.registry.state(l.name) != stateOpen {
		return
	}

	tx := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.inProgress = true
	l.m.running.Add(1)

	l.m.logger.Debug("transaction admitted", slog.String("db", l.name), slog.String("tx", tx.id))
	tx.start()
}

// release is called once per admitted transaction when it finalizes.
func (l *dbLock) release() {
	l.inProgress = false
	l.m.loop.post(l.admitNext)
}

// abortAll fails every queued transaction with reason without starting it.
func (l *dbLock) abortAll(reason *Error) {
	queued := l.queue
	l.queue = nil
	l.inProgress = false

	if len(queued) > 0 {
		l.m.logger.Debug("aborting queued transactions", slog.String("db", l.name), slog.Int("count", len(queued)), slog.String("reason", reason.Error()))
	}
	for _, tx := range queued {
		tx.abortQueued(reason)
	}
}
