package txqueue

import (
	"log/slog"
	"sync"
)

// loop is the single scheduling domain of a Manager. Every coordinator step and
// every user callback runs on its goroutine, one posted func at a time.
// The mailbox is unbounded so that posting never blocks a bridge worker.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	notify chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newLoop(logger *slog.Logger) *loop {
	l := &loop{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// post schedules fn for a later loop turn. It reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.invoke(fn)
		}
	}
}

// invoke runs fn and keeps the loop alive if it panics.
func (l *loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in scheduled step", slog.Any("panic", r))
		}
	}()
	fn()
}

// stop discards pending work and ends the loop goroutine after the current step.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}
