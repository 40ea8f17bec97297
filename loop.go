package socket

import "sync"

// loop is the single goroutine that owns a Socket's state.
//
// Posted tasks run one at a time in FIFO order. Work scheduled with later runs
// after the current task returns and before the next posted task, which gives
// continuations the ordering of a microtask queue without any parallelism.
// post never blocks, so it is safe to call from inside a running task.
type loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// owned by the loop goroutine
	deferred []func()
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn. It reports false if the loop has already stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// later schedules fn to run once the current task completes.
// Must only be called from the loop goroutine.
func (l *loop) later(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// stop makes the loop exit after the current task. Tasks still queued are dropped.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stopping reports whether stop has been requested.
func (l *loop) stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *loop) run() {
	defer close(l.done)

	for range l.wake {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			l.flush()
		}

		if l.stopping() {
			l.deferred = nil
			return
		}
	}
}

// next pops the oldest task, or reports false when the queue is empty or the loop stopped.
func (l *loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

// flush runs deferred work until none is left, including work it schedules itself.
func (l *loop) flush() {
	for len(l.deferred) > 0 {
		if l.stopping() {
			l.deferred = nil
			return
		}
		fn := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		fn()
	}
}
