package socket

import (
	"runtime/debug"
	"sync"
)

// Observer receives the push side of a socket's message stream.
// Nil callbacks are ignored.
type Observer struct {
	Next     func(Message)
	Error    func(error)
	Complete func()
}

// Observable is a source of messages that observers can subscribe to.
type Observable interface {
	Subscribe(o Observer) *Subscription
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	subject *subject
	id      uint64
}

// Unsubscribe stops further deliveries to the observer. It is safe to call
// more than once, from any goroutine, including from inside a callback.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.subject == nil {
		return
	}
	s.subject.unsubscribe(s.id)
}

// subject multicasts to observers in registration order.
//
// Unsubscribing leaves a nil tombstone under the id so a broadcast in
// progress skips it; tombstones are compacted after each next pass.
// The lock is never held while an observer runs.
type subject struct {
	logger Logger

	mu        sync.Mutex
	lastID    uint64
	order     []uint64
	observers map[uint64]*Observer
	stopped   bool
	err       error
}

func newSubject(logger Logger) *subject {
	return &subject{
		logger:    logger,
		observers: make(map[uint64]*Observer),
	}
}

func (s *subject) subscribe(o Observer) *Subscription {
	s.mu.Lock()
	if s.stopped {
		err := s.err
		s.mu.Unlock()

		if err != nil {
			s.call(func() { o.onError(err) })
		} else {
			s.call(o.onComplete)
		}
		return &Subscription{}
	}

	s.lastID++
	id := s.lastID
	s.order = append(s.order, id)
	s.observers[id] = &o
	s.mu.Unlock()

	return &Subscription{subject: s, id: id}
}

func (s *subject) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.observers[id]; ok {
		s.observers[id] = nil
	}
}

func (s *subject) next(m Message) {
	for _, id := range s.snapshot() {
		if o := s.lookup(id); o != nil {
			s.call(func() { o.onNext(m) })
		}
	}
	s.compact()
}

func (s *subject) error(err error) {
	s.terminate(err, func(o *Observer) { o.onError(err) })
}

func (s *subject) complete() {
	s.terminate(nil, func(o *Observer) { o.onComplete() })
}

// terminate delivers the final notification and empties the set.
func (s *subject) terminate(err error, notify func(*Observer)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.err = err
	ids := append([]uint64(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		if o := s.lookup(id); o != nil {
			s.call(func() { notify(o) })
		}
	}

	s.mu.Lock()
	s.order = nil
	s.observers = make(map[uint64]*Observer)
	s.mu.Unlock()
}

func (s *subject) snapshot() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.order...)
}

func (s *subject) lookup(id uint64) *Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observers[id]
}

func (s *subject) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.order[:0]
	for _, id := range s.order {
		if s.observers[id] != nil {
			live = append(live, id)
			continue
		}
		delete(s.observers, id)
	}
	s.order = live
}

// len returns the number of live observers.
func (s *subject) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.observers {
		if o != nil {
			n++
		}
	}
	return n
}

// call runs one observer callback, recovering a panic so the rest of the pass continues.
func (s *subject) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panic", "error", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (o *Observer) onNext(m Message) {
	if o.Next != nil {
		o.Next(m)
	}
}

func (o *Observer) onError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o *Observer) onComplete() {
	if o.Complete != nil {
		o.Complete()
	}
}
