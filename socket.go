// Package socket provides a message-oriented socket for Go.
//
// A Socket wraps an order-preserving byte stream (TCP by default), cuts the
// inbound bytes into messages with a pluggable Splitter and serializes
// outgoing writes through a single-flight queue. Messages can be consumed by
// pulling with backpressure (Read, Recv) and by multicast subscription
// (Subscribe); both see every message in stream order.
//
// The connection is opened lazily by the first Send and reopened on demand
// after the peer closes it. Close is terminal.
package socket

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// State is the connection state of a Socket.
type State int32

const (
	// StateAbsent means no connection exists.
	StateAbsent State = iota
	// StatePending means a connection attempt is in progress.
	StatePending
	// StateEstablished means the connection is usable.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Consumer is the pull side of a socket. It receives one message and
// reports whether it is ready for another. A consumer that panics is
// logged and treated as not ready; the message it was given is lost.
type Consumer func(m Message) (ready bool)

// waiter is one blocked Recv call.
type waiter struct {
	ch chan Message
}

// Socket frames a byte stream into messages.
//
// All of its state is owned by a single event-loop goroutine; the exported
// methods only post work to that loop and are safe for concurrent use.
// Concurrent Recv calls are served one message each, in call order.
// Observer and Consumer callbacks run on the loop and must not block on the
// socket (Recv in particular) or they will deadlock it.
type Socket struct {
	id     string
	addr   string
	opts   options
	logger Logger

	loop    *loop
	subject *subject
	ctx     context.Context
	cancel  context.CancelFunc

	state   atomic.Int32
	closed  atomic.Bool
	failure atomic.Error

	// live is the current transport, readable from Close while the loop is
	// blocked in a write
	liveMu sync.Mutex
	live   Transport

	// owned by the loop goroutine
	st        State
	transport Transport
	gen       uint64
	buffer    []byte
	decoder   *textDecoder
	outgoing  [][]byte
	inFlight  bool
	pull      []Message
	waiters   []*waiter
	consumer  Consumer
	ready     bool
}

// New creates a socket for addr. Nothing is dialed until the first Send or Connect.
//
// By default the socket dials TCP, treats every chunk of input as one
// message and decodes text as UTF-8.
func New(addr string, opt ...Option) (*Socket, error) {
	if addr == "" {
		return nil, ErrInvalidAddr
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	s := &Socket{
		id:     uuid.NewString(),
		addr:   addr,
		opts:   opts,
		logger: opts.logger,
		loop:   newLoop(),
	}
	s.subject = newSubject(s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if !opts.raw {
		s.decoder = newTextDecoder(opts.encoding)
	}

	s.logger.Debug("socket created", "socket", s.id, "addr", addr,
		"raw", opts.raw,
		"max_buffer_size", opts.maxBufferSize)

	return s, nil
}

// ID returns the identifier used in this socket's log entries.
func (s *Socket) ID() string {
	return s.id
}

// Addr returns the address the socket connects to.
func (s *Socket) Addr() string {
	return s.addr
}

// State returns the current connection state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Connected reports whether a connection is established.
func (s *Socket) Connected() bool {
	return s.State() == StateEstablished
}

// Err returns the error that failed the socket, ErrSocketClosed after Close,
// or nil while the socket is usable.
func (s *Socket) Err() error {
	if err := s.failure.Load(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrSocketClosed
	}
	return nil
}

// Done is closed once the socket is closed or failed and its loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.loop.done
}

// Connect opens the connection now instead of waiting for the first Send.
func (s *Socket) Connect() error {
	return s.post(s.ensureConnection)
}

// Send queues p for transmission. Payloads are written in the order Send was
// called, one at a time, once a connection is established; if none exists,
// one is opened. p is copied and written as is, even in text mode.
func (s *Socket) Send(p []byte) error {
	payload := append([]byte(nil), p...)
	return s.post(func() { s.enqueue(payload) })
}

// SendString queues text, encoded in the socket's charset unless the socket is raw.
func (s *Socket) SendString(text string) error {
	if s.opts.raw {
		return s.Send([]byte(text))
	}

	payload, err := encodeText(s.opts.encoding, text)
	if err != nil {
		return err
	}
	return s.post(func() { s.enqueue(payload) })
}

// Write implements io.Writer on top of Send.
func (s *Socket) Write(p []byte) (int, error) {
	if err := s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close discards queued payloads that have not been written, ends the
// connection and completes all subscriptions. The socket cannot be used again.
//
// The transport is ended right away, even if the loop is blocked writing to
// a peer that stopped reading.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if tr := s.setLive(nil); tr != nil {
		_ = tr.End()
	}
	if !s.loop.post(s.shutdown) {
		s.cancel()
	}
	return nil
}

// Read makes c the pull consumer and marks it ready. Buffered messages are
// handed to c until it reports it is not ready; later messages go straight
// to c while it stays ready and are buffered otherwise. Call Read again to
// resume after c reported not ready.
func (s *Socket) Read(c Consumer) error {
	if c == nil {
		return errors.New("nil consumer")
	}
	return s.post(func() { s.read(c) })
}

// Recv pulls one message, waiting until one arrives, ctx ends or the socket
// stops. Waiting Recv calls are served before a Read consumer. It must not be
// called from an Observer or Consumer callback.
func (s *Socket) Recv(ctx context.Context) (Message, error) {
	w := &waiter{ch: make(chan Message, 1)}

	if err := s.post(func() { s.await(w) }); err != nil {
		return nil, err
	}

	select {
	case m := <-w.ch:
		return m, nil
	case <-ctx.Done():
	case <-s.loop.done:
		select {
		case m := <-w.ch:
			return m, nil
		default:
		}
		return nil, s.Err()
	}

	// Withdraw on the loop; a message handed over in the meantime goes to
	// the next waiter or back to the head of the pull buffer.
	withdrawn := make(chan struct{})
	posted := s.loop.post(func() {
		defer close(withdrawn)
		s.withdraw(w)
		select {
		case m := <-w.ch:
			s.putBack(m)
		default:
		}
	})
	if posted {
		select {
		case <-withdrawn:
		case <-s.loop.done:
		}
	}
	return nil, ctx.Err()
}

// Subscribe registers o for every message parsed from now on. After the socket
// closes or fails, o receives Complete or Error and nothing else.
func (s *Socket) Subscribe(o Observer) *Subscription {
	return s.subject.subscribe(o)
}

// SubscribeFunc is Subscribe for plain callbacks; errFn and complete may be nil.
func (s *Socket) SubscribeFunc(next func(Message), errFn func(error), complete func()) *Subscription {
	return s.subject.subscribe(Observer{Next: next, Error: errFn, Complete: complete})
}

// AsObservable returns a view of the socket that only allows subscribing.
func (s *Socket) AsObservable() Observable {
	return observable{s: s}
}

type observable struct {
	s *Socket
}

func (o observable) Subscribe(obs Observer) *Subscription {
	return o.s.Subscribe(obs)
}

// post runs fn on the loop, or reports why the socket no longer accepts work.
func (s *Socket) post(fn func()) error {
	if err := s.Err(); err != nil {
		return err
	}
	if !s.loop.post(fn) {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSocketClosed
	}
	return nil
}

func (s *Socket) setState(st State) {
	s.st = st
	s.state.Store(int32(st))
}

// setLive publishes the current transport and returns the previous one.
func (s *Socket) setLive(tr Transport) Transport {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	prev := s.live
	s.live = tr
	return prev
}

// terminal reports whether the socket was closed or failed. Loop only.
func (s *Socket) terminal() bool {
	return s.closed.Load() || s.loop.stopping()
}

// ensureConnection starts a connection attempt when none exists.
func (s *Socket) ensureConnection() {
	if s.st != StateAbsent || s.terminal() {
		return
	}

	s.setState(StatePending)
	s.gen++
	gen := s.gen
	s.transport = s.opts.transport()
	s.setLive(s.transport)
	s.buffer = nil
	s.decoder.reset()

	s.logger.Debug("connecting", "socket", s.id, "addr", s.addr)

	s.transport.Connect(s.ctx, s.addr, TransportEvents{
		Connected: func() {
			s.loop.post(func() { s.handleConnected(gen) })
		},
		Readable: func() {
			s.loop.post(func() { s.handleReadable(gen) })
		},
		Closed: func(err error) {
			s.loop.post(func() { s.handleClosed(gen, err) })
		},
	})
}

func (s *Socket) handleConnected(gen uint64) {
	if gen != s.gen || s.st != StatePending {
		return
	}

	s.setState(StateEstablished)
	s.logger.Info("connection established", "socket", s.id, "addr", s.addr)
	s.loop.later(s.drain)
}

func (s *Socket) handleClosed(gen uint64, err error) {
	if gen != s.gen {
		return
	}

	s.transport = nil
	s.setLive(nil)
	s.buffer = nil
	s.decoder.reset()
	s.inFlight = false
	s.setState(StateAbsent)

	if err != nil {
		s.logger.Info("connection closed with error", "socket", s.id, "addr", s.addr, "error", err)
	} else {
		s.logger.Info("connection closed", "socket", s.id, "addr", s.addr)
	}
}

// handleReadable runs one framing cycle for one chunk.
func (s *Socket) handleReadable(gen uint64) {
	if gen != s.gen || s.st != StateEstablished {
		return
	}

	chunk := s.transport.Read()

	if s.decoder != nil {
		text, err := s.decoder.decode(chunk)
		if err != nil {
			s.fail(err)
			return
		}
		chunk = text
	}

	buf := make([]byte, 0, len(s.buffer)+len(chunk))
	buf = append(buf, s.buffer...)
	buf = append(buf, chunk...)

	messages, leftover, err := s.opts.splitter.Split(buf)
	if err != nil {
		s.fail(errors.Wrap(err, "split inbound buffer"))
		return
	}
	if err = checkSplit(buf, messages, leftover); err != nil {
		s.fail(err)
		return
	}
	if len(leftover) > s.opts.maxBufferSize {
		s.fail(errors.Wrapf(ErrMessageTooLarge, "%d bytes without a complete message", len(leftover)))
		return
	}

	s.buffer = append([]byte(nil), leftover...)

	for _, m := range messages {
		if s.terminal() {
			return
		}
		s.deliver(m)
	}
}

// deliver hands m to the pull path and then to every subscriber.
func (s *Socket) deliver(m Message) {
	switch {
	case len(s.waiters) > 0:
		s.handTo(m)
	case s.ready && s.consumer != nil:
		s.ready = s.consume(s.consumer, m)
	default:
		s.pull = append(s.pull, m)
	}

	s.subject.next(m)
}

func (s *Socket) read(c Consumer) {
	if s.terminal() {
		return
	}

	s.consumer = c
	s.ready = true

	for s.ready && len(s.pull) > 0 {
		s.ready = s.consume(c, s.popPull())
	}
}

// consume runs one Consumer call, recovering a panic so the loop survives.
func (s *Socket) consume(c Consumer, m Message) (ready bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("consumer panic", "socket", s.id, "error", r, "stack", string(debug.Stack()))
			ready = false
		}
	}()
	return c(m)
}

// await queues w behind earlier Recv calls. Waiters only queue while the
// pull buffer is empty.
func (s *Socket) await(w *waiter) {
	if s.terminal() {
		return
	}
	if len(s.pull) > 0 {
		w.ch <- s.popPull()
		return
	}
	s.waiters = append(s.waiters, w)
}

func (s *Socket) withdraw(w *waiter) {
	for i, queued := range s.waiters {
		if queued == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// handTo gives m to the oldest waiting Recv call.
func (s *Socket) handTo(m Message) {
	w := s.waiters[0]
	s.waiters[0] = nil
	s.waiters = s.waiters[1:]
	w.ch <- m
}

// putBack returns a message a withdrawn Recv call did not take, ahead of
// anything buffered after it.
func (s *Socket) putBack(m Message) {
	switch {
	case len(s.waiters) > 0:
		s.handTo(m)
	case s.ready && s.consumer != nil && len(s.pull) == 0:
		s.ready = s.consume(s.consumer, m)
	default:
		s.pull = append([]Message{m}, s.pull...)
	}
}

func (s *Socket) popPull() Message {
	m := s.pull[0]
	s.pull[0] = nil
	s.pull = s.pull[1:]
	return m
}

func (s *Socket) enqueue(p []byte) {
	if s.terminal() {
		return
	}
	s.outgoing = append(s.outgoing, p)
	s.loop.later(s.drain)
}

// drain writes at most one queued payload and schedules the next round.
func (s *Socket) drain() {
	if len(s.outgoing) == 0 || s.inFlight || s.st == StatePending || s.terminal() {
		return
	}

	if s.st == StateAbsent {
		s.ensureConnection()
		return
	}

	s.inFlight = true

	p := s.outgoing[0]
	s.outgoing[0] = nil
	s.outgoing = s.outgoing[1:]

	if err := s.transport.Write(p); err != nil {
		s.inFlight = false
		if errors.Is(err, ErrConnectionClosed) {
			// the close event is on its way; keep p for the next connection
			s.outgoing = append([][]byte{p}, s.outgoing...)
			s.logger.Debug("connection gone, payload kept", "socket", s.id, "addr", s.addr)
			return
		}
		s.logger.Warn("write error", "socket", s.id, "addr", s.addr, "error", err)
	}

	s.loop.later(s.drain)
	s.inFlight = false
}

// shutdown is the loop side of Close.
func (s *Socket) shutdown() {
	if dropped := len(s.outgoing); dropped > 0 {
		s.logger.Debug("discarding queued payloads", "socket", s.id, "addr", s.addr, "count", dropped)
	}
	s.outgoing = nil
	s.waiters = nil

	if s.transport != nil {
		_ = s.transport.End()
		s.transport = nil
	}
	s.setLive(nil)
	s.setState(StateAbsent)
	s.loop.stop()

	s.logger.Info("socket closed", "socket", s.id, "addr", s.addr)
	s.subject.complete()
}

// fail stops the socket after an unrecoverable framing error.
func (s *Socket) fail(err error) {
	s.failure.Store(err)
	s.closed.Store(true)

	s.logger.Error("socket failed", "socket", s.id, "addr", s.addr, "error", err)

	s.outgoing = nil
	s.pull = nil
	s.waiters = nil
	if s.transport != nil {
		_ = s.transport.End()
		s.transport = nil
	}
	s.setLive(nil)
	s.setState(StateAbsent)
	s.loop.stop()
	s.cancel()

	s.subject.error(err)
}
