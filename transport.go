package socket

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionClosed is returned when writing to a transport that is not connected.
var ErrConnectionClosed = errors.New("connection closed")

// errEnded stops the write loop after End; it is reported as a clean close.
var errEnded = errors.New("transport ended")

// TransportEvents are the notifications a Transport delivers to its owner.
// They may be called from any goroutine and must not block.
type TransportEvents struct {
	// Connected is called once the connection is usable.
	Connected func()
	// Readable is called once for every chunk that Read will return.
	Readable func()
	// Closed is called exactly once when the connection ends or fails to open.
	// err is nil for an orderly shutdown.
	Closed func(err error)
}

// Transport is the order-preserving byte stream a Socket frames messages over.
//
// Connect must return immediately and report the outcome through events.
// A Transport is used for a single connection; the Socket asks its
// TransportFunc for a fresh one on every connection attempt.
type Transport interface {
	Connect(ctx context.Context, addr string, events TransportEvents)
	// Read returns the oldest unread chunk, or nil when none is pending.
	Read() []byte
	// Write queues p for transmission in order.
	Write(p []byte) error
	// End shuts the connection down. Safe to call more than once and from
	// any goroutine, including while a Write is blocked.
	End() error
}

// TransportFunc creates the Transport for one connection attempt.
type TransportFunc func() Transport

// link is one established byte channel: a net.Conn or a WebSocket.
type link interface {
	readChunk() ([]byte, error)
	writeChunk(p []byte) error
	setReadDeadline(t time.Time) error
	setWriteDeadline(t time.Time) error
	// closeWrite signals end of output to the peer where the link supports it.
	closeWrite() error
	close() error
	remoteAddr() net.Addr
}

// opener establishes a link to addr.
type opener func(ctx context.Context, addr string) (link, error)

// pipeTransport runs a link with one goroutine reading chunks and one
// draining the write channel, in the manner of a server connection's
// read and write loops.
type pipeTransport struct {
	open   opener
	logger Logger

	bufferSize  int
	idleTimeout time.Duration
	linger      time.Duration

	sendMsg chan []byte
	ended   chan struct{}
	endOnce sync.Once
	closed  atomic.Bool

	mu     sync.Mutex
	link   link
	chunks [][]byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newPipeTransport(open opener, opts *options) *pipeTransport {
	return &pipeTransport{
		open:        open,
		logger:      opts.logger,
		bufferSize:  opts.bufferSize,
		idleTimeout: opts.idleTimeout,
		linger:      opts.linger,
		sendMsg:     make(chan []byte, opts.bufferSize),
		ended:       make(chan struct{}),
	}
}

func (t *pipeTransport) Connect(ctx context.Context, addr string, events TransportEvents) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx, cancel, addr, events)
}

func (t *pipeTransport) run(ctx context.Context, cancel context.CancelFunc, addr string, events TransportEvents) {
	defer cancel()

	l, err := t.open(ctx, addr)
	if err != nil {
		t.closed.Store(true)
		events.Closed(errors.Wrapf(err, "connect %s", addr))
		return
	}

	t.mu.Lock()
	t.link = l
	t.ctx = ctx
	t.mu.Unlock()

	select {
	case <-t.ended:
		t.closed.Store(true)
		_ = l.close()
		events.Closed(nil)
		return
	default:
	}

	events.Connected()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return t.readLoop(l, events)
	})

	group.Go(func() error {
		return t.writeLoop(child, l)
	})

	group.Go(func() error {
		<-child.Done()
		return l.close()
	})

	err = group.Wait()
	t.closed.Store(true)

	if errors.Is(err, errEnded) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if err != nil {
		t.logger.Debug("transport closed with error", "addr", addr, "error", err)
	}
	events.Closed(err)
}

// readLoop queues every chunk read from the link and announces it.
func (t *pipeTransport) readLoop(l link, events TransportEvents) error {
	for {
		if t.idleTimeout > 0 {
			_ = l.setReadDeadline(time.Now().Add(t.idleTimeout))
		}

		chunk, err := l.readChunk()
		if len(chunk) > 0 {
			t.mu.Lock()
			t.chunks = append(t.chunks, chunk)
			t.mu.Unlock()
			events.Readable()
		}
		if err != nil {
			return err
		}
	}
}

// writeLoop sends queued payloads until the context is canceled or End is called.
// Payloads already queued when End is called are still written.
func (t *pipeTransport) writeLoop(ctx context.Context, l link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-t.sendMsg:
			if err := l.writeChunk(data); err != nil {
				return errors.Wrap(err, "write")
			}
		case <-t.ended:
			for {
				select {
				case data := <-t.sendMsg:
					if err := l.writeChunk(data); err != nil {
						return errors.Wrap(err, "write")
					}
				default:
					_ = l.closeWrite()
					return errEnded
				}
			}
		}
	}
}

func (t *pipeTransport) Read() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.chunks) == 0 {
		return nil
	}
	chunk := t.chunks[0]
	t.chunks[0] = nil
	t.chunks = t.chunks[1:]
	return chunk
}

// Write blocks while the write channel is full, until the connection ends.
func (t *pipeTransport) Write(p []byte) error {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if ctx == nil || t.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case t.sendMsg <- p:
		return nil
	case <-t.ended:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ErrConnectionClosed
	}
}

// End flushes payloads already queued and closes the connection. The flush
// gives up after the linger period if the peer stops reading.
// A connection attempt still in progress is abandoned.
func (t *pipeTransport) End() error {
	t.endOnce.Do(func() {
		close(t.ended)

		t.mu.Lock()
		defer t.mu.Unlock()

		switch {
		case t.link != nil:
			_ = t.link.setWriteDeadline(time.Now().Add(t.linger))
		case t.cancel != nil:
			t.cancel()
		}
	})
	return nil
}

// RemoteAddr returns the peer address once connected.
func (t *pipeTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return nil
	}
	return t.link.remoteAddr()
}
