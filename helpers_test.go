package socket

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeNetwork hands out scripted transports and records every write.
type fakeNetwork struct {
	mu         sync.Mutex
	transports []*fakeTransport

	connectCh chan *fakeTransport
	writes    chan string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		connectCh: make(chan *fakeTransport, 16),
		writes:    make(chan string, 256),
	}
}

func (n *fakeNetwork) factory() TransportFunc {
	return func() Transport {
		return &fakeTransport{net: n}
	}
}

func (n *fakeNetwork) connects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

// waitConnect returns the next transport whose Connect was called.
func (n *fakeNetwork) waitConnect(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-n.connectCh:
		return tr
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for connect")
		return nil
	}
}

// waitWrites collects exactly count writes.
func (n *fakeNetwork) waitWrites(t *testing.T, count int) []string {
	t.Helper()
	var got []string
	for len(got) < count {
		select {
		case w := <-n.writes:
			got = append(got, w)
		case <-time.After(waitTimeout):
			t.Fatalf("timeout waiting for writes, got %q", got)
		}
	}
	return got
}

// fakeTransport is driven by the test: it connects, receives chunks and
// closes only when told to.
type fakeTransport struct {
	net *fakeNetwork

	mu     sync.Mutex
	events TransportEvents
	chunks [][]byte
	ended  bool
}

func (f *fakeTransport) Connect(_ context.Context, _ string, events TransportEvents) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()

	f.net.mu.Lock()
	f.net.transports = append(f.net.transports, f)
	f.net.mu.Unlock()

	f.net.connectCh <- f
}

func (f *fakeTransport) Read() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.chunks) == 0 {
		return nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	ended := f.ended
	f.mu.Unlock()

	if ended {
		return ErrConnectionClosed
	}
	f.net.writes <- string(p)
	return nil
}

func (f *fakeTransport) End() error {
	f.mu.Lock()
	f.ended = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isEnded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeTransport) connected() {
	f.events.Connected()
}

func (f *fakeTransport) feed(chunks ...string) {
	for _, c := range chunks {
		f.mu.Lock()
		f.chunks = append(f.chunks, []byte(c))
		f.mu.Unlock()
		f.events.Readable()
	}
}

func (f *fakeTransport) closed(err error) {
	f.events.Closed(err)
}

// newFakeSocket returns a socket on a fake network with the given options.
func newFakeSocket(t *testing.T, opt ...Option) (*Socket, *fakeNetwork) {
	t.Helper()

	n := newFakeNetwork()
	opts := append([]Option{TransportOption(n.factory()), LoggerOption(&mockLogger{})}, opt...)
	s, err := New("peer:1", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, n
}

// connectedSocket returns a socket whose fake transport is already established.
func connectedSocket(t *testing.T, opt ...Option) (*Socket, *fakeTransport, *fakeNetwork) {
	t.Helper()

	s, n := newFakeSocket(t, opt...)
	require.NoError(t, s.Connect())
	tr := n.waitConnect(t)
	tr.connected()
	require.Eventually(t, s.Connected, waitTimeout, time.Millisecond)
	return s, tr, n
}

// collector records what an observer receives.
type collector struct {
	mu        sync.Mutex
	messages  []string
	err       error
	completed bool
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) observer() Observer {
	return Observer{
		Next: func(m Message) {
			c.mu.Lock()
			c.messages = append(c.messages, m.String())
			c.mu.Unlock()
		},
		Error: func(err error) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		},
		Complete: func() {
			c.mu.Lock()
			c.completed = true
			c.mu.Unlock()
		},
	}
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *collector) waitMessages(t *testing.T, count int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= count
	}, waitTimeout, time.Millisecond)
	return c.snapshot()
}

func (c *collector) error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *collector) isCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

func recvN(t *testing.T, s *Socket, count int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var got []string
	for i := 0; i < count; i++ {
		m, err := s.Recv(ctx)
		require.NoError(t, err)
		got = append(got, m.String())
	}
	return got
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err)

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}
