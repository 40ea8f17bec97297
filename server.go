package socket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/soheilhy/cmux"
	"github.com/xtaci/kcp-go"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Handler is the interface for handling accepted peers.
// Each peer arrives as a Socket that is already connecting; the handler owns
// it and must Close it. Messages parsed before the handler subscribes are
// kept in the pull buffer for Read and Recv.
type Handler interface {
	Handle(s *Socket)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(s *Socket)

// Handle calls f(s).
func (f HandlerFunc) Handle(s *Socket) {
	f(s)
}

// Server accepts peers on one TCP port and frames each one with a Socket.
// Plain TCP peers and WebSocket clients share the port; HAProxy PROXY protocol
// headers are honored when present.
type Server struct {
	listener        net.Listener
	kcpListener     net.Listener
	kcpAddr         string
	logger          Logger
	shutdownTimeout time.Duration
	socketOpts      []Option
	upgrader        websocket.Upgrader
	websocketPath   string

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	closed      chan struct{}
	closeOnce   sync.Once
	accepted    atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
//
// Note: This only delays listener closure. Sockets already handed to the
// Handler are owned by it and are not closed by the server.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerSocketOptions sets the options applied to every accepted Socket,
// typically the splitter and decoding mode.
func ServerSocketOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.socketOpts = append(s.socketOpts, opts...)
	}
}

// ServerWebSocketPath sets the HTTP path WebSocket clients upgrade on. Default is "/".
func ServerWebSocketPath(path string) ServerOption {
	return func(s *Server) {
		s.websocketPath = path
	}
}

// ServerKCPAddr also accepts KCP sessions on the UDP address addr.
// KCP peers are raw streams; they are framed like plain TCP peers.
func ServerKCPAddr(addr string) ServerOption {
	return func(s *Server) {
		s.kcpAddr = addr
	}
}

// NewServer creates a server bound to the specified address.
// Returns an error if the address cannot be bound.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:      &proxyproto.Listener{Listener: listener},
		logger:        defaultLogger(),
		shutdownNow:   make(chan struct{}),
		closed:        make(chan struct{}),
		websocketPath: "/",
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.kcpAddr != "" {
		s.kcpListener, err = kcp.Listen(s.kcpAddr)
		if err != nil {
			_ = listener.Close()
			return nil, errors.Wrapf(err, "listen kcp %s", s.kcpAddr)
		}
	}

	return s, nil
}

// Serve starts accepting peers and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration after cancellation before stopping. Call Close() to bypass the
// timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	mux := cmux.New(s.listener)
	mux.SetReadTimeout(5 * time.Second)
	wsListener := mux.Match(cmux.HTTP1Fast())
	tcpListener := mux.Match(cmux.Any())

	httpServer := &http.Server{
		Handler:           s.websocketHandler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.acceptLoop(tcpListener, handler)
	})

	group.Go(func() error {
		err := httpServer.Serve(wsListener)
		if s.isShutdown() {
			return nil
		}
		return err
	})

	group.Go(func() error {
		err := mux.Serve()
		if s.isShutdown() || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, cmux.ErrServerClosed) {
			return nil
		}
		return err
	})

	if s.kcpListener != nil {
		s.logger.Info("kcp listener started", "addr", s.kcpListener.Addr())
		group.Go(func() error {
			return s.acceptLoop(s.kcpListener, handler)
		})
	}

	group.Go(func() error {
		select {
		case <-child.Done():
		case <-s.closed:
		}

		if ctx.Err() != nil && s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-s.closed:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.markShutdown()
		_ = httpServer.Close()
		_ = s.listener.Close()
		if s.kcpListener != nil {
			_ = s.kcpListener.Close()
		}
		return nil
	})

	err := group.Wait()
	s.logger.Info("server stopped", "addr", s.listener.Addr(), "accepted", s.accepted.Load())

	if err != nil {
		return err
	}
	return ctx.Err()
}

// acceptLoop hands every raw stream connection to the handler.
func (s *Server) acceptLoop(ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		opts := transportOptions(s.socketOpts)
		s.dispatch(newConnLink(conn, opts.readSize), conn.RemoteAddr(), handler)
	}
}

func (s *Server) websocketHandler(handler Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.websocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		s.logger.Debug("accepted websocket", "remote_addr", conn.RemoteAddr())

		opts := transportOptions(s.socketOpts)
		s.dispatch(newWSLink(conn, opts.raw), conn.RemoteAddr(), handler)
	})
	return mux
}

// dispatch wraps an accepted link in a Socket and passes it to the handler.
func (s *Server) dispatch(l link, remote net.Addr, handler Handler) {
	opts := append([]Option{LoggerOption(s.logger)}, s.socketOpts...)
	opts = append(opts, TransportOption(acceptedTransport(l, opts)))

	sock, err := New(remote.String(), opts...)
	if err != nil {
		s.logger.Error("socket setup failed", "remote_addr", remote, "error", err)
		_ = l.close()
		return
	}

	s.accepted.Inc()
	_ = sock.Connect()
	go handler.Handle(sock)
}

// acceptedTransport serves an already connected link once. An accepted peer
// cannot be redialed, so later connection attempts fail.
func acceptedTransport(l link, opt []Option) TransportFunc {
	opts := transportOptions(opt)
	var used atomic.Bool

	return func() Transport {
		return newPipeTransport(func(ctx context.Context, addr string) (link, error) {
			if used.Swap(true) {
				return nil, ErrConnectionClosed
			}
			return l, nil
		}, opts)
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.markShutdown()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		if s.kcpListener != nil {
			_ = s.kcpListener.Close()
		}
	})
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// KCPAddr returns the KCP listener's address, or nil without ServerKCPAddr.
func (s *Server) KCPAddr() net.Addr {
	if s.kcpListener == nil {
		return nil
	}
	return s.kcpListener.Addr()
}

func (s *Server) markShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
