package socket

import (
	"context"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go"
)

// defaultReadSize is the size of the buffer each read from a stream connection fills.
const defaultReadSize = 32 * 1024

// Dialer opens a stream connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DialTCP connects over TCP with Nagle's algorithm disabled.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// DialUnix connects to a Unix domain socket at the path addr.
func DialUnix(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}

// DialKCP opens a KCP session, a reliable ordered stream over UDP.
func DialKCP(ctx context.Context, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return kcp.Dial(addr)
}

// NewStreamTransport returns a TransportFunc that dials with d for every
// connection attempt. Only the transport related options are used:
// BufferSizeOption, ReadSizeOption, IdleTimeoutOption, ProxyHeaderOption
// and LoggerOption.
func NewStreamTransport(d Dialer, opt ...Option) TransportFunc {
	opts := transportOptions(opt)
	return func() Transport {
		return newPipeTransport(streamOpener(d, opts), opts)
	}
}

func streamOpener(d Dialer, opts *options) opener {
	return func(ctx context.Context, addr string) (link, error) {
		conn, err := d(ctx, addr)
		if err != nil {
			return nil, err
		}

		if opts.proxyVersion > 0 {
			header := proxyproto.HeaderProxyFromAddrs(opts.proxyVersion, conn.LocalAddr(), conn.RemoteAddr())
			if _, err = header.WriteTo(conn); err != nil {
				_ = conn.Close()
				return nil, errors.Wrap(err, "write proxy header")
			}
		}

		return newConnLink(conn, opts.readSize), nil
	}
}

// connLink adapts a net.Conn to link.
type connLink struct {
	conn net.Conn
	buf  []byte
}

func newConnLink(conn net.Conn, readSize int) *connLink {
	if readSize <= 0 {
		readSize = defaultReadSize
	}
	return &connLink{conn: conn, buf: make([]byte, readSize)}
}

func (c *connLink) readChunk() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n == 0 {
		return nil, err
	}
	chunk := make([]byte, n)
	copy(chunk, c.buf[:n])
	return chunk, err
}

func (c *connLink) writeChunk(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *connLink) setReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *connLink) setWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *connLink) closeWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *connLink) close() error {
	return c.conn.Close()
}

func (c *connLink) remoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
