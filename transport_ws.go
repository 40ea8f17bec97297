package socket

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// NewWebSocketTransport returns a TransportFunc that connects to a ws:// or
// wss:// URL. Every received WebSocket message is one inbound chunk; frame
// boundaries carry no meaning to the splitter. Outgoing payloads are sent as
// text messages in text mode and binary messages with RawBytesOption.
// A nil dialer uses websocket.DefaultDialer.
func NewWebSocketTransport(d *websocket.Dialer, header http.Header, opt ...Option) TransportFunc {
	if d == nil {
		d = websocket.DefaultDialer
	}
	opts := transportOptions(opt)
	return func() Transport {
		return newPipeTransport(wsOpener(d, header, opts), opts)
	}
}

func wsOpener(d *websocket.Dialer, header http.Header, opts *options) opener {
	return func(ctx context.Context, addr string) (link, error) {
		conn, resp, err := d.DialContext(ctx, addr, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSLink(conn, opts.raw), nil
	}
}

// wsLink adapts a *websocket.Conn to link.
type wsLink struct {
	conn        *websocket.Conn
	messageType int
}

func newWSLink(conn *websocket.Conn, raw bool) *wsLink {
	mt := websocket.TextMessage
	if raw {
		mt = websocket.BinaryMessage
	}
	return &wsLink{conn: conn, messageType: mt}
}

func (w *wsLink) readChunk() ([]byte, error) {
	_, p, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return p, nil
}

func (w *wsLink) writeChunk(p []byte) error {
	return w.conn.WriteMessage(w.messageType, p)
}

func (w *wsLink) setReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsLink) setWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsLink) closeWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return errors.Wrap(err, "websocket close")
}

func (w *wsLink) close() error {
	return w.conn.Close()
}

func (w *wsLink) remoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}
