package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/message"
)

// closeGracePeriod bounds the close handshake written by Close.
const closeGracePeriod = time.Second

// Upgrader upgrades HTTP requests for WebSocket stream transports.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket is a stream transport carrying one message per binary frame.
type WebSocket struct {
	url  string
	opts options

	conn *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWebSocket returns an unconnected WebSocket transport to url
// (ws://host:port/path).
func NewWebSocket(url string, opts ...Option) *WebSocket {
	return &WebSocket{url: url, opts: buildOptions(opts)}
}

// WrapWebSocket returns a connected transport over an upgraded conn.
func WrapWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	w := &WebSocket{opts: buildOptions(opts)}
	w.attach(conn)
	return w
}

func (w *WebSocket) attach(conn *websocket.Conn) {
	conn.SetReadLimit(int64(w.opts.maxReadLength))
	w.conn = conn
	w.url = conn.RemoteAddr().String()
}

// Connect performs the WebSocket handshake.
func (w *WebSocket) Connect(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opts.dialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial websocket %s", w.url)
	}

	w.attach(conn)
	return nil
}

// Send writes m as one binary frame.
func (w *WebSocket) Send(m *message.Message) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.conn == nil {
		return ErrNotConnected
	}

	data, err := w.opts.codec.Marshal(m)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.opts.idleTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.opts.idleTimeout))
	}
	if err = w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if w.closed.Load() {
			return ErrClosed
		}
		return errors.Wrap(err, "write websocket")
	}
	return nil
}

// Receive reads and decodes the next frame. A close frame from the peer is
// reported as io.EOF.
func (w *WebSocket) Receive() (*message.Message, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if w.conn == nil {
		return nil, ErrNotConnected
	}

	if w.opts.idleTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.idleTimeout))
	}

	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if w.closed.Load() {
			return nil, ErrClosed
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}

	return w.opts.codec.Unmarshal(data)
}

// IsClosed returns true if the transport has been closed.
func (w *WebSocket) IsClosed() bool {
	return w.closed.Load()
}

// Close sends a close frame and closes the connection. Safe to call
// multiple times.
func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if w.conn == nil {
		return nil
	}

	// WriteControl may run concurrently with a pending WriteMessage
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))

	return w.conn.Close()
}

// Kind returns KindWebSocket.
func (w *WebSocket) Kind() Kind {
	return KindWebSocket
}

// RemoteAddr returns the peer address, or nil before Connect.
func (w *WebSocket) RemoteAddr() net.Addr {
	if w.conn == nil {
		return nil
	}
	return w.conn.RemoteAddr()
}
