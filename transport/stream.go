package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/codec"
	"github.com/Zereker/switchboard/message"
)

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, codec.ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new message.
// Only remaining is reset because the underlying bufio.Reader keeps its own
// buffer and continues from where the previous message ended.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Stream is a TCP transport. Messages are framed by the codec and decoded
// one per Receive, in send order.
type Stream struct {
	addr string
	opts options

	conn          net.Conn
	reader        *bufio.Reader
	limitedReader *limitedReader

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewStream returns an unconnected stream transport to addr.
func NewStream(addr string, opts ...Option) *Stream {
	return &Stream{addr: addr, opts: buildOptions(opts)}
}

// WrapStream returns a connected stream transport over an accepted conn.
func WrapStream(conn net.Conn, opts ...Option) *Stream {
	s := &Stream{opts: buildOptions(opts)}
	s.attach(conn)
	return s
}

func (s *Stream) attach(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.conn = conn
	s.addr = conn.RemoteAddr().String()
	s.reader = bufio.NewReader(conn)
	s.limitedReader = newLimitedReader(s.reader, s.limit())
}

// limit is the byte budget of one frame including its length prefix.
func (s *Stream) limit() int64 {
	return int64(s.opts.maxReadLength) + 4
}

// Connect dials the server.
func (s *Stream) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: s.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "dial stream %s", s.addr)
	}

	s.attach(conn)
	return nil
}

// Send encodes m and writes it as one frame.
func (s *Stream) Send(m *message.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.conn == nil {
		return ErrNotConnected
	}

	frame, err := s.opts.codec.Encode(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.idleTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.idleTimeout))
	}
	if _, err = s.conn.Write(frame); err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		return errors.Wrap(err, "write stream")
	}
	return nil
}

// Receive decodes the next message. End of stream is reported as io.EOF.
func (s *Stream) Receive() (*message.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	if s.opts.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
	}

	// Reset the limit for each message
	s.limitedReader.reset(s.limit())

	m, err := s.opts.codec.Decode(s.limitedReader)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return m, nil
}

// IsClosed returns true if the transport has been closed.
func (s *Stream) IsClosed() bool {
	return s.closed.Load()
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Kind returns KindStream.
func (s *Stream) Kind() Kind {
	return KindStream
}

// RemoteAddr returns the peer address, or nil before Connect.
func (s *Stream) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}
