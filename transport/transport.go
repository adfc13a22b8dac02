// Package transport abstracts the channels a client holds to a server: an
// ordered stream (TCP or WebSocket) and a connectionless datagram socket
// (UDP). All variants expose the same capability set so a client can hold
// zero, one or two of them uniformly.
package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/codec"
	"github.com/Zereker/switchboard/message"
)

// Errors returned by transports.
var (
	// ErrClosed is returned when operating on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned when sending or receiving before Connect.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("transport already connected")
	// ErrUnsupportedKind is returned by New for an unknown kind.
	ErrUnsupportedKind = errors.New("unsupported transport kind")
)

// Transport is one channel to a peer.
type Transport interface {
	// Connect opens the channel.
	Connect(ctx context.Context) error
	// Send encodes and writes one message. Safe for concurrent use.
	Send(m *message.Message) error
	// Receive blocks until one message is decoded. It returns ErrClosed
	// once the transport has been closed locally.
	Receive() (*message.Message, error)
	// IsClosed reports whether Close has been called.
	IsClosed() bool
	// Close releases the channel. Safe to call multiple times.
	Close() error
	// Kind returns the transport variant.
	Kind() Kind
}

// Kind selects a transport variant.
type Kind int

const (
	// KindStream is a TCP byte stream.
	KindStream Kind = iota
	// KindDatagram is a UDP socket.
	KindDatagram
	// KindWebSocket is a WebSocket stream.
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// IsStream reports whether the kind is ordered and connection oriented.
func (k Kind) IsStream() bool {
	return k == KindStream || k == KindWebSocket
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindStream, KindDatagram, KindWebSocket} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedKind, "%q", s)
}

// New creates an unconnected transport of the given kind. addr is a
// host:port for stream and datagram, a ws:// URL for WebSocket.
func New(kind Kind, addr string, opts ...Option) (Transport, error) {
	switch kind {
	case KindStream:
		return NewStream(addr, opts...), nil
	case KindDatagram:
		return NewDatagram(addr, opts...), nil
	case KindWebSocket:
		return NewWebSocket(addr, opts...), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedKind, "%d", kind)
	}
}

// Logger is the subset of the switchboard logger used by transports.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Default configuration values.
const (
	// defaultDialTimeout bounds Connect when the context has no deadline.
	defaultDialTimeout = 10 * time.Second
	// defaultReceiveTimeout is how often a datagram receive wakes up to
	// observe closure.
	defaultReceiveTimeout = time.Second
	// maxDatagramSize is the receive buffer of one datagram.
	maxDatagramSize = 65535
)

type options struct {
	codec  codec.Codec
	logger Logger

	dialTimeout    time.Duration
	idleTimeout    time.Duration // stream read deadline, zero disables it
	receiveTimeout time.Duration // datagram poll interval
	maxReadLength  int
}

// Option configures a transport.
type Option func(*options)

// CodecOption sets the message codec. Defaults to codec.NewJSON().
func CodecOption(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// LoggerOption sets the logger. Defaults to slog.Default().
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// DialTimeoutOption bounds Connect.
func DialTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// IdleTimeoutOption sets the read deadline of stream transports. A peer that
// stays silent longer is treated as gone.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// ReceiveTimeoutOption sets how often a blocked datagram receive wakes up to
// check for closure. It is unrelated to the acknowledgement timeout.
func ReceiveTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = d
	}
}

// MaxReadLengthOption bounds the bytes consumed by one stream message.
func MaxReadLengthOption(n int) Option {
	return func(o *options) {
		o.maxReadLength = n
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.codec == nil {
		o.codec = codec.NewJSON()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dialTimeout <= 0 {
		o.dialTimeout = defaultDialTimeout
	}
	if o.receiveTimeout <= 0 {
		o.receiveTimeout = defaultReceiveTimeout
	}
	if o.maxReadLength <= 0 {
		o.maxReadLength = codec.DefaultMaxSize
	}
	return o
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
