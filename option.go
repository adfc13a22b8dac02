package switchboard

import (
	"time"

	"github.com/Zereker/switchboard/ack"
	"github.com/Zereker/switchboard/codec"
	"github.com/Zereker/switchboard/transport"
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of a connection's send queue.
	defaultBufferSize = 16
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = codec.DefaultMaxSize
	// defaultReceiveTimeout is how often a blocked datagram read wakes up.
	defaultReceiveTimeout = time.Second
)

// options holds the configuration shared by Server, Conn and Client.
type options struct {
	codec  codec.Codec
	logger Logger

	bufferSize    int           // size of a connection's send queue
	maxReadLength int           // maximum size of a single message
	heartbeat     time.Duration // stream read/write deadline is heartbeat * 2, zero disables it

	ackTimeout     time.Duration // resend interval of reliable datagrams
	receiveTimeout time.Duration // datagram poll interval, unrelated to ackTimeout
	dialTimeout    time.Duration

	datagramAddr string         // server: UDP listen address, client: server UDP address
	streamKind   transport.Kind // client stream variant

	shutdownTimeout time.Duration
}

// Option is a function that configures a Server or a Client.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// Defaults to a JSON codec limited to the maximum message size.
func CustomCodecOption(codec codec.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// BufferSizeOption returns an Option that sets the size of the send queue of
// each server-side connection. A larger buffer allows more messages to be
// queued before Write returns ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// A stream peer silent for heartbeat * 2 is disconnected.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum message size.
// Messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// AckTimeoutOption returns an Option that sets how long a reliable datagram
// waits for its acknowledgement before it is sent again.
func AckTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.ackTimeout = timeout
	}
}

// ReceiveTimeoutOption returns an Option that sets how often a blocked
// datagram read wakes up to observe closure.
func ReceiveTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = timeout
	}
}

// DialTimeoutOption returns an Option that bounds a client's connect.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// DatagramOption returns an Option that enables the datagram transport.
// On a Server addr is the UDP address to listen on, on a Client it is the
// server's UDP address.
func DatagramOption(addr string) Option {
	return func(o *options) {
		o.datagramAddr = addr
	}
}

// StreamKindOption returns an Option that selects the stream transport of a
// Client: transport.KindStream (TCP, the default) or transport.KindWebSocket.
func StreamKindOption(kind transport.Kind) Option {
	return func(o *options) {
		o.streamKind = kind
	}
}

// ShutdownTimeoutOption sets the graceful shutdown timeout of a Server.
// When the context passed to Start is canceled, the server waits up to this
// duration before closing. Close bypasses the remaining timeout.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// buildOptions applies opts and fills defaults.
func buildOptions(opts []Option) options {
	o := options{streamKind: transport.KindStream}
	for _, opt := range opts {
		opt(&o)
	}

	if o.bufferSize <= 0 {
		o.bufferSize = defaultBufferSize
	}
	if o.maxReadLength <= 0 {
		o.maxReadLength = defaultMaxPackageLength
	}
	if o.codec == nil {
		o.codec = codec.NewJSON(codec.MaxSizeOption(o.maxReadLength))
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.ackTimeout <= 0 {
		o.ackTimeout = ack.DefaultTimeout
	}
	if o.receiveTimeout <= 0 {
		o.receiveTimeout = defaultReceiveTimeout
	}
	return o
}

// idleTimeout is the stream read/write deadline derived from the heartbeat.
func (o *options) idleTimeout() time.Duration {
	return o.heartbeat * 2
}

// transportOptions converts the options into transport options.
func (o *options) transportOptions() []transport.Option {
	topts := []transport.Option{
		transport.CodecOption(o.codec),
		transport.LoggerOption(o.logger),
		transport.IdleTimeoutOption(o.idleTimeout()),
		transport.ReceiveTimeoutOption(o.receiveTimeout),
		transport.MaxReadLengthOption(o.maxReadLength),
	}
	if o.dialTimeout > 0 {
		topts = append(topts, transport.DialTimeoutOption(o.dialTimeout))
	}
	return topts
}
