// Package switchboard is a client-server messaging substrate. A Server
// accepts stream connections, assigns each a session id and routes messages
// between clients and an application Protocol; a Client holds a stream
// transport, a datagram transport or both to one server. Datagrams can be
// sent with at-least-once delivery through an acknowledgement protocol.
package switchboard

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/switchboard/codec"
	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send queue is full and cannot accept more messages.
// This error indicates backpressure - the client is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for queue space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Conn is the server's handle on one client session. It wraps a stream
// transport, reads messages in order and stamps them with the session id,
// and serializes outbound messages through a send queue.
type Conn struct {
	id        message.SessionID
	transport transport.Transport
	addr      net.Addr
	logger    Logger

	opts *options

	onMessage func(*message.Message)

	sendMsg   chan *message.Message
	ready     syncx.DoneChan // closed once reads may start
	done      syncx.DoneChan // closed by Close
	readyOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

// newConn creates a connection for session id over an opened transport.
func newConn(id message.SessionID, tr transport.Transport, addr net.Addr, opts *options, onMessage func(*message.Message)) *Conn {
	return &Conn{
		id:        id,
		transport: tr,
		addr:      addr,
		logger:    opts.logger,
		opts:      opts,
		onMessage: onMessage,
		sendMsg:   make(chan *message.Message, opts.bufferSize),
		ready:     syncx.NewDoneChan(),
		done:      syncx.NewDoneChan(),
	}
}

// SessionID returns the session id assigned to the client.
func (c *Conn) SessionID() message.SessionID {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.addr
}

// start releases the read loop. Messages are not read before start so that
// the connect callback always precedes the first ReceiveMessage.
func (c *Conn) start() {
	c.readyOnce.Do(c.ready.SetDone)
}

// Run starts the connection's read and write loops and blocks until the
// peer goes away, Close is called or ctx is canceled. The write loop starts
// at once; the read loop waits for start. The transport is closed when Run
// returns. End of stream and local closure are not reported as errors.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Debug("connection options", "session", c.id, "addr", c.addr,
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// closing the transport is what unblocks a pending Receive
	group.Go(func() error {
		select {
		case <-child.Done():
			c.closeTransport()
			return nil
		case <-c.done:
			c.closeTransport()
			return ErrConnectionClosed
		}
	})

	err := group.Wait()
	c.closed.Store(true)
	c.closeOnce.Do(c.done.SetDone)

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed", "session", c.id, "addr", c.addr)
		return nil
	}

	c.logger.Info("connection closed with error", "session", c.id, "addr", c.addr, "error", err)
	return err
}

// Close closes the connection. Safe to call multiple times and from any
// goroutine; a running Run returns shortly after.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.closeOnce.Do(c.done.SetDone)
	return c.closeTransport()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) closeTransport() error {
	err := c.transport.Close()
	if err != nil {
		c.logger.Debug("close transport", "session", c.id, "error", err)
	}
	return err
}

// Write queues a message without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send queue is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//
// For guaranteed queueing, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(m *message.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- m:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room, the
// connection closes or ctx is done.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteBlocking(ctx context.Context, m *message.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- m:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for room.
//
// Returns:
//   - nil: message was successfully queued
//   - ErrBufferFull: timeout expired before message could be queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteTimeout(m *message.Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- m:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// readLoop decodes messages in order, stamps their source and hands them to
// onMessage. Any read error ends the loop: a stream that failed to decode
// cannot be resynchronized.
func (c *Conn) readLoop(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		m, err := c.transport.Receive()
		if err != nil {
			c.logger.Debug("read error", "session", c.id, "addr", c.addr, "error", err)
			return err
		}

		if m.Kind != message.KindApplication {
			c.logger.Debug("ignoring message", "session", c.id, "kind", m.Kind)
			continue
		}

		if err = m.AssignSource(c.id); err != nil {
			c.logger.Warn("discarding message with forged source",
				"session", c.id, "source", m.Source())
			continue
		}
		m.Token = ""

		c.onMessage(m)
	}
}

// writeLoop sends queued messages until the context is canceled. A message
// the codec rejects is dropped; any other send error ends the loop.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.sendMsg:
			if err := c.write(m); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(m *message.Message) error {
	err := c.transport.Send(m)
	if err == nil {
		return nil
	}

	if errors.Is(err, codec.ErrMessageTooLarge) || errors.Is(err, codec.ErrMalformed) {
		c.logger.Warn("dropping unencodable message", "session", c.id, "error", err)
		return nil
	}

	c.logger.Debug("write error", "session", c.id, "addr", c.addr, "error", err)
	return err
}
