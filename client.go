package switchboard

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"

	"github.com/Zereker/switchboard/ack"
	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// Errors returned by Client.
var (
	// ErrNotConnected is returned when the client is not in StateConnected.
	ErrNotConnected = errors.New("client not connected")
	// ErrAlreadyConnected is returned by Connect on a connecting or connected client.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrNoSession is returned when no session id has been assigned.
	ErrNoSession = errors.New("no session assigned")
	// ErrNoTransport is returned by Connect when neither a stream address
	// nor a datagram address is configured.
	ErrNoTransport = errors.New("no transport configured")
)

// State is the lifecycle state of a Client.
type State int

const (
	// StateUnconnected is the initial state, and the state after a failed Connect.
	StateUnconnected State = iota
	// StateConnecting lasts while Connect opens the transports.
	StateConnecting
	// StateConnected is entered once every configured transport is open.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client holds a stream transport, a datagram transport or both to one
// server. Inbound messages are pushed to the ClientProtocol by one listener
// goroutine per transport.
type Client struct {
	addr     string
	protocol ClientProtocol
	opts     options
	logger   Logger
	tracker  *ack.Tracker

	mu       sync.Mutex
	state    State
	id       message.SessionID
	token    string
	stream   transport.Transport
	datagram *transport.Datagram
	notified bool // OnClientConnect has returned
	// abort cancels the Connect in progress, if any.
	abort context.CancelFunc

	done           syncx.DoneChan
	disconnectOnce sync.Once
}

// NewClient creates a client for the server's stream address addr (a
// host:port, or a ws:// URL with StreamKindOption(transport.KindWebSocket)).
// An empty addr makes a datagram-only client; see DatagramOption.
func NewClient(addr string, protocol ClientProtocol, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		protocol: protocol,
		opts:     buildOptions(opts),
		done:     syncx.NewDoneChan(),
	}
	c.logger = c.opts.logger
	c.tracker = ack.NewTracker(c.opts.ackTimeout, c.logger)
	return c
}

// Connect opens the configured transports. With a stream transport it
// blocks until the server's session assignment arrives. On success
// OnClientConnect fires and the listeners start. On failure every opened
// transport is released and the client returns to StateUnconnected.
// Close during Connect aborts it with ErrClientClosed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.abort = cancel
	c.mu.Unlock()

	stream, datagram, id, token, err := c.open(ctx)

	c.mu.Lock()
	c.abort = nil
	if c.state == StateClosed {
		err = ErrClientClosed
	}
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateUnconnected
		}
		c.mu.Unlock()

		_ = c.closeTransports(stream, datagram)
		c.logger.Warn("connect failed", "addr", c.addr, "datagram_addr", c.opts.datagramAddr, "error", err)
		return err
	}
	c.state = StateConnected
	c.id = id
	c.token = token
	c.stream = stream
	c.datagram = datagram
	c.mu.Unlock()

	c.logger.Info("connected", "addr", c.addr, "datagram_addr", c.opts.datagramAddr, "session", id)
	c.protocol.OnClientConnect(c, id)

	c.mu.Lock()
	c.notified = true
	closed := c.state == StateClosed
	c.mu.Unlock()

	// Close ran during OnClientConnect and left the disconnect to us
	if closed {
		c.fireDisconnect(id)
		return nil
	}

	if stream != nil {
		go c.streamListener(stream)
	}
	if datagram != nil {
		go c.datagramListener(datagram)
	}
	return nil
}

// open connects the configured transports and reads the session assignment.
// Whatever was opened is returned even on error.
func (c *Client) open(ctx context.Context) (stream transport.Transport, datagram *transport.Datagram, id message.SessionID, token string, err error) {
	if c.addr == "" && c.opts.datagramAddr == "" {
		return nil, nil, message.Nil, "", ErrNoTransport
	}

	topts := c.opts.transportOptions()

	if c.addr != "" {
		if !c.opts.streamKind.IsStream() {
			return nil, nil, message.Nil, "", errors.Wrapf(transport.ErrUnsupportedKind, "stream %s", c.opts.streamKind)
		}
		if stream, err = transport.New(c.opts.streamKind, c.addr, topts...); err != nil {
			return nil, nil, message.Nil, "", err
		}
		if err = stream.Connect(ctx); err != nil {
			return stream, nil, message.Nil, "", err
		}
		if id, token, err = awaitSession(ctx, stream); err != nil {
			return stream, nil, message.Nil, "", err
		}
	}

	if c.opts.datagramAddr != "" {
		datagram = transport.NewDatagram(c.opts.datagramAddr, topts...)
		if err = datagram.Connect(ctx); err != nil {
			return stream, datagram, id, token, err
		}
	}

	return stream, datagram, id, token, nil
}

// awaitSession reads the first stream message, which must be the session
// assignment, and returns the session id and datagram token it carries.
// Canceling ctx closes the transport to unblock the read.
func awaitSession(ctx context.Context, tr transport.Transport) (message.SessionID, string, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = tr.Close()
	})
	defer stop()

	m, err := tr.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return message.Nil, "", ctx.Err()
		}
		return message.Nil, "", errors.Wrap(err, "await session assignment")
	}

	id, err := m.SessionAssignment()
	if err != nil {
		return message.Nil, "", errors.Wrapf(ErrNoSession, "first message is %s", m.Kind)
	}
	return id, m.Token, nil
}

func (c *Client) streamListener(tr transport.Transport) {
	for {
		m, err := tr.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				c.logger.Info("stream closed", "addr", c.addr, "error", err)
			}
			_ = c.Close()
			return
		}

		if m.Kind != message.KindApplication {
			c.logger.Debug("ignoring message", "kind", m.Kind)
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) datagramListener(d *transport.Datagram) {
	for {
		m, err := d.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				c.logger.Warn("datagram read error", "addr", c.opts.datagramAddr, "error", err)
				_ = c.Close()
			}
			return
		}

		switch m.Kind {
		case message.KindAck:
			if !c.tracker.Acknowledge(m.Correlation) {
				c.logger.Debug("ignoring unknown ack", "correlation", m.Correlation)
			}
			continue
		case message.KindApplication:
		default:
			c.logger.Debug("ignoring datagram", "kind", m.Kind)
			continue
		}

		if reply := ack.Reply(m); reply != nil {
			if err = d.Send(reply); err != nil {
				c.logger.Warn("ack failed", "correlation", m.Correlation, "error", err)
			}
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m *message.Message) {
	resolved, err := resolve(c.protocol, c, m)
	if err != nil {
		c.logger.Warn("discarding unresolvable message", "type", m.Type, "error", err)
		return
	}
	c.protocol.ReceiveMessage(c, resolved)
}

// connected returns the open transports, or ErrNotConnected.
func (c *Client) connected() (transport.Transport, *transport.Datagram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, nil, ErrNotConnected
	}
	return c.stream, c.datagram, nil
}

// SendOutgoingMessage sends m over the datagram transport if m.Datagram is
// set, over the stream transport otherwise. Datagrams are stamped in place
// with the client's session id and token so the server can attribute them;
// delivery is best effort, see SendReliable. It returns ErrTransportNotOpen
// if the selected transport was never opened.
func (c *Client) SendOutgoingMessage(m *message.Message) error {
	stream, datagram, err := c.connected()
	if err != nil {
		return err
	}

	if !m.Datagram {
		if stream == nil {
			return ErrTransportNotOpen
		}
		return stream.Send(m)
	}

	if datagram == nil {
		return ErrTransportNotOpen
	}
	if err = c.stamp(m); err != nil {
		return err
	}
	return datagram.Send(m)
}

// SendReliable sends m as a datagram and blocks until the server
// acknowledges it or ctx is done, resending it every ack timeout. m is
// modified in place: it is stamped like in SendOutgoingMessage, marked as a
// datagram and given a correlation id if it has none.
func (c *Client) SendReliable(ctx context.Context, m *message.Message) error {
	_, datagram, err := c.connected()
	if err != nil {
		return err
	}
	if datagram == nil {
		return ErrTransportNotOpen
	}
	if err = c.stamp(m); err != nil {
		return err
	}

	return c.tracker.Send(ctx, m, datagram.Send)
}

// stamp marks m as sent by this client's session. Datagram-only clients
// have no session and send unstamped.
func (c *Client) stamp(m *message.Message) error {
	c.mu.Lock()
	id, token := c.id, c.token
	c.mu.Unlock()

	if id == message.Nil {
		return nil
	}
	if err := m.AssignSource(id); err != nil {
		return err
	}
	m.Token = token
	return nil
}

// SessionID returns the id assigned by the server. It returns
// ErrNotConnected unless the client is connected, and ErrNoSession for a
// datagram-only client.
func (c *Client) SessionID() (message.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return message.Nil, ErrNotConnected
	}
	id := c.id
	if id == message.Nil {
		return message.Nil, ErrNoSession
	}
	return id, nil
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Done is closed once the client is closed, by Close or by the server
// going away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close releases every open transport, which stops the listeners, aborts a
// Connect in progress and fires OnClientDisconnect if OnClientConnect fired.
// Safe to call multiple times and concurrently with a pending receive.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	stream, datagram, id, notified := c.stream, c.datagram, c.id, c.notified
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()

	c.done.SetDone()
	c.tracker.Close()
	err := c.closeTransports(stream, datagram)

	c.logger.Info("client closed", "addr", c.addr, "session", id)
	if notified {
		c.fireDisconnect(id)
	}
	return err
}

func (c *Client) fireDisconnect(id message.SessionID) {
	c.disconnectOnce.Do(func() {
		c.protocol.OnClientDisconnect(c, id)
	})
}

// closeTransports gives every transport a close attempt and returns the
// first error.
func (c *Client) closeTransports(stream transport.Transport, datagram *transport.Datagram) error {
	var first error
	if stream != nil {
		first = stream.Close()
	}
	if datagram != nil {
		if err := datagram.Close(); err != nil {
			if first == nil {
				first = err
			} else {
				c.logger.Warn("close error", "error", err)
			}
		}
	}
	return first
}
