package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/message"
)

// packetConn reads and writes encoded messages on a UDP socket. It is shared
// by the client-side Datagram and the server-side DatagramListener.
type packetConn struct {
	opts options

	conn   *net.UDPConn
	buf    []byte
	closed atomic.Bool

	writeMu sync.Mutex
}

// read blocks until one message decodes. A bad packet is discarded and the
// read continues; the socket is polled every receiveTimeout so that a local
// Close is observed even when no traffic arrives.
func (p *packetConn) read() (*message.Message, *net.UDPAddr, error) {
	for {
		if p.closed.Load() {
			return nil, nil, ErrClosed
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.receiveTimeout))
		n, addr, err := p.conn.ReadFromUDP(p.buf)
		if err != nil {
			if p.closed.Load() {
				return nil, nil, ErrClosed
			}
			if isTimeout(err) {
				continue
			}
			// a previous write to a closed port surfaces here on connected sockets
			if errors.Is(err, syscall.ECONNREFUSED) {
				p.opts.logger.Debug("datagram peer unreachable", "error", err)
				continue
			}
			return nil, nil, errors.Wrap(err, "read datagram")
		}

		m, err := p.opts.codec.Unmarshal(p.buf[:n])
		if err != nil {
			p.opts.logger.Warn("discarding datagram", "addr", addr, "error", err)
			continue
		}
		m.Datagram = true
		return m, addr, nil
	}
}

func (p *packetConn) write(m *message.Message, addr *net.UDPAddr) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := p.opts.codec.Marshal(m)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if addr == nil {
		_, err = p.conn.Write(data)
	} else {
		_, err = p.conn.WriteToUDP(data, addr)
	}
	if err != nil {
		// an unreachable peer is indistinguishable from a lost datagram
		if errors.Is(err, syscall.ECONNREFUSED) {
			p.opts.logger.Debug("datagram peer unreachable", "error", err)
			return nil
		}
		return errors.Wrap(err, "write datagram")
	}
	return nil
}

func (p *packetConn) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Datagram is a client-side UDP transport bound to one server address.
// Delivery is best effort; see package ack for acknowledged sends.
type Datagram struct {
	addr string
	packetConn
}

// NewDatagram returns an unconnected datagram transport to addr.
func NewDatagram(addr string, opts ...Option) *Datagram {
	return &Datagram{addr: addr, packetConn: packetConn{opts: buildOptions(opts)}}
}

// Connect resolves the server address and opens a local socket.
func (d *Datagram) Connect(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: d.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "udp", d.addr)
	if err != nil {
		return errors.Wrapf(err, "dial datagram %s", d.addr)
	}

	d.conn = conn.(*net.UDPConn)
	d.buf = make([]byte, maxDatagramSize)
	return nil
}

// Send writes m as one datagram.
func (d *Datagram) Send(m *message.Message) error {
	if d.conn == nil {
		return ErrNotConnected
	}
	return d.write(m, nil)
}

// Receive blocks until one valid datagram arrives.
func (d *Datagram) Receive() (*message.Message, error) {
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	m, _, err := d.read()
	return m, err
}

// IsClosed returns true if the transport has been closed.
func (d *Datagram) IsClosed() bool {
	return d.closed.Load()
}

// Close closes the socket. Safe to call multiple times.
func (d *Datagram) Close() error {
	return d.close()
}

// Kind returns KindDatagram.
func (d *Datagram) Kind() Kind {
	return KindDatagram
}

// LocalAddr returns the local socket address, or nil before Connect.
func (d *Datagram) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// DatagramListener is the server side of the datagram transport: one
// unconnected socket receiving from and answering to many peers.
type DatagramListener struct {
	packetConn
}

// ListenDatagram opens a UDP socket on addr.
func ListenDatagram(addr *net.UDPAddr, opts ...Option) (*DatagramListener, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen datagram %s", addr)
	}

	return &DatagramListener{packetConn: packetConn{
		opts: buildOptions(opts),
		conn: conn,
		buf:  make([]byte, maxDatagramSize),
	}}, nil
}

// ReadFrom blocks until one valid datagram arrives and returns it with the
// observed source address.
func (l *DatagramListener) ReadFrom() (*message.Message, *net.UDPAddr, error) {
	return l.read()
}

// WriteTo sends m as one datagram to addr.
func (l *DatagramListener) WriteTo(m *message.Message, addr *net.UDPAddr) error {
	return l.write(m, addr)
}

// Addr returns the local socket address.
func (l *DatagramListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// IsClosed returns true if the listener has been closed.
func (l *DatagramListener) IsClosed() bool {
	return l.closed.Load()
}

// Close closes the socket. Safe to call multiple times.
func (l *DatagramListener) Close() error {
	return l.close()
}
