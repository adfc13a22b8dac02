package switchboard

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"

	"github.com/Zereker/switchboard/ack"
	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// Errors returned by Server and Client.
var (
	// ErrServerClosed is returned when operating on a closed server.
	ErrServerClosed = errors.New("server closed")
	// ErrServerStarted is returned by a second Start.
	ErrServerStarted = errors.New("server already started")
	// ErrTransportNotOpen is returned when a message needs a transport that
	// was never opened.
	ErrTransportNotOpen = errors.New("transport not open")
)

// Server accepts stream connections, assigns each a session id and routes
// messages between sessions and the ServerProtocol.
type Server struct {
	protocol ServerProtocol
	opts     options
	logger   Logger

	listener *net.TCPListener           // nil without a stream address
	udp      *transport.DatagramListener // nil without DatagramOption
	tracker  *ack.Tracker
	sessions *sessionTable

	// ctx bounds every connection and blocking write; canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	shutdown bool
	done     syncx.DoneChan
	wg       sync.WaitGroup
}

// NewServer creates a server bound to the TCP address addr and, with
// DatagramOption, to a UDP address. An empty addr disables the TCP listener,
// leaving the datagram socket and WebSocketHandler. Nothing is accepted
// before Start.
func NewServer(addr string, protocol ServerProtocol, opts ...Option) (*Server, error) {
	s := &Server{
		protocol: protocol,
		opts:     buildOptions(opts),
		sessions: newSessionTable(),
		done:     syncx.NewDoneChan(),
	}
	s.logger = s.opts.logger
	s.tracker = ack.NewTracker(s.opts.ackTimeout, s.logger)

	if addr != "" {
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", addr)
		}
		if s.listener, err = net.ListenTCP(tcpAddr.Network(), tcpAddr); err != nil {
			return nil, errors.Wrapf(err, "listen %s", addr)
		}
	}

	if s.opts.datagramAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", s.opts.datagramAddr)
		if err == nil {
			s.udp, err = transport.ListenDatagram(udpAddr, s.opts.transportOptions()...)
		}
		if err != nil {
			if s.listener != nil {
				_ = s.listener.Close()
			}
			return nil, errors.Wrapf(err, "datagram %s", s.opts.datagramAddr)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start begins accepting stream connections and, if configured, reading
// datagrams, each on its own goroutine, and returns immediately.
// When ctx is canceled the server closes, after the ShutdownTimeoutOption
// delay if one is set.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop()
	}
	if s.udp != nil {
		s.wg.Add(1)
		go s.datagramLoop()
	}
	s.mu.Unlock()

	go s.watch(ctx)

	s.logger.Info("server started", "addr", s.Addr(), "datagram_addr", s.DatagramAddr())
	return nil
}

// watch closes the server once ctx is canceled.
func (s *Server) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.done:
		return
	}

	// Wait for shutdown timeout if configured, but allow early exit via Close()
	if s.opts.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)

		timer := time.NewTimer(s.opts.shutdownTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.done:
			s.logger.Debug("shutdown timeout bypassed via Close()")
			return
		}
	}

	_ = s.Close()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				return
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		if !s.track() {
			_ = conn.Close()
			return
		}
		go s.serve(transport.WrapStream(conn, s.opts.transportOptions()...), conn.RemoteAddr())
	}
}

// serve runs one session from assignment to disconnect. The caller must
// have registered it with track.
func (s *Server) serve(tr transport.Transport, addr net.Addr) {
	defer s.wg.Done()

	id, token := message.NewSessionID(), message.NewToken()
	c := newConn(id, tr, addr, &s.opts, s.RegisterIncomingMessage)
	if !s.sessions.add(c, token) {
		_ = tr.Close()
		return
	}

	// Written before the write loop starts, so anything routed to the new
	// session waits in the queue behind it. Registering first means a client
	// that knows its id can already be routed to.
	if err := tr.Send(message.NewSession(id, token)); err != nil {
		s.sessions.remove(id)
		s.logger.Warn("session assignment failed", "remote_addr", addr, "error", err)
		_ = tr.Close()
		return
	}
	s.logger.Info("session opened", "session", id, "remote_addr", addr, "transport", tr.Kind())

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = c.Run(s.ctx)
	}()

	s.protocol.OnClientConnect(s, id)
	c.start()
	<-exited

	if s.sessions.remove(id) {
		s.logger.Info("session closed", "session", id, "remote_addr", addr)
		s.protocol.OnClientDisconnect(s, id)
	}
}

// track adds one goroutine to the wait group unless the server is shut down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdown
}

// WebSocketHandler returns an http.Handler that upgrades requests to
// WebSocket stream transports and serves each as a session. The handler
// returns when the session ends.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.track() {
			http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			s.wg.Done()
			s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}

		s.serve(transport.WrapWebSocket(conn, s.opts.transportOptions()...), conn.RemoteAddr())
	})
}

// RegisterIncomingMessage resolves m through the protocol, if it is a
// Resolver, and hands it to ReceiveMessage. Connections and the datagram
// loop call it for every application message they read.
func (s *Server) RegisterIncomingMessage(m *message.Message) {
	resolved, err := resolve(s.protocol, s, m)
	if err != nil {
		s.logger.Warn("discarding unresolvable message",
			"source", m.Source(), "type", m.Type, "error", err)
		return
	}
	s.protocol.ReceiveMessage(s, resolved)
}

// Route sends m to the session named by its destination. A destination
// that is not registered, or that disconnects before the message is queued,
// is a silent drop. Route blocks while the session's send queue is full.
func (s *Server) Route(m *message.Message) error {
	if s.isShutdown() {
		return ErrServerClosed
	}

	c := s.sessions.get(m.Destination)
	if c == nil {
		s.logger.Debug("route miss, dropping message", "destination", m.Destination)
		return nil
	}

	s.deliver(c, m)
	return nil
}

// Broadcast sends m to every registered session.
func (s *Server) Broadcast(m *message.Message) error {
	return s.BroadcastFiltered(m, nil)
}

// BroadcastFiltered sends m to every registered session whose id passes
// keep. Sessions that connect or disconnect during the call may or may not
// receive it. m is shared by all recipients and must not be modified
// afterwards.
func (s *Server) BroadcastFiltered(m *message.Message, keep func(message.SessionID) bool) error {
	if s.isShutdown() {
		return ErrServerClosed
	}

	for _, c := range s.sessions.snapshot(keep) {
		s.deliver(c, m)
	}
	return nil
}

func (s *Server) deliver(c *Conn, m *message.Message) {
	if err := c.WriteBlocking(s.ctx, m); err != nil {
		s.logger.Debug("dropping message", "session", c.SessionID(), "error", err)
	}
}

// SendDatagram sends m to its destination's last observed datagram address
// and blocks until the client acknowledges it or ctx is done. The datagram
// is resent every ack timeout. A destination that has sent no datagram yet
// is a silent drop. m is modified in place: it is marked as a datagram and
// given a correlation id if it has none.
func (s *Server) SendDatagram(ctx context.Context, m *message.Message) error {
	if s.udp == nil {
		return ErrTransportNotOpen
	}
	if s.isShutdown() {
		return ErrServerClosed
	}

	addr, ok := s.sessions.datagramAddr(m.Destination)
	if !ok {
		s.logger.Debug("no datagram address, dropping message", "destination", m.Destination)
		return nil
	}

	return s.tracker.Send(ctx, m, func(m *message.Message) error {
		return s.udp.WriteTo(m, addr)
	})
}

// Sessions returns the ids of the registered sessions.
func (s *Server) Sessions() []message.SessionID {
	return s.sessions.ids()
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	return s.sessions.len()
}

// Conn returns the connection of session id, or nil.
func (s *Server) Conn(id message.SessionID) *Conn {
	return s.sessions.get(id)
}

// Addr returns the stream listener's network address, or nil.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DatagramAddr returns the datagram socket's address, or nil.
func (s *Server) DatagramAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

// Done is closed once Close has been called.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting, closes the datagram socket and every connection,
// and waits for all server goroutines, disconnect callbacks included, to
// return. It must not be called from a Protocol callback. Every resource
// gets a close attempt; the first error is returned and the rest are
// logged. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.done.SetDone()
	s.cancel()

	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
			return
		}
		s.logger.Warn("close error", "error", err)
	}

	if s.listener != nil {
		keep(s.listener.Close())
	}
	if s.udp != nil {
		keep(s.udp.Close())
	}
	s.tracker.Close()

	for _, c := range s.sessions.close() {
		keep(c.Close())
	}

	s.wg.Wait()
	s.logger.Info("server stopped", "addr", s.Addr())
	return first
}
