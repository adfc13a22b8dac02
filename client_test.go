package switchboard

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/switchboard/codec"
	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// rawServer accepts one TCP connection and hands it to serve.
func rawServer(t *testing.T, serve func(net.Conn)) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serve(conn)
	}()
	return listener.Addr().String()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnconnected, "unconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", newRecorder[*Client]())

	assert.Equal(t, StateUnconnected, c.State())

	_, err := c.SessionID()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.SendOutgoingMessage(message.Text(message.Nil, "x")), ErrNotConnected)
	assert.ErrorIs(t, c.SendReliable(context.Background(), message.Text(message.Nil, "x")), ErrNotConnected)
}

func TestClient_NoTransport(t *testing.T) {
	c := NewClient("", newRecorder[*Client]())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoTransport)
	assert.Equal(t, StateUnconnected, c.State())
}

func TestClient_ConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	proto := newRecorder[*Client]()
	c := NewClient(addr, proto)

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateUnconnected, c.State())
	assertNothing(t, proto.connects)
}

func TestClient_FirstMessageMustBeSession(t *testing.T) {
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		tr := transport.WrapStream(conn)
		_ = tr.Send(message.Text(message.Nil, "not a session"))
		time.Sleep(100 * time.Millisecond)
	})

	c := NewClient(addr, newRecorder[*Client]())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoSession)
	assert.Equal(t, StateUnconnected, c.State())
}

func TestClient_ConnectCanceledWhileAwaitingSession(t *testing.T) {
	release := make(chan struct{})
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-release
	})
	defer close(release)

	c := NewClient(addr, newRecorder[*Client]())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateUnconnected, c.State())
}

func TestClient_CloseAbortsConnect(t *testing.T) {
	release := make(chan struct{})
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-release
	})
	defer close(release)

	proto := newRecorder[*Client]()
	c := NewClient(addr, proto)

	result := make(chan error, 1)
	go func() {
		result <- c.Connect(context.Background())
	}()

	require.Eventually(t, func() bool { return c.State() == StateConnecting },
		waitTimeout, time.Millisecond)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, recv(t, result), ErrClientClosed)
	assert.Equal(t, StateClosed, c.State())
	assertNothing(t, proto.connects)
	assertNothing(t, proto.disconnects)
}

func TestClient_ConnectTwice(t *testing.T) {
	s := startServer(t, newRecorder[*Server]())
	c := connectClient(t, s.Addr().String(), newRecorder[*Client]())

	assert.Equal(t, StateConnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestClient_CloseIdempotent(t *testing.T) {
	s := startServer(t, newRecorder[*Server]())
	proto := newRecorder[*Client]()
	c := connectClient(t, s.Addr().String(), proto)
	id := sessionOf(t, c)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, id, recv(t, proto.disconnects))
	assertNothing(t, proto.disconnects)
	assert.Equal(t, []string{"connect", "disconnect"}, proto.eventsFor(id))

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	_, err := c.SessionID()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CloseUnconnected(t *testing.T) {
	proto := newRecorder[*Client]()
	c := NewClient("127.0.0.1:1", proto)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assertNothing(t, proto.disconnects)
}

func TestClient_TransportNotOpen(t *testing.T) {
	s := startServer(t, newRecorder[*Server]())
	c := connectClient(t, s.Addr().String(), newRecorder[*Client]())

	m := message.Text(message.Nil, "x")
	m.Datagram = true
	assert.ErrorIs(t, c.SendOutgoingMessage(m), ErrTransportNotOpen)
	assert.ErrorIs(t, c.SendReliable(context.Background(), message.Text(message.Nil, "x")), ErrTransportNotOpen)
}

func TestClient_DatagramOnly(t *testing.T) {
	proto := newRecorder[*Server]()
	s := startDatagramServer(t, proto)

	clientProto := newRecorder[*Client]()
	c := connectClient(t, "", clientProto,
		DatagramOption(s.DatagramAddr().String()),
		AckTimeoutOption(100*time.Millisecond),
		ReceiveTimeoutOption(20*time.Millisecond))

	assert.Equal(t, message.Nil, recv(t, clientProto.connects))
	_, err := c.SessionID()
	assert.ErrorIs(t, err, ErrNoSession)

	assert.ErrorIs(t, c.SendOutgoingMessage(message.Text(message.Nil, "stream")), ErrTransportNotOpen)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.SendReliable(ctx, message.Text(message.Nil, "datagram only")))

	m := recv(t, proto.messages)
	assert.Equal(t, "datagram only", textOf(t, m))
	assert.Equal(t, message.Nil, m.Source())
}

func TestClient_BestEffortDatagram(t *testing.T) {
	proto := newRecorder[*Server]()
	s := startDatagramServer(t, proto)
	c := connectDatagramClient(t, s, newRecorder[*Client]())
	id := sessionOf(t, c)

	m := message.Text(message.Nil, "fire and forget")
	m.Datagram = true
	require.NoError(t, c.SendOutgoingMessage(m))
	assert.Equal(t, id, m.Source())
	assert.NotEmpty(t, m.Token, "datagrams carry the session token")

	got := recv(t, proto.messages)
	assert.Equal(t, "fire and forget", textOf(t, got))
	assert.Equal(t, id, got.Source())
	assert.Empty(t, got.Token)
}

func TestClient_RejectsForgedDatagramSource(t *testing.T) {
	s := startDatagramServer(t, newRecorder[*Server]())
	c := connectDatagramClient(t, s, newRecorder[*Client]())

	m := message.Text(message.Nil, "x")
	m.Datagram = true
	require.NoError(t, m.AssignSource(message.NewSessionID()))

	assert.ErrorIs(t, c.SendOutgoingMessage(m), message.ErrSourceAssigned)
}

func TestClient_ReliableSendBoundedByContext(t *testing.T) {
	// a bound socket that never answers
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer silent.Close()

	c := connectClient(t, "", newRecorder[*Client](),
		DatagramOption(silent.LocalAddr().String()),
		AckTimeoutOption(20*time.Millisecond),
		ReceiveTimeoutOption(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err = c.SendReliable(ctx, message.Text(message.Nil, "lost"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, c.tracker.Resent(), int64(0))

	// every retransmission reached the socket as an identical packet
	buf := make([]byte, codec.DefaultMaxSize)
	var first []byte
	for i := 0; i < 2; i++ {
		require.NoError(t, silent.SetReadDeadline(time.Now().Add(time.Second)))
		n, _, err := silent.ReadFromUDP(buf)
		require.NoError(t, err)
		if first == nil {
			first = append([]byte(nil), buf[:n]...)
			continue
		}
		assert.Equal(t, first, buf[:n])
	}
}
