package switchboard

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/switchboard/message"
	"github.com/Zereker/switchboard/transport"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-accepted:
		require.NotNil(t, server, "accept failed")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept")
	}
	return server, client
}

// createTestConn returns a server-side Conn, the peer's transport and a
// channel receiving every message the Conn hands on.
func createTestConn(t *testing.T, opt ...Option) (*Conn, transport.Transport, chan *message.Message) {
	t.Helper()

	serverSide, clientSide := createTestTCPPair(t)
	opts := buildOptions(opt)

	received := make(chan *message.Message, 16)
	c := newConn(message.NewSessionID(),
		transport.WrapStream(serverSide, opts.transportOptions()...),
		serverSide.RemoteAddr(), &opts,
		func(m *message.Message) { received <- m })
	peer := transport.WrapStream(clientSide)

	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})
	return c, peer, received
}

// runConn runs c in the background and returns a channel with Run's result.
func runConn(c *Conn) chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Run(context.Background())
	}()
	return result
}

func waitResult(t *testing.T, result chan error) error {
	t.Helper()

	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func TestConn_Accessors(t *testing.T) {
	c, _, _ := createTestConn(t)

	assert.NotEqual(t, message.Nil, c.SessionID())
	assert.NotNil(t, c.Addr())
	assert.False(t, c.IsClosed())
}

func TestConn_Write_BufferFull(t *testing.T) {
	c, _, _ := createTestConn(t, BufferSizeOption(1))

	// nothing drains the queue before Run
	require.NoError(t, c.Write(message.Text(message.Nil, "first")))
	assert.ErrorIs(t, c.Write(message.Text(message.Nil, "second")), ErrBufferFull)
}

func TestConn_WriteBlocking(t *testing.T) {
	c, _, _ := createTestConn(t, BufferSizeOption(1))
	require.NoError(t, c.Write(message.Text(message.Nil, "fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WriteBlocking(ctx, message.Text(message.Nil, "x")), context.DeadlineExceeded)

	// Close releases a blocked writer
	done := make(chan error, 1)
	go func() {
		done <- c.WriteBlocking(context.Background(), message.Text(message.Nil, "x"))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("WriteBlocking not released by Close")
	}
}

func TestConn_WriteTimeout(t *testing.T) {
	c, _, _ := createTestConn(t, BufferSizeOption(1))
	require.NoError(t, c.WriteTimeout(message.Text(message.Nil, "fill"), time.Second))

	err := c.WriteTimeout(message.Text(message.Nil, "x"), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestConn_WriteAfterClose(t *testing.T) {
	c, _, _ := createTestConn(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	m := message.Text(message.Nil, "x")
	assert.ErrorIs(t, c.Write(m), ErrConnectionClosed)
	assert.ErrorIs(t, c.WriteBlocking(context.Background(), m), ErrConnectionClosed)
	assert.ErrorIs(t, c.WriteTimeout(m, time.Second), ErrConnectionClosed)
}

func TestConn_Run_StampsSourceInOrder(t *testing.T) {
	c, peer, received := createTestConn(t)
	result := runConn(c)
	c.start()

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, peer.Send(message.Text(c.SessionID(), s)))
	}

	for _, want := range []string{"1", "2", "3"} {
		select {
		case m := <-received:
			var s string
			require.NoError(t, m.Decode(&s))
			assert.Equal(t, want, s)
			assert.Equal(t, c.SessionID(), m.Source())
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	require.NoError(t, peer.Close())
	assert.NoError(t, waitResult(t, result), "end of stream is not an error")
	assert.True(t, c.IsClosed())
}

func TestConn_Run_WaitsForStart(t *testing.T) {
	c, peer, received := createTestConn(t)
	result := runConn(c)

	require.NoError(t, peer.Send(message.Text(message.Nil, "early")))

	select {
	case <-received:
		t.Fatal("message read before start")
	case <-time.After(50 * time.Millisecond):
	}

	c.start()
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("message not read after start")
	}

	require.NoError(t, c.Close())
	assert.NoError(t, waitResult(t, result))
}

func TestConn_Run_DiscardsForgedSource(t *testing.T) {
	c, peer, received := createTestConn(t)
	result := runConn(c)
	c.start()

	forged := message.Text(message.Nil, "forged")
	require.NoError(t, forged.AssignSource(message.NewSessionID()))
	require.NoError(t, peer.Send(forged))

	own := message.Text(message.Nil, "own")
	require.NoError(t, own.AssignSource(c.SessionID()))
	require.NoError(t, peer.Send(own))

	select {
	case m := <-received:
		var s string
		require.NoError(t, m.Decode(&s))
		assert.Equal(t, "own", s)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	require.NoError(t, c.Close())
	waitResult(t, result)
}

func TestConn_Run_WriteLoop(t *testing.T) {
	c, peer, _ := createTestConn(t)
	result := runConn(c)

	require.NoError(t, c.Write(message.Text(message.Nil, "hello")))

	m, err := peer.Receive()
	require.NoError(t, err)
	var s string
	require.NoError(t, m.Decode(&s))
	assert.Equal(t, "hello", s)

	require.NoError(t, c.Close())
	assert.NoError(t, waitResult(t, result))
}

func TestConn_Run_DropsUnencodableMessage(t *testing.T) {
	c, peer, _ := createTestConn(t, MessageMaxSize(128))
	result := runConn(c)

	require.NoError(t, c.Write(message.Text(message.Nil, strings.Repeat("x", 256))))
	require.NoError(t, c.WriteBlocking(context.Background(), message.Text(message.Nil, "small")))

	m, err := peer.Receive()
	require.NoError(t, err)
	var s string
	require.NoError(t, m.Decode(&s))
	assert.Equal(t, "small", s)

	require.NoError(t, c.Close())
	waitResult(t, result)
}

func TestConn_Run_DecodeErrorTearsDown(t *testing.T) {
	serverSide, clientSide := createTestTCPPair(t)
	defer clientSide.Close()

	opts := buildOptions(nil)
	c := newConn(message.NewSessionID(),
		transport.WrapStream(serverSide, opts.transportOptions()...),
		serverSide.RemoteAddr(), &opts, func(*message.Message) {})
	result := runConn(c)
	c.start()

	// a well-formed frame carrying an invalid envelope
	_, err := clientSide.Write([]byte{0, 0, 0, 3, 'b', 'a', 'd'})
	require.NoError(t, err)

	assert.Error(t, waitResult(t, result))
	assert.True(t, c.IsClosed())
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	c, _, _ := createTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- c.Run(ctx)
	}()
	c.start()

	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.NoError(t, waitResult(t, result))
	assert.True(t, c.IsClosed())
}

func TestConn_Run_CloseBeforeStart(t *testing.T) {
	c, _, received := createTestConn(t)
	result := runConn(c)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	assert.NoError(t, waitResult(t, result))
	assert.Empty(t, received)
}
