package ack

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/switchboard/message"
)

// recorder captures every transmitted datagram.
type recorder struct {
	mu   sync.Mutex
	sent []*message.Message
	err  error
}

func (r *recorder) send(m *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestTracker_AckBeforeTimeout(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	rec := &recorder{}
	m := message.Text(message.Nil, "x")

	done := make(chan error, 1)
	go func() {
		done <- tr.Send(context.Background(), m, rec.send)
	}()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	correlation := rec.sent[0].Correlation
	rec.mu.Unlock()
	assert.True(t, tr.Acknowledge(correlation))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Send")
	}

	// the caller's message is filled in place
	assert.NotEmpty(t, m.Correlation)
	assert.Equal(t, correlation, m.Correlation)
	assert.True(t, m.Datagram)
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, int64(0), tr.Resent())
}

func TestTracker_ResendsUntilAck(t *testing.T) {
	timeout := 20 * time.Millisecond
	tr := NewTracker(timeout, nil)
	rec := &recorder{}
	m := message.Text(message.Nil, "payload")
	m.Correlation = "fixed"

	done := make(chan error, 1)
	go func() {
		done <- tr.Send(context.Background(), m, rec.send)
	}()

	// delay the ack beyond several timeouts
	require.Eventually(t, func() bool { return rec.count() >= 3 }, 5*time.Second, time.Millisecond)
	require.True(t, tr.Acknowledge("fixed"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Send")
	}

	sentAtAck := rec.count()
	time.Sleep(5 * timeout)
	assert.Equal(t, sentAtAck, rec.count(), "no retransmission after the ack")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, sent := range rec.sent {
		assert.True(t, message.Equal(m, sent), "retransmission must be identical")
	}
	assert.GreaterOrEqual(t, tr.Resent(), int64(2))
}

func TestTracker_UnknownAckIgnored(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	assert.False(t, tr.Acknowledge("nobody-waits"))
}

func TestTracker_ContextCanceled(t *testing.T) {
	tr := NewTracker(10*time.Millisecond, nil)
	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Send(ctx, message.Text(message.Nil, "x"), rec.send)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.Pending())
	assert.Greater(t, rec.count(), 1)
}

func TestTracker_Close(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	rec := &recorder{}

	done := make(chan error, 1)
	go func() {
		done <- tr.Send(context.Background(), message.Text(message.Nil, "x"), rec.send)
	}()

	require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)
	tr.Close()
	tr.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTrackerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Send")
	}

	err := tr.Send(context.Background(), message.Text(message.Nil, "y"), rec.send)
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestTracker_SendError(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	sendErr := errors.New("network down")
	rec := &recorder{err: sendErr}

	err := tr.Send(context.Background(), message.Text(message.Nil, "x"), rec.send)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, tr.Pending())
}

func TestTracker_DuplicateCorrelation(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	var calls atomic.Int32
	block := func(*message.Message) error {
		calls.Add(1)
		return nil
	}

	first := message.Text(message.Nil, "a")
	first.Correlation = "same"
	go tr.Send(context.Background(), first, block)
	require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)

	second := message.Text(message.Nil, "b")
	second.Correlation = "same"
	err := tr.Send(context.Background(), second, block)
	assert.ErrorIs(t, err, ErrDuplicateCorrelation)

	tr.Acknowledge("same")
}

func TestNewTracker_DefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NewTracker(0, nil).Timeout())
}

func TestReply(t *testing.T) {
	m := message.Text(message.Nil, "x")
	assert.Nil(t, Reply(m), "uncorrelated datagrams expect no ack")

	m.Correlation = "c1"
	reply := Reply(m)
	require.NotNil(t, reply)
	assert.Equal(t, message.KindAck, reply.Kind)
	assert.Equal(t, "c1", reply.Correlation)

	assert.Nil(t, Reply(reply), "acks are never acknowledged")
}
