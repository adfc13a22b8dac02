// Package ack upgrades a best-effort datagram transport to at-least-once
// delivery.
//
// The sender registers the message's correlation id with a Tracker and
// resends the identical datagram every timeout until the matching
// acknowledgement is observed. The receiver answers every correlated
// datagram with Reply. Duplicate deliveries are possible when an
// acknowledgement is lost; deduplication is left to the application.
package ack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"

	"github.com/Zereker/switchboard/message"
)

// DefaultTimeout is the default time to wait for an acknowledgement before
// resending.
const DefaultTimeout = 2 * time.Second

// Errors returned by the tracker.
var (
	// ErrTrackerClosed is returned when the tracker is closed while a send waits.
	ErrTrackerClosed = errors.New("ack tracker closed")
	// ErrDuplicateCorrelation is returned when a correlation id is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")
)

// SendFunc transmits one datagram.
type SendFunc func(m *message.Message) error

// Logger is the subset of the switchboard logger used by the tracker.
type Logger interface {
	Debug(msg string, args ...any)
}

// Tracker pairs outbound datagrams with their acknowledgements.
type Tracker struct {
	timeout time.Duration
	logger  Logger

	mu      sync.Mutex
	pending map[string]chan struct{}

	resent    atomic.Int64
	done      syncx.DoneChan
	closeOnce sync.Once
}

// NewTracker returns a tracker that resends after timeout. A non-positive
// timeout selects DefaultTimeout.
func NewTracker(timeout time.Duration, logger Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan struct{}),
		done:    syncx.NewDoneChan(),
	}
}

// Timeout returns the resend interval.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Send transmits m with send and blocks until its acknowledgement arrives.
// Every time the timeout elapses the identical datagram is sent again; there
// is no retry ceiling, bound the wait with ctx instead.
//
// m is modified in place: it is marked as a datagram and gets a fresh
// correlation id if it has none.
func (t *Tracker) Send(ctx context.Context, m *message.Message, send SendFunc) error {
	if m.Correlation == "" {
		m.Correlation = message.NewCorrelation()
	}
	m.Datagram = true

	acked, err := t.register(m.Correlation)
	if err != nil {
		return err
	}
	defer t.forget(m.Correlation, acked)

	if err = send(m); err != nil {
		return errors.Wrap(err, "send datagram")
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		select {
		case <-acked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrTrackerClosed
		case <-timer.C:
			t.resent.Add(1)
			if t.logger != nil {
				t.logger.Debug("ack timeout, resending datagram", "correlation", m.Correlation)
			}
			if err = send(m); err != nil {
				return errors.Wrap(err, "resend datagram")
			}
			timer.Reset(t.timeout)
		}
	}
}

// Acknowledge completes the send waiting on correlation. It reports whether
// a send was waiting; acknowledgements nobody waits for are ignored.
func (t *Tracker) Acknowledge(correlation string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	acked, ok := t.pending[correlation]
	if ok {
		delete(t.pending, correlation)
		close(acked)
	}
	return ok
}

// Pending returns the number of sends waiting for an acknowledgement.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Resent returns the total number of retransmissions.
func (t *Tracker) Resent() int64 {
	return t.resent.Load()
}

// Close releases every waiting send with ErrTrackerClosed. Safe to call
// multiple times.
func (t *Tracker) Close() {
	t.closeOnce.Do(t.done.SetDone)
}

func (t *Tracker) register(correlation string) (chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return nil, ErrTrackerClosed
	default:
	}

	if _, ok := t.pending[correlation]; ok {
		return nil, errors.Wrapf(ErrDuplicateCorrelation, "%q", correlation)
	}

	acked := make(chan struct{})
	t.pending[correlation] = acked
	return acked, nil
}

func (t *Tracker) forget(correlation string, acked chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[correlation] == acked {
		delete(t.pending, correlation)
	}
}

// Reply returns the acknowledgement for a received datagram, or nil if the
// datagram carries no correlation id and so expects none.
func Reply(received *message.Message) *message.Message {
	if received.Correlation == "" || received.Kind == message.KindAck {
		return nil
	}
	return message.NewAck(received.Correlation)
}
