// Package message defines the envelope exchanged between a switchboard
// server and its clients.
//
// A Message carries routing metadata (source, destination), a correlation id
// used only by the datagram acknowledgement layer, and an opaque JSON payload.
// The Kind field is a closed tagged union: session assignments and
// acknowledgements are recognised by kind, never by inspecting the payload.
package message

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// SessionID identifies one connected client. It is generated by the server
// at accept time; the zero value (uuid.Nil) means "unset".
type SessionID = uuid.UUID

// Nil is the unset session id. A message whose destination is Nil is a
// broadcast.
var Nil = uuid.Nil

// NewSessionID returns a fresh random session id.
func NewSessionID() SessionID {
	return uuid.New()
}

// ParseSessionID parses the textual form of a session id.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, errors.Wrapf(err, "parse session id %q", s)
	}
	return id, nil
}

// NewCorrelation returns a fresh correlation id for the acknowledgement layer.
func NewCorrelation() string {
	return shortuuid.New()
}

// NewToken returns a fresh datagram token. The server hands one to each
// session with its assignment.
func NewToken() string {
	return shortuuid.New()
}

// Errors returned by message operations.
var (
	// ErrSourceAssigned is returned when a second, different source is assigned.
	ErrSourceAssigned = errors.New("message source already assigned")
	// ErrNotSession is returned when a session id is read from a non-session message.
	ErrNotSession = errors.New("not a session assignment message")
	// ErrEmptyPayload is returned when decoding a message with no payload.
	ErrEmptyPayload = errors.New("empty payload")
)

// Message is the envelope carried across every boundary.
type Message struct {
	// Kind discriminates session assignments, acknowledgements and
	// application messages.
	Kind Kind
	// Destination is the intended recipient, or Nil for a broadcast.
	Destination SessionID
	// Correlation pairs a datagram with its acknowledgement.
	Correlation string
	// Type names the application payload type. It is the key used by a
	// Registry when resolving the payload.
	Type string
	// Payload is the JSON encoded application payload.
	Payload json.RawMessage
	// Datagram asks the client to send the message over its datagram transport.
	Datagram bool
	// Token proves the source of a datagram. The server issues it in the
	// session assignment and strips it from inbound messages.
	Token string

	// Value holds the payload once resolved into an application type.
	// It is never encoded.
	Value any

	source SessionID
}

// New creates an application message for dest carrying v, encoded as JSON.
func New(dest SessionID, typ string, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", typ)
	}

	return &Message{
		Kind:        KindApplication,
		Destination: dest,
		Type:        typ,
		Payload:     payload,
		Value:       v,
	}, nil
}

// Text creates an application message of type "text" carrying s.
func Text(dest SessionID, s string) *Message {
	// a string always marshals
	m, _ := New(dest, TypeText, s)
	return m
}

// TypeText is the payload type used by Text.
const TypeText = "text"

// NewSession creates the session-assignment message the server sends right
// after accepting a stream connection. token is the secret the client must
// attach to its datagrams.
func NewSession(id SessionID, token string) *Message {
	payload, _ := json.Marshal(id.String())
	return &Message{
		Kind:        KindSession,
		Destination: id,
		Token:       token,
		Payload:     payload,
	}
}

// NewAck creates the acknowledgement for the given correlation id.
func NewAck(correlation string) *Message {
	return &Message{
		Kind:        KindAck,
		Correlation: correlation,
		Datagram:    true,
	}
}

// Source returns the session id of the sender, or Nil if unassigned.
func (m *Message) Source() SessionID {
	return m.source
}

// AssignSource stamps the sender of the message. The source can only be
// assigned once: assigning the same id again is a no-op, assigning a
// different id returns ErrSourceAssigned and leaves the source unchanged.
func (m *Message) AssignSource(id SessionID) error {
	if m.source == Nil {
		m.source = id
		return nil
	}
	if m.source == id {
		return nil
	}
	return ErrSourceAssigned
}

// IsBroadcast reports whether the message has no destination.
func (m *Message) IsBroadcast() bool {
	return m.Destination == Nil
}

// SessionAssignment returns the session id carried by a session message.
func (m *Message) SessionAssignment() (SessionID, error) {
	if m.Kind != KindSession {
		return Nil, ErrNotSession
	}

	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return Nil, errors.Wrap(err, "decode session assignment")
	}
	return ParseSessionID(s)
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return errors.Wrapf(json.Unmarshal(m.Payload, v), "decode %s payload", m.Type)
}

// Equal reports whether a and b carry the same envelope and payload.
// The resolved Value is not compared.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind &&
		a.source == b.source &&
		a.Destination == b.Destination &&
		a.Correlation == b.Correlation &&
		a.Type == b.Type &&
		a.Datagram == b.Datagram &&
		a.Token == b.Token &&
		bytes.Equal(a.Payload, b.Payload)
}
