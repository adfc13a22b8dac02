package switchboard

import (
	"github.com/Zereker/switchboard/message"
)

// Protocol is the application side of a Server or Client. The caller type C
// is *Server or *Client, so a protocol can call back into whichever side
// invoked it.
//
// Callbacks run inline on the goroutine that read the message (one per
// connection, one per datagram socket) and should not block for long.
type Protocol[C any] interface {
	// ReceiveMessage is called once per decoded application message, after
	// the server has stamped its source.
	ReceiveMessage(caller C, m *message.Message)
	// OnClientConnect is called once a session is registered. On a Client
	// without a stream transport id is message.Nil.
	OnClientConnect(caller C, id message.SessionID)
	// OnClientDisconnect is called once per connect, after it.
	OnClientDisconnect(caller C, id message.SessionID)
}

// Resolver is implemented by protocols that turn a generically decoded
// message into an application type before ReceiveMessage. A message that
// fails to resolve is logged and dropped.
type Resolver[C any] interface {
	ResolveMessage(caller C, m *message.Message) (*message.Message, error)
}

// ServerProtocol is the protocol driven by a Server.
type ServerProtocol = Protocol[*Server]

// ClientProtocol is the protocol driven by a Client.
type ClientProtocol = Protocol[*Client]

// ProtocolFuncs adapts plain functions to Protocol and Resolver. Nil fields
// are no-ops; a nil Resolve forwards messages unchanged.
type ProtocolFuncs[C any] struct {
	Receive    func(caller C, m *message.Message)
	Connect    func(caller C, id message.SessionID)
	Disconnect func(caller C, id message.SessionID)
	Resolve    func(caller C, m *message.Message) (*message.Message, error)
}

func (p ProtocolFuncs[C]) ReceiveMessage(caller C, m *message.Message) {
	if p.Receive != nil {
		p.Receive(caller, m)
	}
}

func (p ProtocolFuncs[C]) OnClientConnect(caller C, id message.SessionID) {
	if p.Connect != nil {
		p.Connect(caller, id)
	}
}

func (p ProtocolFuncs[C]) OnClientDisconnect(caller C, id message.SessionID) {
	if p.Disconnect != nil {
		p.Disconnect(caller, id)
	}
}

func (p ProtocolFuncs[C]) ResolveMessage(caller C, m *message.Message) (*message.Message, error) {
	if p.Resolve == nil {
		return m, nil
	}
	return p.Resolve(caller, m)
}

// RegistryResolver returns a Resolve function backed by a closed type
// registry, for use in ProtocolFuncs.
func RegistryResolver[C any](r *message.Registry) func(C, *message.Message) (*message.Message, error) {
	return func(_ C, m *message.Message) (*message.Message, error) {
		return r.Resolve(m)
	}
}

// resolve runs the optional resolution step of p.
func resolve[C any](p Protocol[C], caller C, m *message.Message) (*message.Message, error) {
	r, ok := p.(Resolver[C])
	if !ok {
		return m, nil
	}
	return r.ResolveMessage(caller, m)
}
