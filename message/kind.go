package message

import "github.com/pkg/errors"

// Kind is the closed set of envelope kinds understood by the core.
type Kind uint8

const (
	// KindApplication is a message produced by application code.
	KindApplication Kind = iota
	// KindSession carries the session id assigned by the server.
	KindSession
	// KindAck acknowledges a datagram by correlation id.
	KindAck
)

// ErrUnknownKind is returned when parsing a kind outside the closed set.
var ErrUnknownKind = errors.New("unknown message kind")

var kindNames = [...]string{
	KindApplication: "message",
	KindSession:     "session",
	KindAck:         "ack",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownKind, "%q", s)
}
