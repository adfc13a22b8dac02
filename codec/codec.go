// Package codec converts messages to and from bytes.
//
// A Codec has two shapes: a framed form for byte streams, where Decode must
// consume exactly one frame so that the next call starts at the next message,
// and a self-contained form for datagrams, where one packet holds one message.
package codec

import (
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard/message"
)

// Errors returned by codecs.
var (
	// ErrMessageTooLarge is returned when a frame exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrEmptyFrame is returned when a stream frame declares zero length.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrMalformed is returned when a frame or packet is not a valid envelope.
	ErrMalformed = errors.New("malformed message")
)

// Codec is the interface for message encoding and decoding.
type Codec interface {
	// Decode reads exactly one framed message from a stream.
	Decode(r io.Reader) (*message.Message, error)
	// Encode encodes a message into one stream frame.
	Encode(m *message.Message) ([]byte, error)
	// Marshal encodes a message into one datagram.
	Marshal(m *message.Message) ([]byte, error)
	// Unmarshal decodes one datagram.
	Unmarshal(data []byte) (*message.Message, error)
}

// DefaultMaxSize is the default maximum size of a single encoded message (1MB).
const DefaultMaxSize = 1024 * 1024
