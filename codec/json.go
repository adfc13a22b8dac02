package codec

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/Zereker/switchboard/message"
)

// frameHeaderSize is the length prefix of a stream frame:
//
//	Length(4 bytes, big-endian) JSON-envelope
const frameHeaderSize = 4

// envelope is the wire form of a message.
type envelope struct {
	Kind        string          `json:"kind"`
	Source      string          `json:"src,omitempty"`
	Destination string          `json:"dst,omitempty"`
	Correlation string          `json:"cid,omitempty"`
	Type        string          `json:"type,omitempty"`
	Datagram    bool            `json:"dgram,omitempty"`
	Token       string          `json:"tok,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// JSON encodes messages as JSON envelopes. On streams each envelope is
// prefixed with its length.
type JSON struct {
	maxSize int
}

// JSONOption configures a JSON codec.
type JSONOption func(*JSON)

// MaxSizeOption sets the maximum size of one encoded message.
func MaxSizeOption(size int) JSONOption {
	return func(c *JSON) {
		if size > 0 {
			c.maxSize = size
		}
	}
}

// NewJSON returns a JSON codec.
func NewJSON(opts ...JSONOption) *JSON {
	c := &JSON{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxSize returns the maximum size of one encoded message.
func (c *JSON) MaxSize() int {
	return c.maxSize
}

// Marshal encodes m as a single JSON envelope.
func (c *JSON) Marshal(m *message.Message) ([]byte, error) {
	env := envelope{
		Kind:        m.Kind.String(),
		Correlation: m.Correlation,
		Type:        m.Type,
		Datagram:    m.Datagram,
		Token:       m.Token,
		Payload:     m.Payload,
	}
	if src := m.Source(); src != message.Nil {
		env.Source = src.String()
	}
	if m.Destination != message.Nil {
		env.Destination = m.Destination.String()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if len(data) > c.maxSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Unmarshal decodes one JSON envelope. The kind is checked against the
// closed set before anything else is decoded.
func (c *JSON) Unmarshal(data []byte) (*message.Message, error) {
	if len(data) > c.maxSize {
		return nil, ErrMessageTooLarge
	}
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}

	kindField := gjson.GetBytes(data, "kind")
	if kindField.Type != gjson.String {
		return nil, errors.Wrap(ErrMalformed, "missing kind")
	}
	kind, err := message.ParseKind(kindField.Str)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err = json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	m := &message.Message{
		Kind:        kind,
		Correlation: env.Correlation,
		Type:        env.Type,
		Datagram:    env.Datagram,
		Token:       env.Token,
		Payload:     env.Payload,
	}
	if env.Destination != "" {
		if m.Destination, err = message.ParseSessionID(env.Destination); err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
	}
	if env.Source != "" {
		src, err := message.ParseSessionID(env.Source)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		_ = m.AssignSource(src)
	}

	return m, nil
}

// Encode encodes m as a length-prefixed frame.
func (c *JSON) Encode(m *message.Message) ([]byte, error) {
	body, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// Decode reads one length-prefixed frame from r. A clean end of stream
// before the header is reported as io.EOF.
func (c *JSON) Decode(r io.Reader) (*message.Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if int64(length) > int64(c.maxSize) {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return c.Unmarshal(body)
}
