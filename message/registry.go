package message

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownType is returned when resolving a payload type that was never
// registered.
var ErrUnknownType = errors.New("unknown payload type")

// Registry maps payload type names to the Go types they decode into.
//
// Only registered types can be produced from the wire; there is no
// open-ended lookup by type name.
type Registry struct {
	mu    sync.RWMutex
	types map[string]func() any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]func() any)}
}

// Register binds typ to a factory returning a pointer to decode into.
func (r *Registry) Register(typ string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[typ] = factory
}

// RegisterType binds typ to T. Resolved values are *T.
func RegisterType[T any](r *Registry, typ string) {
	r.Register(typ, func() any { return new(T) })
}

// Resolve decodes the payload of an application message into its registered
// type and stores it in m.Value. Session and ack messages are returned as is.
func (r *Registry) Resolve(m *Message) (*Message, error) {
	if m.Kind != KindApplication {
		return m, nil
	}

	r.mu.RLock()
	factory, ok := r.types[m.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", m.Type)
	}

	v := factory()
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return nil, errors.Wrapf(err, "resolve %s payload", m.Type)
		}
	}
	m.Value = v

	return m, nil
}
