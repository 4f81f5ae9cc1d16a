package ldproto

import (
	"fmt"
)

// Message is an application message that can be framed onto a connection.
type Message interface {
	Type() MessageType

	// MinProtocol is the lowest protocol version able to carry the message.
	MinProtocol() ProtocolVersion

	Priority() Priority

	// AppendBody appends the encoded body to dst.
	AppendBody(dst []byte, proto ProtocolVersion) ([]byte, error)

	// EncodedSize is the exact size of the body AppendBody produces.
	EncodedSize(proto ProtocolVersion) int
}

// Canceller is optionally implemented by messages
// that can be withdrawn after registration.
// A cancelled message completes with a cancellation error
// instead of being written.
type Canceller interface {
	Cancelled() bool
}

// FrameSize returns the full on-wire size of m under proto.
// It is the cost charged against byte limits.
func FrameSize(m Message, proto ProtocolVersion) int {
	return HeaderSize(m.Type(), proto) + m.EncodedSize(proto)
}

// DecodeFunc decodes a body of the type it was registered for.
// It should return an error wrapping one of
// [ErrBadMessage], [ErrTooBig], [ErrNotSupported] or [ErrDecodeInternal].
type DecodeFunc func(body []byte, proto ProtocolVersion) (Message, error)

// Registry maps message types to decoders.
// A Registry is populated at startup and read-only afterwards,
// so it is safe to share between connections.
type Registry struct {
	decoders [256]DecodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return new(Registry)
}

// Register sets the decoder for t.
// Registering the same type twice panics.
func (r *Registry) Register(t MessageType, fn DecodeFunc) {
	if t == InvalidType {
		panic("BUG: cannot register decoder for the invalid message type")
	}
	if r.decoders[t] != nil {
		panic(fmt.Errorf("BUG: decoder for %s registered twice", t))
	}
	r.decoders[t] = fn
}

// Known reports whether a decoder is registered for t.
func (r *Registry) Known(t MessageType) bool {
	return r.decoders[t] != nil
}

// Decode decodes body as a message of type t.
func (r *Registry) Decode(t MessageType, body []byte, proto ProtocolVersion) (Message, error) {
	fn := r.decoders[t]
	if fn == nil {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrBadMessage, t)
	}

	m, err := fn(body, proto)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", t, err)
	}
	if m.Type() != t {
		return nil, fmt.Errorf(
			"%w: decoder for %s produced %s", ErrDecodeInternal, t, m.Type(),
		)
	}
	return m, nil
}
