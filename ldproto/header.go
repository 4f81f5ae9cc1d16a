package ldproto

import (
	"encoding/binary"
	"fmt"
)

const (
	// Type byte plus length field.
	MinHeaderSize = 5

	ChecksumSize = 8

	MaxHeaderSize = MinHeaderSize + ChecksumSize

	// Largest body any message may encode to.
	MaxMessageLen = 32 << 20

	// Largest value the length field may hold.
	MaxFrameLen = MaxMessageLen + MaxHeaderSize
)

// Header is the decoded form of a frame header.
type Header struct {
	Type MessageType

	// Total frame length, header included.
	Len uint32

	// Zero if the header has no checksum field
	// or the sender did not compute one.
	Checksum uint64
}

// NeedsChecksum reports whether a header for a message of type t
// includes the checksum field under protocol version proto.
func NeedsChecksum(t MessageType, proto ProtocolVersion) bool {
	return proto >= ChecksumSupportProtocol && !t.IsHandshake()
}

// HeaderSize returns the encoded header size for type t under proto.
func HeaderSize(t MessageType, proto ProtocolVersion) int {
	if NeedsChecksum(t, proto) {
		return MaxHeaderSize
	}
	return MinHeaderSize
}

// BodyLen returns the length of the body following h.
func (h Header) BodyLen(proto ProtocolVersion) int {
	return int(h.Len) - HeaderSize(h.Type, proto)
}

// AppendEncode appends the encoded header to dst.
func (h Header) AppendEncode(dst []byte, proto ProtocolVersion) []byte {
	dst = append(dst, byte(h.Type))
	dst = binary.BigEndian.AppendUint32(dst, h.Len)
	if NeedsChecksum(h.Type, proto) {
		dst = binary.BigEndian.AppendUint64(dst, h.Checksum)
	}
	return dst
}

// PeekType returns the message type at the start of b,
// if b is not empty.
func PeekType(b []byte) (MessageType, bool) {
	if len(b) == 0 {
		return InvalidType, false
	}
	return MessageType(b[0]), true
}

// DecodeHeader decodes the header at the start of b.
// It returns [ErrIncomplete] if b is shorter than the header.
//
// The declared length is validated against the header size
// and [MaxFrameLen]; violations are reported as [ErrBadMessage].
// DecodeHeader does not check whether the type is known.
func DecodeHeader(b []byte, proto ProtocolVersion) (Header, int, error) {
	if len(b) < MinHeaderSize {
		return Header{}, 0, ErrIncomplete
	}

	h := Header{
		Type: MessageType(b[0]),
		Len:  binary.BigEndian.Uint32(b[1:MinHeaderSize]),
	}

	sz := HeaderSize(h.Type, proto)
	if h.Len < uint32(sz) {
		return Header{}, 0, fmt.Errorf(
			"%w: declared length %d of %s message is smaller than its %d-byte header",
			ErrBadMessage, h.Len, h.Type, sz,
		)
	}
	if h.Len > MaxFrameLen {
		return Header{}, 0, fmt.Errorf(
			"%w: declared length %d of %s message exceeds maximum %d",
			ErrBadMessage, h.Len, h.Type, MaxFrameLen,
		)
	}

	if len(b) < sz {
		return Header{}, 0, ErrIncomplete
	}

	if sz == MaxHeaderSize {
		h.Checksum = binary.BigEndian.Uint64(b[MinHeaderSize:MaxHeaderSize])
	}

	return h, sz, nil
}
