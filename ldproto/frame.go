package ldproto

import (
	"encoding/binary"
	"fmt"
)

// AppendFrame appends the complete frame for m to dst.
// When checksum is false, or proto has no checksum field for m's type,
// the checksum field (if present) is written as zero.
func AppendFrame(dst []byte, m Message, proto ProtocolVersion, checksum bool) ([]byte, error) {
	t := m.Type()
	hsz := HeaderSize(t, proto)

	start := len(dst)
	dst = append(dst, make([]byte, hsz)...)

	var err error
	dst, err = m.AppendBody(dst, proto)
	if err != nil {
		return dst[:start], fmt.Errorf("failed to encode %s body: %w", t, err)
	}

	body := dst[start+hsz:]
	if len(body) > MaxMessageLen {
		return dst[:start], fmt.Errorf(
			"%w: %s body is %d bytes, maximum %d", ErrTooBig, t, len(body), MaxMessageLen,
		)
	}

	dst[start] = byte(t)
	binary.BigEndian.PutUint32(dst[start+1:], uint32(hsz+len(body)))
	if hsz == MaxHeaderSize {
		var c uint64
		if checksum {
			c = Checksum(proto, body)
		}
		binary.BigEndian.PutUint64(dst[start+MinHeaderSize:], c)
	}

	return dst, nil
}

// DecodeFrame decodes one complete frame from the start of b,
// returning the message and the number of bytes consumed.
// If verify is set, a present checksum is validated before decoding.
func DecodeFrame(
	b []byte, proto ProtocolVersion, reg *Registry, verify bool,
) (Message, int, error) {
	h, hsz, err := DecodeHeader(b, proto)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < int(h.Len) {
		return nil, 0, ErrIncomplete
	}

	body := b[hsz:h.Len]
	if verify {
		if err := VerifyChecksum(h, proto, body); err != nil {
			return nil, 0, err
		}
	}

	m, err := reg.Decode(h.Type, body, proto)
	if err != nil {
		return nil, 0, err
	}
	return m, int(h.Len), nil
}
