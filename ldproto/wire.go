package ldproto

import (
	"encoding/binary"
	"fmt"
)

// Helpers for encoding message bodies.
// Every integer is big-endian, and variable-length fields
// are prefixed with a uint32 length.

func AppendUint8(dst []byte, v uint8) []byte { return append(dst, v) }

func AppendUint16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }

func AppendUint32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }

func AppendUint64(dst []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(dst, v) }

// AppendBytes appends a length-prefixed byte slice.
func AppendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// AppendString appends a length-prefixed string.
func AppendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// BytesSize is the encoded size of a length-prefixed field of n bytes.
func BytesSize(n int) int { return 4 + n }

// Reader decodes fields written by the Append helpers.
// The first failure sticks; later reads return zero values,
// so callers can check [*Reader.Err] once at the end.
type Reader struct {
	b   []byte
	err error
}

// NewReader returns a Reader over b.
// The slices returned by [*Reader.Bytes] alias b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf(
			"%w: need %d bytes for %s, have %d", ErrBadMessage, n, what, len(r.b),
		)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bytes reads a length-prefixed field.
// A length above [MaxMessageLen] is reported as [ErrTooBig].
func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if n > MaxMessageLen {
		r.err = fmt.Errorf("%w: field length %d", ErrTooBig, n)
		return nil
	}
	return r.take(int(n), "bytes")
}

// Text reads a length-prefixed string.
func (r *Reader) Text() string {
	return string(r.Bytes())
}

// Fixed reads exactly n bytes with no length prefix.
func (r *Reader) Fixed(n int) []byte {
	return r.take(n, "fixed field")
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.b) }

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Finish returns the first decoding error,
// or an error if any bytes were left unread.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadMessage, len(r.b))
	}
	return nil
}
