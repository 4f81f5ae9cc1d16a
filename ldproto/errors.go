package ldproto

import (
	"errors"
	"fmt"
)

// Decoder outcome classes.
// A [DecodeFunc] returns one of these, possibly wrapped,
// and the receiving connection decides how fatal it is.
var (
	// The frame or body is malformed.
	ErrBadMessage = errors.New("bad message")

	// A length field exceeds what the protocol allows.
	ErrTooBig = errors.New("message too big")

	// The message type is known but cannot be handled here.
	ErrNotSupported = errors.New("message not supported")

	// The decoder hit a condition it could not classify.
	// The frame is dropped but the connection stays up.
	ErrDecodeInternal = errors.New("internal decoder error")
)

// ErrIncomplete is returned from [DecodeHeader] and [DecodeFrame]
// when the input does not yet hold enough bytes.
// It is not an error condition for a streaming reader.
var ErrIncomplete = errors.New("incomplete frame")

// ChecksumMismatchError indicates that the checksum carried in a header
// does not match the checksum of the received body.
//
// It matches [ErrBadMessage] with errors.Is,
// so callers that only understand malformed messages
// still treat it as one.
type ChecksumMismatchError struct {
	Type MessageType

	Received, Computed uint64
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf(
		"checksum mismatch on %s message: received 0x%016x, computed 0x%016x",
		e.Type, e.Received, e.Computed,
	)
}

func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrBadMessage
}
