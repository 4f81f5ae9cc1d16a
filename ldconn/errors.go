package ldconn

import (
	"errors"
	"fmt"

	"github.com/march-github/LogDevice/ldproto"
)

// Completion and close reasons.
// Every message completion and every close carries one of these,
// possibly wrapped with detail.
var (
	// The connection is closed, or was never connected.
	ErrNotConnected = errors.New("not connected")

	// Too many bytes are pending on the connection.
	ErrNoBufs = errors.New("connection output buffer is full")

	// The message is larger than the protocol allows.
	ErrTooBig = errors.New("message too big")

	// The message was cancelled before it was written.
	ErrCancelled = errors.New("message cancelled")

	// A non-ACK message was sent to a client before the handshake completed,
	// or a closed client connection was asked to reconnect.
	ErrUnreachable = errors.New("peer unreachable")

	// The negotiated protocol is too old for the message,
	// or the peers share no protocol version.
	ErrProtoNoSupport = errors.New("protocol version not supported")

	// The peer violated the protocol.
	ErrProtocol = errors.New("protocol error")

	// A malformed frame or body was received.
	// Checksum mismatches also match this error.
	ErrBadMessage = ldproto.ErrBadMessage

	// An internal invariant was violated.
	ErrInternal = errors.New("internal error")

	// A connect attempt or the handshake took too long.
	ErrTimedOut = errors.New("timed out")

	// The peer closed the connection.
	ErrPeerClosed = errors.New("peer closed connection")

	// The peer announced it was shutting down and then closed,
	// or this side is shutting down.
	ErrShutdown = errors.New("shutting down")

	// The handshake was refused because the connection limit was reached.
	ErrTooMany = errors.New("too many connections")

	// The transport failed to connect, or failed while connected.
	ErrConnFailed = errors.New("connection failed")

	// HELLO rejections, reported to the client through ACK.
	ErrInvalidCluster      = errors.New("cluster name mismatch")
	ErrAccess              = errors.New("access denied")
	ErrDestinationMismatch = errors.New("destination mismatch")
)

// Results of Connect and CheckConnection that do not indicate a failure
// of the connection itself.
var (
	// Already connected.
	ErrIsConn = errors.New("already connected")

	// A connect attempt is already in progress.
	ErrAlready = errors.New("connect already in progress")

	// The connect throttle vetoed a new attempt.
	ErrDisabled = errors.New("connecting to peer is temporarily disabled")

	// CheckConnection was called on an incoming connection.
	ErrInvalidParam = errors.New("invalid parameter")

	// The connection has not completed a handshake yet.
	ErrNeverConnected = errors.New("never connected")
)

// ProtocolError carries detail about a peer's protocol violation.
// It matches [ErrProtocol] with errors.Is.
type ProtocolError struct {
	Type ldproto.MessageType

	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s message: %s", e.Type, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// reasonLabel returns a short, bounded name for err,
// suitable as a metric label.
func reasonLabel(err error) string {
	var cm *ldproto.ChecksumMismatchError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cm):
		return "checksum_mismatch"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrNoBufs):
		return "nobufs"
	case errors.Is(err, ErrTooBig):
		return "too_big"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrProtoNoSupport):
		return "proto_no_support"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrBadMessage):
		return "bad_message"
	case errors.Is(err, ErrInternal):
		return "internal"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrTooMany):
		return "too_many"
	case errors.Is(err, ErrConnFailed):
		return "conn_failed"
	case errors.Is(err, ErrInvalidCluster):
		return "invalid_cluster"
	case errors.Is(err, ErrAccess):
		return "access"
	case errors.Is(err, ErrDestinationMismatch):
		return "destination_mismatch"
	default:
		return "other"
	}
}
