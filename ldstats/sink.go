// Package ldstats contains the statistics sinks that connections report to.
package ldstats

import (
	"github.com/march-github/LogDevice/ldproto"
)

// Sink receives counter updates from connections.
//
// Connections call Sink methods from their executor,
// but one Sink is normally shared by every executor in the process,
// so implementations must be safe for concurrent use.
type Sink interface {
	// A transport connected, or an incoming one was accepted.
	ConnectionOpened(kind string, encrypted bool)
	// A connection that had opened was closed, for the given reason.
	ConnectionClosed(kind string, encrypted bool, reason string)

	ConnectAttempt()
	ConnectRetry()
	ConnectTimeout()
	HandshakeTimeout()
	HandshakeCompleted(proto ldproto.ProtocolVersion)

	MessageSent(t ldproto.MessageType, bytes int)
	MessageReceived(t ldproto.MessageType, bytes int)
	// A registered message completed without being written.
	MessageFailed(t ldproto.MessageType, reason string)

	ChecksumVerified()
	ChecksumMismatch()

	// Receipt of a message was deferred for lack of buffer budget.
	ReadNoBufs()

	// Change in bytes queued but not yet acknowledged by any transport.
	BytesPending(delta int)

	ProtocolError(reason string)
}

// Nop is a [Sink] that discards everything.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) ConnectionOpened(string, bool)              {}
func (Nop) ConnectionClosed(string, bool, string)      {}
func (Nop) ConnectAttempt()                            {}
func (Nop) ConnectRetry()                              {}
func (Nop) ConnectTimeout()                            {}
func (Nop) HandshakeTimeout()                          {}
func (Nop) HandshakeCompleted(ldproto.ProtocolVersion) {}
func (Nop) MessageSent(ldproto.MessageType, int)       {}
func (Nop) MessageReceived(ldproto.MessageType, int)   {}
func (Nop) MessageFailed(ldproto.MessageType, string)  {}
func (Nop) ChecksumVerified()                          {}
func (Nop) ChecksumMismatch()                          {}
func (Nop) ReadNoBufs()                                {}
func (Nop) BytesPending(int)                           {}
func (Nop) ProtocolError(string)                       {}
