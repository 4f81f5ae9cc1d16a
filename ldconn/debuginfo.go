package ldconn

import (
	"github.com/march-github/LogDevice/ldproto"
)

// DebugInfo is a snapshot of a connection for admin tooling.
type DebugInfo struct {
	// One of I (closed), C (connecting), H (handshaking) or A (active).
	State string

	Peer       string
	SocketType string
	Transport  string
	Encrypted  bool

	Proto ldproto.ProtocolVersion

	PendingKiB   float64
	AvailableKiB float64
	ReceivedMiB  float64
	DrainedMiB   float64

	MessagesReceived uint64
	MessagesSent     uint64

	// Drain rate over the last health check period.
	ThroughputKBps float64

	// Share of the transport's busy time limited by the receiver's window
	// or by the local send buffer. Zero without congestion counters.
	RwndLimitedPct   float64
	SndbufLimitedPct float64
}

// DebugInfo returns a snapshot of the connection's state and counters.
func (c *Connection) DebugInfo() DebugInfo {
	d := DebugInfo{
		State:      c.stateLetter(),
		Peer:       c.peer.String(),
		SocketType: c.sockType.String(),
		Transport:  c.kind,
		Encrypted:  c.encrypted,
		Proto:      c.proto,

		PendingKiB:   float64(c.BytesPending()) / (1 << 10),
		AvailableKiB: float64(len(c.in.buf)) / (1 << 10),
		ReceivedMiB:  float64(c.numBytesReceived) / (1 << 20),
		DrainedMiB:   float64(c.drainPos) / (1 << 20),

		MessagesReceived: c.numMessagesReceived,
		MessagesSent:     c.numMessagesSent,

		ThroughputKBps: c.health.throughput / 1e3,
	}

	if c.transport != nil {
		if ci, ok := c.transport.CongestionInfo(); ok && ci.BusyTime > 0 {
			d.RwndLimitedPct = 100 * float64(ci.RwndLimited) / float64(ci.BusyTime)
			d.SndbufLimitedPct = 100 * float64(ci.SndbufLimited) / float64(ci.BusyTime)
		}
	}

	return d
}

func (c *Connection) stateLetter() string {
	switch {
	case c.IsClosed():
		return "I"
	case c.state == StateConnecting:
		return "C"
	case c.state == StateConnected:
		return "H"
	default:
		return "A"
	}
}
