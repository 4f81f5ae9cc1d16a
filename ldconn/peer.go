package ldconn

import (
	"fmt"
	"net"
)

// Peer identifies the other end of a connection.
type Peer struct {
	// Node name for servers. For clients, a name assigned on accept.
	Name string

	// Set for incoming connections.
	Client bool

	Addr net.Addr
}

func (p Peer) String() string {
	if p.Addr == nil {
		return p.Name
	}
	return fmt.Sprintf("%s(%s)", p.Name, p.Addr)
}

// SocketType is the traffic class of a connection.
type SocketType uint8

const (
	SocketData SocketType = iota

	// Gossip connections only carry failure-detector traffic
	// and refuse everything else.
	SocketGossip
)

func (t SocketType) String() string {
	switch t {
	case SocketData:
		return "DATA"
	case SocketGossip:
		return "GOSSIP"
	default:
		return fmt.Sprintf("SocketType(%d)", uint8(t))
	}
}

// State is the lifecycle state of a [Connection].
type State uint8

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaken

	// Only observable from callbacks made during teardown.
	StateClosing

	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED_UNHANDSHAKEN"
	case StateHandshaken:
		return "HANDSHAKEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
