package ldproto

import "fmt"

// MessageType is the first byte of every frame.
type MessageType uint8

// Values are explicit rather than iota,
// because they are part of the wire format.
// Keep zero reserved.
const (
	InvalidType MessageType = 0

	// Handshake messages.
	HelloType MessageType = 'H'
	AckType   MessageType = 'A'

	ShutdownType MessageType = 'U'

	AppendType   MessageType = 'p'
	AppendedType MessageType = 'P'

	GossipType MessageType = 'G'
)

// IsHandshake reports whether t is one of the two handshake types.
// Handshake messages are never checksummed,
// and they are exempt from per-connection byte limits.
func (t MessageType) IsHandshake() bool {
	return t == HelloType || t == AckType
}

func (t MessageType) String() string {
	switch t {
	case HelloType:
		return "HELLO"
	case AckType:
		return "ACK"
	case ShutdownType:
		return "SHUTDOWN"
	case AppendType:
		return "APPEND"
	case AppendedType:
		return "APPENDED"
	case GossipType:
		return "GOSSIP"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}
