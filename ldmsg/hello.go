package ldmsg

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/march-github/LogDevice/ldproto"
)

// Hello is the first message a client sends on a new connection.
type Hello struct {
	// Range of protocol versions the client can speak.
	ProtoMin, ProtoMax ldproto.ProtocolVersion

	// Must match the server's cluster name.
	ClusterName string

	// If set, the server rejects the handshake
	// unless this names the server itself.
	DestinationNode string

	// Opaque credentials checked by the server's permission checker.
	Credentials string

	// Identifies this connection attempt in logs on both sides.
	SessionID uuid.UUID
}

func (*Hello) Type() ldproto.MessageType { return ldproto.HelloType }

func (*Hello) MinProtocol() ldproto.ProtocolVersion { return ldproto.MinSupportedProtocol }

func (*Hello) Priority() ldproto.Priority { return ldproto.PriorityMax }

func (h *Hello) EncodedSize(ldproto.ProtocolVersion) int {
	return 2 + 2 +
		ldproto.BytesSize(len(h.ClusterName)) +
		ldproto.BytesSize(len(h.DestinationNode)) +
		ldproto.BytesSize(len(h.Credentials)) +
		len(h.SessionID)
}

func (h *Hello) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	dst = ldproto.AppendUint16(dst, uint16(h.ProtoMin))
	dst = ldproto.AppendUint16(dst, uint16(h.ProtoMax))
	dst = ldproto.AppendString(dst, h.ClusterName)
	dst = ldproto.AppendString(dst, h.DestinationNode)
	dst = ldproto.AppendString(dst, h.Credentials)
	return append(dst, h.SessionID[:]...), nil
}

func decodeHello(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	h := &Hello{
		ProtoMin:        ldproto.ProtocolVersion(r.Uint16()),
		ProtoMax:        ldproto.ProtocolVersion(r.Uint16()),
		ClusterName:     r.Text(),
		DestinationNode: r.Text(),
		Credentials:     r.Text(),
	}
	copy(h.SessionID[:], r.Fixed(len(h.SessionID)))
	if err := r.Finish(); err != nil {
		return nil, err
	}

	if h.ProtoMin > h.ProtoMax {
		return nil, fmt.Errorf(
			"%w: HELLO protocol range [%d, %d] is empty",
			ldproto.ErrBadMessage, h.ProtoMin, h.ProtoMax,
		)
	}
	return h, nil
}
