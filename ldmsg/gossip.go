package ldmsg

import "github.com/march-github/LogDevice/ldproto"

// Gossip carries failure-detector state between servers.
// It requires checksummed framing.
type Gossip struct {
	NodeIndex uint32
	Sequence  uint64

	Payload []byte
}

func (*Gossip) Type() ldproto.MessageType { return ldproto.GossipType }

func (*Gossip) MinProtocol() ldproto.ProtocolVersion { return ldproto.ChecksumSupportProtocol }

func (*Gossip) Priority() ldproto.Priority { return ldproto.PriorityMax }

func (g *Gossip) EncodedSize(ldproto.ProtocolVersion) int {
	return 4 + 8 + ldproto.BytesSize(len(g.Payload))
}

func (g *Gossip) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	dst = ldproto.AppendUint32(dst, g.NodeIndex)
	dst = ldproto.AppendUint64(dst, g.Sequence)
	return ldproto.AppendBytes(dst, g.Payload), nil
}

func decodeGossip(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	g := &Gossip{
		NodeIndex: r.Uint32(),
		Sequence:  r.Uint64(),
		Payload:   r.Bytes(),
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return g, nil
}

// GossipAllowed is the set of message types permitted on gossip sockets.
var GossipAllowed = ldproto.NewTypeSet(
	ldproto.HelloType, ldproto.AckType, ldproto.ShutdownType, ldproto.GossipType,
)
