package ldmsg

import (
	"github.com/google/uuid"
	"github.com/march-github/LogDevice/ldproto"
)

// Shutdown is sent by a server to its clients before it stops.
// A client that receives it treats the following disconnect
// as an orderly shutdown rather than a peer failure.
type Shutdown struct {
	// Distinguishes restarts of the same server.
	ServerInstanceID uuid.UUID
}

func (*Shutdown) Type() ldproto.MessageType { return ldproto.ShutdownType }

func (*Shutdown) MinProtocol() ldproto.ProtocolVersion { return ldproto.MinSupportedProtocol }

func (*Shutdown) Priority() ldproto.Priority { return ldproto.PriorityMax }

func (s *Shutdown) EncodedSize(ldproto.ProtocolVersion) int { return len(s.ServerInstanceID) }

func (s *Shutdown) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	return append(dst, s.ServerInstanceID[:]...), nil
}

func decodeShutdown(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	var s Shutdown
	copy(s.ServerInstanceID[:], r.Fixed(len(s.ServerInstanceID)))
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &s, nil
}
