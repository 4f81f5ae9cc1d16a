package ldmsg

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/march-github/LogDevice/ldproto"
)

// AckStatus is the server's verdict on a HELLO.
type AckStatus uint8

const (
	AckOK AckStatus = 0

	AckProtoNoSupport      AckStatus = 1
	AckInvalidCluster      AckStatus = 2
	AckAccessDenied        AckStatus = 3
	AckDestinationMismatch AckStatus = 4
	AckTooMany             AckStatus = 5
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "OK"
	case AckProtoNoSupport:
		return "PROTONOSUPPORT"
	case AckInvalidCluster:
		return "INVALID_CLUSTER"
	case AckAccessDenied:
		return "ACCESS"
	case AckDestinationMismatch:
		return "DESTINATION_MISMATCH"
	case AckTooMany:
		return "TOOMANY"
	default:
		return fmt.Sprintf("AckStatus(%d)", uint8(s))
	}
}

// Ack is the server's reply to a [Hello].
type Ack struct {
	// Negotiated protocol version. Meaningless unless Status is AckOK.
	Proto ldproto.ProtocolVersion

	Status AckStatus

	// The name the server assigned to this client connection.
	ClientIdx uint32

	// Echo of the HELLO's session ID.
	SessionID uuid.UUID
}

func (*Ack) Type() ldproto.MessageType { return ldproto.AckType }

func (*Ack) MinProtocol() ldproto.ProtocolVersion { return ldproto.MinSupportedProtocol }

func (*Ack) Priority() ldproto.Priority { return ldproto.PriorityMax }

func (a *Ack) EncodedSize(ldproto.ProtocolVersion) int {
	return 2 + 1 + 4 + len(a.SessionID)
}

func (a *Ack) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	dst = ldproto.AppendUint16(dst, uint16(a.Proto))
	dst = ldproto.AppendUint8(dst, uint8(a.Status))
	dst = ldproto.AppendUint32(dst, a.ClientIdx)
	return append(dst, a.SessionID[:]...), nil
}

func decodeAck(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	a := &Ack{
		Proto:     ldproto.ProtocolVersion(r.Uint16()),
		Status:    AckStatus(r.Uint8()),
		ClientIdx: r.Uint32(),
	}
	copy(a.SessionID[:], r.Fixed(len(a.SessionID)))
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}
