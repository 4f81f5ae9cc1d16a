package ldproto

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the body checksum used under protocol version proto.
// Versions before [ChecksumSupportProtocol] have no checksum and return 0.
func Checksum(proto ProtocolVersion, body []byte) uint64 {
	switch {
	case proto >= ProtocolV3:
		return xxhash.Sum64(body)
	case proto >= ChecksumSupportProtocol:
		return uint64(crc32.Checksum(body, castagnoli))
	default:
		return 0
	}
}

// VerifyChecksum checks body against the checksum carried in h.
// A zero checksum means the sender did not compute one,
// and it is accepted without comparison.
func VerifyChecksum(h Header, proto ProtocolVersion, body []byte) error {
	if h.Checksum == 0 || !NeedsChecksum(h.Type, proto) {
		return nil
	}

	if c := Checksum(proto, body); c != h.Checksum {
		return &ChecksumMismatchError{
			Type:     h.Type,
			Received: h.Checksum,
			Computed: c,
		}
	}
	return nil
}
