package ldproto

// ProtocolVersion is negotiated during the handshake,
// and it determines header layout and checksum algorithm
// for every later frame on the connection.
type ProtocolVersion uint16

const (
	// Original framing: no checksum field in any header.
	ProtocolV1 ProtocolVersion = 1

	// Non-handshake headers carry a CRC32C body checksum.
	ProtocolV2 ProtocolVersion = 2

	// Non-handshake headers carry an xxhash64 body checksum.
	ProtocolV3 ProtocolVersion = 3
)

const (
	MinSupportedProtocol = ProtocolV1
	MaxSupportedProtocol = ProtocolV3

	// First version whose headers include a checksum field.
	ChecksumSupportProtocol = ProtocolV2
)

// Supported reports whether p is in the supported range.
func (p ProtocolVersion) Supported() bool {
	return p >= MinSupportedProtocol && p <= MaxSupportedProtocol
}

// Negotiate returns the version both sides should use,
// given the local maximum and the peer's advertised range.
// The second result is false when the ranges do not overlap.
func Negotiate(localMax, peerMin, peerMax ProtocolVersion) (ProtocolVersion, bool) {
	v := min(localMax, peerMax, MaxSupportedProtocol)
	if v < peerMin || v < MinSupportedProtocol {
		return 0, false
	}
	return v, true
}
