// Package ldproto contains the wire-level definitions shared by
// every connection: message types, protocol versions,
// the frame header codec, body checksums,
// and the registry of message decoders.
//
// A frame on the wire is
//
//	[type:1][length:4][checksum:8, optional][body]
//
// where length counts the whole frame including the header,
// and the checksum, when present, covers only the body.
// Whether the checksum field is present is a pure function of
// the message type and the negotiated protocol version
// (see [NeedsChecksum]), so both peers always agree on the header size.
package ldproto
