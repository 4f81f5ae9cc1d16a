package ldmsg

import "github.com/march-github/LogDevice/ldproto"

// NewRegistry returns a registry with a decoder
// for every message type in this package.
func NewRegistry() *ldproto.Registry {
	r := ldproto.NewRegistry()
	r.Register(ldproto.HelloType, decodeHello)
	r.Register(ldproto.AckType, decodeAck)
	r.Register(ldproto.ShutdownType, decodeShutdown)
	r.Register(ldproto.AppendType, decodeAppend)
	r.Register(ldproto.AppendedType, decodeAppended)
	r.Register(ldproto.GossipType, decodeGossip)
	return r
}
