// Package ldconn contains the per-peer connection engine.
//
// A [Connection] turns a [ldtransport.Transport] byte stream
// into an ordered, flow-controlled channel of framed messages.
// It owns the handshake, the three outbound queues
// (admission, pre-handshake hold and in-flight),
// the receive pipeline, health accounting and teardown.
//
// Every method of a Connection must be called from its executor,
// and every callback it makes runs on that executor.
// A Connection has no internal locking.
package ldconn
