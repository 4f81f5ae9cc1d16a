// Package logdevice contains the per-worker [Sender],
// which owns the connections between a LogDevice node
// and the servers and clients it talks to.
//
// Connections themselves live in package [ldconn];
// the wire format is in [ldproto] and the messages in [ldmsg].
// A Sender adds what a single connection cannot know about:
// which connection serves a given peer, how many incoming connections
// may be open at once, the health monitor that closes stalled connections,
// and the graceful shutdown that tells clients to go elsewhere.
package logdevice
