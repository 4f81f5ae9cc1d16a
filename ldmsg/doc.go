// Package ldmsg contains the concrete messages exchanged over connections.
//
// HELLO and ACK form the handshake.
// SHUTDOWN announces that a server is going away.
// APPEND and APPENDED carry records and their acknowledgements,
// and GOSSIP is the only traffic allowed on gossip sockets.
package ldmsg
