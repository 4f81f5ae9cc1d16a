package ldconn

import (
	"crypto/x509"
	"fmt"

	"github.com/march-github/LogDevice/internal/ldtrace"
	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
)

// onHello handles a client's HELLO on an incoming connection.
func (c *Connection) onHello(hello *ldmsg.Hello) error {
	if !c.peer.Client {
		return &ProtocolError{Type: ldproto.HelloType, Reason: "HELLO on outgoing connection"}
	}

	proto, status := c.evaluateHello(hello)

	if status == ldmsg.AckOK && c.deps.ClientBudget != nil {
		tok := c.deps.ClientBudget.TryAcquire(1)
		if tok == nil {
			status = ldmsg.AckTooMany
		} else {
			c.clientToken = tok
		}
	}

	if status != ldmsg.AckOK {
		c.log.Info(
			"Rejecting HELLO",
			"status", status,
			"client_proto_min", hello.ProtoMin,
			"client_proto_max", hello.ProtoMax,
			"session_id", hello.SessionID,
		)
		c.sendHandshake(&ldmsg.Ack{
			Proto:     c.proto,
			Status:    status,
			SessionID: hello.SessionID,
		})

		// The rejection must reach the client before the close.
		c.FlushOutputAndClose(ackStatusErr(status))
		return errStopReading
	}

	c.proto = proto
	c.sendHandshake(&ldmsg.Ack{
		Proto:     proto,
		Status:    ldmsg.AckOK,
		ClientIdx: c.clientIdx,
		SessionID: hello.SessionID,
	})
	if c.IsClosed() {
		return errStopReading
	}

	c.onHandshaken()
	return nil
}

// evaluateHello returns the protocol to use and the verdict on hello,
// before any connection limit is applied.
func (c *Connection) evaluateHello(hello *ldmsg.Hello) (ldproto.ProtocolVersion, ldmsg.AckStatus) {
	proto, ok := ldproto.Negotiate(c.settings.MaxProtocol, hello.ProtoMin, hello.ProtoMax)
	if !ok {
		return 0, ldmsg.AckProtoNoSupport
	}

	if c.settings.ClusterName != "" && hello.ClusterName != c.settings.ClusterName {
		return 0, ldmsg.AckInvalidCluster
	}

	if hello.DestinationNode != "" && c.deps.LocalName != "" && hello.DestinationNode != c.deps.LocalName {
		return 0, ldmsg.AckDestinationMismatch
	}

	if c.deps.Authorize != nil {
		if s := c.deps.Authorize(hello, c.peerPrincipal()); s != ldmsg.AckOK {
			return 0, s
		}
	}

	return proto, ldmsg.AckOK
}

// peerPrincipal is the identity in the peer's certificate chain,
// or empty if there is none.
func (c *Connection) peerPrincipal() string {
	certs := c.transport.PeerCertificates()
	if len(certs) == 0 {
		return ""
	}
	chain, err := ldcert.NewChainFromCerts(certs)
	if err != nil {
		c.log.Debug("Unusable peer certificate chain", "err", err)
		return ""
	}
	return chain.Principal()
}

// onAck handles the server's reply to our HELLO.
func (c *Connection) onAck(ack *ldmsg.Ack) error {
	if c.peer.Client {
		return &ProtocolError{Type: ldproto.AckType, Reason: "ACK on incoming connection"}
	}

	if ack.Status != ldmsg.AckOK {
		c.log.Info("Server rejected handshake", "status", ack.Status, "session_id", ack.SessionID)
		return ackStatusErr(ack.Status)
	}

	if !ack.Proto.Supported() || ack.Proto > c.settings.MaxProtocol {
		return fmt.Errorf(
			"%w: server chose protocol %d, offered up to %d",
			ErrProtoNoSupport, ack.Proto, c.settings.MaxProtocol,
		)
	}

	c.proto = ack.Proto
	c.ourName = ack.ClientIdx
	c.hasOurName = true
	c.firstAttempt = false
	c.throttle.ConnectSucceeded()

	c.onHandshaken()
	return nil
}

func (c *Connection) onHandshaken() {
	c.state = StateHandshaken
	c.handshakeTimer.Cancel()

	c.deps.Stats.HandshakeCompleted(c.proto)
	c.span.AddEvent("handshaken", ldtrace.WithAttributes(
		ldtrace.IntAttr("proto", int(c.proto)),
	))
	c.log.Debug("Handshake complete", "proto", c.proto)

	c.flushSerializeQueue()
}

// flushSerializeQueue sends everything released before the handshake,
// in release order.
func (c *Connection) flushSerializeQueue() {
	for !c.IsClosed() {
		e := c.serializeq.PopFront()
		if e == nil {
			return
		}
		c.send(e)
	}
}

// ackStatusErr maps a rejection status to the close reason on both sides.
func ackStatusErr(s ldmsg.AckStatus) error {
	switch s {
	case ldmsg.AckProtoNoSupport:
		return ErrProtoNoSupport
	case ldmsg.AckInvalidCluster:
		return ErrInvalidCluster
	case ldmsg.AckAccessDenied:
		return ErrAccess
	case ldmsg.AckDestinationMismatch:
		return ErrDestinationMismatch
	case ldmsg.AckTooMany:
		return ErrTooMany
	default:
		return fmt.Errorf("%w: unknown ACK status %s", ErrProtocol, s)
	}
}

// PeerCertificates returns the certificates the peer presented,
// or nil if the connection is closed or unencrypted.
func (c *Connection) PeerCertificates() []*x509.Certificate {
	if c.transport == nil {
		return nil
	}
	return c.transport.PeerCertificates()
}
