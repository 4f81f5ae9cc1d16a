package logdevice

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldtransport"
	"github.com/march-github/LogDevice/ldtransport/ldquic"
	"github.com/march-github/LogDevice/ldtransport/ldtcp"
	"github.com/quic-go/quic-go"
)

// Listeners are the sources of incoming connections for a [Sender].
// The Sender takes ownership of every listener set here
// and closes them when its context is cancelled.
type Listeners struct {
	// Accepts TCP connections.
	TCP net.Listener

	// Whether connections accepted from TCP are wrapped in TLS.
	TLS bool

	// If set, QUIC connections are accepted on this socket.
	// The caller still owns UDP and must close it after Wait returns.
	UDP *net.UDPConn

	// If nil, [ldquic.DefaultConfig] is used.
	QUIC *quic.Config
}

// startListeners starts one accept goroutine per configured listener.
func (s *Sender) startListeners() error {
	l := s.cfg.Listeners

	if l.UDP != nil {
		qt := ldquic.MakeTransport(l.UDP)
		ql, err := ldquic.StartListener(s.cfg.TLS, l.QUIC, qt)
		if err != nil {
			// Already wrapped.
			return err
		}

		s.wg.Add(1)
		go s.acceptQUIC(ql, qt)
	}

	if l.TCP != nil {
		s.wg.Add(2)
		go s.acceptTCP(l.TCP)

		// Accept on a net.Listener does not observe the context,
		// so closing the listener is what stops the accept loop.
		go func() {
			defer s.wg.Done()
			<-s.ctx.Done()
			if err := l.TCP.Close(); err != nil {
				s.log.Debug("Error closing TCP listener", "err", err)
			}
		}()
	}

	return nil
}

func (s *Sender) acceptTCP(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info(
					"TCP accept loop quitting",
					"cause", context.Cause(s.ctx),
				)
				return
			}

			// Debug-level because this could be spammy under a flood of bad connections.
			s.log.Debug("Failed to accept incoming TCP connection", "err", err)
			continue
		}

		if s.cfg.Listeners.TLS {
			conn = tls.Server(conn, s.cfg.TLS.ServerConfig())
		}

		t := ldtcp.FromConn(
			s.log.With("remote_addr", conn.RemoteAddr().String()),
			s.ex, conn, s.tcpTLSProvider(), s.cfg.Settings.ReadBufferSize,
		)
		s.handOff(t)
	}
}

func (s *Sender) acceptQUIC(ql *quic.Listener, qt *quic.Transport) {
	defer s.wg.Done()
	defer func() {
		if err := ql.Close(); err != nil {
			s.log.Debug("Error closing QUIC listener", "err", err)
		}
		if err := qt.Close(); err != nil {
			s.log.Debug("Error closing QUIC transport", "err", err)
		}
	}()

	for {
		qc, err := ql.Accept(s.ctx)
		if err != nil {
			if errors.Is(context.Cause(s.ctx), err) || s.ctx.Err() != nil {
				s.log.Info(
					"QUIC accept loop quitting due to context cancellation",
					"cause", context.Cause(s.ctx),
				)
				return
			}

			s.log.Debug("Failed to accept incoming QUIC connection", "err", err)
			continue
		}

		t, err := ldquic.FromConn(
			s.log.With("remote_addr", qc.RemoteAddr().String()),
			s.ex, ldquic.WrapConn(qc), s.cfg.TLS, s.cfg.Settings.ReadBufferSize,
		)
		if err != nil {
			s.log.Info(
				"Failed to set up incoming QUIC connection",
				"remote_addr", qc.RemoteAddr().String(),
				"err", err,
			)
			_ = qc.CloseWithError(quic.ApplicationErrorCode(ldquic.ClosedByApplication), "")
			continue
		}

		s.handOff(t)
	}
}

// handOff passes an accepted transport to the executor.
func (s *Sender) handOff(t ldtransport.Transport) {
	ok := s.ex.Post(func() {
		if _, err := s.AddClient(t); err != nil {
			s.log.Debug("Incoming connection refused", "err", err)
		}
	})
	if !ok {
		if err := t.Close(); err != nil {
			s.log.Debug("Error closing transport after executor stopped", "err", err)
		}
	}
}

func (s *Sender) tcpTLSProvider() ldcert.Provider {
	if !s.cfg.Listeners.TLS {
		return nil
	}
	return s.cfg.TLS
}
