package logdevice

import (
	"fmt"

	"github.com/march-github/LogDevice/ldconn"
)

// Shutdown starts a graceful shutdown.
//
// Every handshaken client is sent SHUTDOWN, so that it can tell
// this node's going away apart from a failure.
// Then every connection stops reading and closes with
// [ldconn.ErrShutdown] once its buffered output is written,
// or once [SenderConfig.ShutdownTimeout] passes, whichever is first.
// New sends fail with [ErrShuttingDown] from here on.
//
// The returned channel is closed once every connection is closed.
// Calling Shutdown again returns the same channel.
func (s *Sender) Shutdown() <-chan struct{} {
	if s.shutdown {
		return s.shutdownDone
	}
	s.shutdown = true
	s.health.Cancel()

	s.log.Info(
		"Shutting down sender",
		"clients", len(s.clients),
		"servers", len(s.servers),
		"pending_bytes", s.pendingBytes,
	)

	for id, c := range s.clients {
		if c.Handshaken() {
			if err := c.SendShutdown(s.instanceID); err != nil {
				s.log.Debug("Failed to send SHUTDOWN", "client", id, "err", err)
			}
		}
		c.FlushOutputAndClose(ldconn.ErrShutdown)
	}

	for _, sc := range s.servers {
		if !sc.conn.IsClosed() {
			sc.conn.FlushOutputAndClose(ldconn.ErrShutdown)
		}
	}

	s.maybeFinishShutdown()
	if !s.shutdownFinished {
		s.shutdownTimer.Schedule(s.cfg.ShutdownTimeout)
	}
	return s.shutdownDone
}

// abandonShutdownFlush closes every connection still flushing
// when the shutdown timeout passes.
func (s *Sender) abandonShutdownFlush() {
	if s.shutdownFinished {
		return
	}

	var open []*ldconn.Connection
	for _, c := range s.clients {
		open = append(open, c)
	}
	for _, sc := range s.servers {
		if !sc.conn.IsClosed() {
			open = append(open, sc.conn)
		}
	}

	s.log.Warn(
		"Closing connections that did not flush before the shutdown timeout",
		"connections", len(open),
		"timeout", s.cfg.ShutdownTimeout,
		"pending_bytes", s.pendingBytes,
	)

	reason := fmt.Errorf("%w: output not flushed within %s", ldconn.ErrShutdown, s.cfg.ShutdownTimeout)
	for _, c := range open {
		c.Close(reason)
	}

	s.maybeFinishShutdown()
}

func (s *Sender) maybeFinishShutdown() {
	if !s.shutdown || s.shutdownFinished {
		return
	}
	if len(s.clients) > 0 {
		return
	}
	for _, sc := range s.servers {
		if !sc.conn.IsClosed() {
			return
		}
	}

	s.shutdownFinished = true
	s.shutdownTimer.Cancel()
	close(s.shutdownDone)
	s.log.Info("Sender shutdown complete")
}
