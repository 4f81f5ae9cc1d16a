package logdevice

import (
	"fmt"

	"github.com/march-github/LogDevice/ldconn"
)

// checkHealth classifies every connection's last period
// and closes the ones that are not draining.
func (s *Sender) checkHealth() {
	for _, sc := range s.servers {
		s.applyHealth(sc.conn)
	}
	for _, c := range s.clients {
		s.applyHealth(c)
	}

	if p := s.cfg.Settings.SocketHealthCheckPeriod; p > 0 && !s.shutdown {
		s.health.Schedule(p)
	}
}

func (s *Sender) applyHealth(c *ldconn.Connection) {
	if c.IsClosed() {
		return
	}

	switch st := c.CheckSocketHealth(); st {
	case ldconn.DrainStalled:
		s.log.Warn(
			"Closing stalled connection",
			"peer", c.Peer(),
			"pending_bytes", c.BytesPending(),
		)
		c.Close(fmt.Errorf("%w: connection stalled", ldconn.ErrTimedOut))

	case ldconn.DrainNetSlow:
		if s.slowCloseRate == nil || !s.slowCloseRate.AllowN(s.ex.Now(), 1) {
			return
		}
		s.log.Info(
			"Closing slow connection",
			"peer", c.Peer(),
			"pending_bytes", c.BytesPending(),
		)
		c.Close(fmt.Errorf("%w: connection draining slowly", ldconn.ErrTimedOut))
	}
}
