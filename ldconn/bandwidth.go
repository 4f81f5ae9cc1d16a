package ldconn

import (
	"slices"

	"github.com/march-github/LogDevice/ldflow"
	"github.com/march-github/LogDevice/ldproto"
)

// bwWaiter adapts a [BWAvailableCallback] to the flow group.
// It costs nothing; it only waits its turn at a priority.
type bwWaiter struct {
	c  *Connection
	cb BWAvailableCallback
	p  ldproto.Priority
}

var _ ldflow.Waiter = (*bwWaiter)(nil)

func (w *bwWaiter) Cost() int                  { return 0 }
func (w *bwWaiter) Priority() ldproto.Priority { return w.p }

func (w *bwWaiter) BandwidthAvailable() {
	i := slices.Index(w.c.bwWaiters, w)
	if i < 0 {
		// Cancelled by close.
		return
	}
	w.c.bwWaiters = slices.Delete(w.c.bwWaiters, i, i+1)
	w.cb.BandwidthAvailable()
}

// WaitForBandwidth arranges for cb to be called
// once the flow group has bandwidth at priority p,
// or to be cancelled when the connection closes.
//
// It returns [ErrNotConnected] if the connection is closed.
func (c *Connection) WaitForBandwidth(p ldproto.Priority, cb BWAvailableCallback) error {
	if c.IsClosed() {
		return ErrNotConnected
	}
	if !p.Valid() {
		panic("BUG: WaitForBandwidth with invalid priority")
	}

	w := &bwWaiter{c: c, cb: cb, p: p}
	c.bwWaiters = append(c.bwWaiters, w)

	if c.deps.Flow == nil {
		c.ex.Post(w.BandwidthAvailable)
		return nil
	}
	c.deps.Flow.Request(w)
	return nil
}
