package ldconn

import (
	"fmt"
	"time"

	"github.com/march-github/LogDevice/ldtransport"
	"golang.org/x/time/rate"
)

// DrainStatus classifies how well a connection drained its output
// over the last health check period.
type DrainStatus uint8

const (
	// Not enough information, for example before the handshake.
	DrainUnknown DrainStatus = iota

	// Draining at or above the minimum rate.
	DrainActive

	// Mostly had nothing to send.
	DrainIdle

	// Slow, and the network path was the bottleneck.
	DrainNetSlow

	// Slow, and the receiver's window was the bottleneck.
	DrainRecvSlow

	// The oldest in-flight message is older than the allowed drain time.
	DrainStalled
)

func (s DrainStatus) String() string {
	switch s {
	case DrainUnknown:
		return "UNKNOWN"
	case DrainActive:
		return "ACTIVE"
	case DrainIdle:
		return "IDLE"
	case DrainNetSlow:
		return "NET_SLOW"
	case DrainRecvSlow:
		return "RECV_SLOW"
	case DrainStalled:
		return "STALLED"
	default:
		return fmt.Sprintf("DrainStatus(%d)", uint8(s))
	}
}

var healthLogLimit = rate.Sometimes{First: 5, Interval: time.Second}

// healthState accumulates what one health check period looked like.
type healthState struct {
	// Zero while buffered bytes are at or below the idle threshold.
	activeStart time.Time

	// Time spent above the idle threshold in the current period,
	// not counting the open interval from activeStart.
	activeTime time.Duration

	bytesSent uint64

	// Congestion counters at the last slow classification.
	lastCongestion ldtransport.CongestionInfo

	// Drain rate of the last completed period, in bytes per second.
	throughput float64
}

func (h *healthState) reset() { *h = healthState{} }

func (h *healthState) noteQueued(now time.Time, buffered, threshold int) {
	if buffered > threshold && h.activeStart.IsZero() {
		h.activeStart = now
	}
}

func (h *healthState) noteDrained(now time.Time, n, buffered, threshold int) {
	h.bytesSent += uint64(n)
	if buffered <= threshold && !h.activeStart.IsZero() {
		h.activeTime += now.Sub(h.activeStart)
		h.activeStart = time.Time{}
	}
}

// CheckSocketHealth classifies the period since the previous call
// and starts a new one.
//
// Callers are expected to call it once per
// [Settings.SocketHealthCheckPeriod].
func (c *Connection) CheckSocketHealth() DrainStatus {
	now := c.ex.Now()
	h := &c.health

	if !h.activeStart.IsZero() {
		h.activeTime += now.Sub(h.activeStart)
		h.activeStart = time.Time{}
	}

	status := c.classifyHealth(now)

	h.activeTime = 0
	h.bytesSent = 0
	if c.BufferedBytes() > c.settings.SocketIdleThreshold {
		h.activeStart = now
	}

	return status
}

func (c *Connection) classifyHealth(now time.Time) DrainStatus {
	period := c.settings.SocketHealthCheckPeriod
	if c.state != StateHandshaken || period <= 0 {
		return DrainUnknown
	}

	h := &c.health

	var oldest time.Duration
	if e := c.sendq.Front(); e != nil {
		oldest = e.Age(now)
	}

	activeFloor := time.Duration(int64(period) * int64(c.settings.MinSocketIdleThresholdPercent) / 100)
	active := activeFloor < h.activeTime
	h.throughput = float64(h.bytesSent) / period.Seconds()

	var status DrainStatus
	switch {
	case c.settings.MaxTimeToAllowSocketDrain > 0 && oldest > c.settings.MaxTimeToAllowSocketDrain:
		status = DrainStalled
	case !active:
		status = DrainIdle
	case h.throughput < float64(c.settings.MinBytesToDrainPerSecond):
		status = c.slowReason()
	default:
		status = DrainActive
	}

	if status == DrainStalled || (active && status != DrainActive) {
		healthLogLimit.Do(func() {
			c.log.Info(
				"Connection draining poorly",
				"status", status,
				"oldest_message_age", oldest,
				"active_time", h.activeTime,
				"throughput_bps", int64(h.throughput),
				"buffered_bytes", c.BufferedBytes(),
			)
		})
	} else {
		c.log.Debug(
			"Connection health",
			"status", status,
			"active_time", h.activeTime,
			"throughput_bps", int64(h.throughput),
		)
	}

	return status
}

// slowReason attributes a slow period using the transport's congestion counters.
// Transports without counters are assumed to be held up by the network.
func (c *Connection) slowReason() DrainStatus {
	ci, ok := c.transport.CongestionInfo()
	if !ok {
		return DrainNetSlow
	}

	d := ci.Sub(c.health.lastCongestion)
	c.health.lastCongestion = ci

	if d.BusyTime <= 0 {
		return DrainIdle
	}

	busy := float64(d.BusyTime)
	rwndPct := 100 * float64(d.RwndLimited) / busy
	netPct := 100 * float64(d.NetworkLimited()) / busy

	switch {
	case netPct > 50:
		return DrainNetSlow
	case rwndPct > 50:
		return DrainRecvSlow
	default:
		return DrainIdle
	}
}
