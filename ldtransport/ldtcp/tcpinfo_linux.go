//go:build linux

package ldtcp

import (
	"net"
	"time"

	"github.com/march-github/LogDevice/ldtransport"
	"golang.org/x/sys/unix"
)

func congestionInfo(c *net.TCPConn) (ldtransport.CongestionInfo, bool) {
	raw, err := c.SyscallConn()
	if err != nil {
		return ldtransport.CongestionInfo{}, false
	}

	var (
		info    *unix.TCPInfo
		infoErr error
	)
	if err := raw.Control(func(fd uintptr) {
		info, infoErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil || infoErr != nil {
		return ldtransport.CongestionInfo{}, false
	}

	// The kernel reports these in microseconds.
	return ldtransport.CongestionInfo{
		BusyTime:      time.Duration(info.Busy_time) * time.Microsecond,
		RwndLimited:   time.Duration(info.Rwnd_limited) * time.Microsecond,
		SndbufLimited: time.Duration(info.Sndbuf_limited) * time.Microsecond,
	}, true
}
