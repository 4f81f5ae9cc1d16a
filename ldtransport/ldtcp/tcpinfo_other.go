//go:build !linux

package ldtcp

import (
	"net"

	"github.com/march-github/LogDevice/ldtransport"
)

func congestionInfo(*net.TCPConn) (ldtransport.CongestionInfo, bool) {
	return ldtransport.CongestionInfo{}, false
}
