package ldstats_test

import (
	"strings"
	"testing"

	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := ldstats.NewPrometheus(reg)

	p.MessageSent(ldproto.AppendType, 100)
	p.MessageSent(ldproto.AppendType, 50)
	p.MessageReceived(ldproto.AckType, 20)
	p.BytesPending(300)
	p.BytesPending(-100)

	const want = `
# HELP logdevice_conn_bytes_pending Bytes queued on connections but not yet acknowledged by a transport.
# TYPE logdevice_conn_bytes_pending gauge
logdevice_conn_bytes_pending 200
# HELP logdevice_conn_bytes_sent_total Framed bytes handed to a transport.
# TYPE logdevice_conn_bytes_sent_total counter
logdevice_conn_bytes_sent_total{type="APPEND"} 150
# HELP logdevice_conn_messages_sent_total Messages fully handed to a transport.
# TYPE logdevice_conn_messages_sent_total counter
logdevice_conn_messages_sent_total{type="APPEND"} 2
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(want),
		"logdevice_conn_bytes_pending",
		"logdevice_conn_bytes_sent_total",
		"logdevice_conn_messages_sent_total",
	))
}

func TestPrometheus_connectionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := ldstats.NewPrometheus(reg)

	p.ConnectionOpened("tcp", false)
	p.ConnectionOpened("tcp", false)
	p.ConnectionClosed("tcp", false, "peer_closed")

	const want = `
# HELP logdevice_conn_closed_total Connections closed, by reason.
# TYPE logdevice_conn_closed_total counter
logdevice_conn_closed_total{reason="peer_closed"} 1
# HELP logdevice_conn_open Number of open connections.
# TYPE logdevice_conn_open gauge
logdevice_conn_open{encrypted="false",kind="tcp"} 1
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(want),
		"logdevice_conn_closed_total",
		"logdevice_conn_open",
	))
}

func TestPrometheus_doubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_ = ldstats.NewPrometheus(reg)
	require.Panics(t, func() {
		_ = ldstats.NewPrometheus(reg)
	})
}

func TestNop(t *testing.T) {
	t.Parallel()

	var s ldstats.Sink = ldstats.Nop{}
	s.ConnectionClosed("quic", true, "shutdown")
	s.ProtocolError("bad_message")
}
