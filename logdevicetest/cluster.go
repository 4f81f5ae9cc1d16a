// Package logdevicetest runs small clusters of real [logdevice.Sender] values
// over loopback sockets.
package logdevicetest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"

	"github.com/march-github/LogDevice"
	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldcert/ldcerttest"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldtransport/ldquic"
	"github.com/stretchr/testify/require"
)

// Network selects the transport a [Cluster] uses.
type Network uint8

const (
	TCP Network = iota
	TLS
	QUIC
)

func (n Network) String() string {
	switch n {
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	case QUIC:
		return "quic"
	default:
		return fmt.Sprintf("Network(%d)", uint8(n))
	}
}

// ClusterName is the cluster name every node of a [Cluster] uses.
const ClusterName = "logdevicetest"

// Cluster is a set of nodes that can all reach each other.
type Cluster struct {
	Log *slog.Logger

	Peers *ldcerttest.Peers

	Nodes []*Node
}

// Node is one member of a [Cluster].
type Node struct {
	Name string

	Sender  *logdevice.Sender
	Handler *Handler
}

// NewCluster starts count nodes on net, each listening on loopback.
// Nodes are named like the certificates from [ldcerttest.NewPeers].
//
// Every node stops when ctx is cancelled;
// t.Cleanup cancels it if the test has not already done so
// and then waits for the nodes to finish.
func NewCluster(t *testing.T, ctx context.Context, network Network, count int) *Cluster {
	t.Helper()

	ctx, cancel := context.WithCancel(ctx)

	log := ldtest.NewLogger(t)
	peers := ldcerttest.NewPeers(t, count)

	names := make([]string, count)
	for i := range count {
		names[i] = fmt.Sprintf("node%02d.example.com", i)
	}

	var (
		tcpLns  = make([]net.Listener, count)
		udps    = make([]*net.UDPConn, count)
		tcpAddr = make(map[string]string, count)
		udpAddr = make(map[string]net.Addr, count)
	)

	// All listeners first, so every directory is complete.
	for i, name := range names {
		if network == QUIC {
			uc := listenUDP(t)
			udps[i] = uc
			udpAddr[name] = uc.LocalAddr()
			continue
		}

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		tcpLns[i] = ln
		tcpAddr[name] = ln.Addr().String()
	}

	c := &Cluster{
		Log:   log,
		Peers: peers,
		Nodes: make([]*Node, count),
	}

	for i, name := range names {
		nlog := log.With("node", name)
		h := NewHandler()

		settings := ldconn.DefaultSettings()
		settings.ClusterName = ClusterName

		cfg := logdevice.SenderConfig{
			Name:     name,
			Handler:  h,
			Settings: settings,
			TLS:      peers.Providers[i],
		}

		switch network {
		case TCP, TLS:
			dir := logdevice.TCPNodes{Addrs: tcpAddr}
			if network == TLS {
				dir.TLS = peers.Providers[i]
			}
			cfg.Nodes = dir
			cfg.Listeners = logdevice.Listeners{
				TCP: tcpLns[i],
				TLS: network == TLS,
			}

		case QUIC:
			// Outgoing connections get their own socket,
			// separate from the one the listener owns.
			qt := ldquic.MakeTransport(listenUDP(t))
			t.Cleanup(func() {
				if err := qt.Close(); err != nil {
					t.Logf("Error closing QUIC dial transport: %v", err)
				}
			})

			cfg.Nodes = logdevice.QUICNodes{
				Addrs: udpAddr,
				Dialer: ldquic.Dialer{
					TLS:           peers.Providers[i],
					QUICTransport: qt,
					QUICConfig:    ldquic.DefaultConfig(),
				},
			}
			cfg.Listeners = logdevice.Listeners{UDP: udps[i]}

		default:
			t.Fatalf("unknown network %v", network)
		}

		s, err := logdevice.NewSender(ctx, nlog, cfg)
		require.NoError(t, err)

		// Registered after the socket cleanups, so it runs before them.
		t.Cleanup(func() {
			cancel()
			s.Wait()
		})

		c.Nodes[i] = &Node{
			Name:    name,
			Sender:  s,
			Handler: h,
		}
	}

	return c
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()

	uc, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := uc.Close(); err != nil {
			t.Logf("Error closing UDP listener: %v", err)
		}
	})
	return uc
}

// Do runs fn on the node's executor and waits for it to return.
func (n *Node) Do(t *testing.T, fn func(s *logdevice.Sender)) {
	t.Helper()

	done := make(chan struct{})
	ok := n.Sender.Post(func() {
		defer close(done)
		fn(n.Sender)
	})
	require.True(t, ok, "executor stopped")
	_ = ldtest.ReceiveSoon(t, done)
}

// Received is one message delivered to a [Handler].
type Received struct {
	Peer ldconn.Peer
	Msg  ldproto.Message
}

// Handler is an [ldconn.Handler] that forwards everything to channels.
// Handshake completions are not forwarded.
//
// The channels are buffered, but a test that never drains them
// eventually blocks the node's executor.
type Handler struct {
	Received chan Received
	Sent     chan ldconn.Completion
}

// NewHandler returns a Handler with buffered channels.
func NewHandler() *Handler {
	return &Handler{
		Received: make(chan Received, 64),
		Sent:     make(chan ldconn.Completion, 64),
	}
}

func (h *Handler) OnReceived(peer ldconn.Peer, msg ldproto.Message, _ *ldbudget.Token) (ldconn.Disposition, error) {
	h.Received <- Received{Peer: peer, Msg: msg}
	return ldconn.DispositionNormal, nil
}

func (h *Handler) OnSent(c ldconn.Completion) {
	if c.Msg.Type().IsHandshake() {
		return
	}
	h.Sent <- c
}
