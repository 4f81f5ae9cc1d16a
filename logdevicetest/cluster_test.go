package logdevicetest_test

import (
	"testing"
	"time"

	"github.com/march-github/LogDevice"
	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/logdevicetest"
	"github.com/stretchr/testify/require"
)

// Real sockets, so allow for handshakes on a busy machine.
const networkWait = 5 * time.Second

func TestCluster_roundTrip(t *testing.T) {
	t.Parallel()

	for _, network := range []logdevicetest.Network{
		logdevicetest.TCP, logdevicetest.TLS, logdevicetest.QUIC,
	} {
		t.Run(network.String(), func(t *testing.T) {
			t.Parallel()

			c := logdevicetest.NewCluster(t, t.Context(), network, 2)
			client, server := c.Nodes[0], c.Nodes[1]

			client.Do(t, func(s *logdevice.Sender) {
				require.NoError(t, s.SendToServer(server.Name, &ldmsg.Append{
					LogID:     5,
					RequestID: 1,
					Payload:   []byte("hello"),
					Pri:       ldproto.PriorityClientNormal,
				}))
			})

			got := ldtest.ReceiveWithin(t, server.Handler.Received, networkWait)
			require.True(t, got.Peer.Client)
			a := got.Msg.(*ldmsg.Append)
			require.Equal(t, uint64(5), a.LogID)
			require.Equal(t, []byte("hello"), a.Payload)

			sent := ldtest.ReceiveWithin(t, client.Handler.Sent, networkWait)
			require.NoError(t, sent.Err)
			require.Equal(t, server.Name, sent.Peer.Name)

			var idx uint32
			client.Do(t, func(s *logdevice.Sender) {
				var err error
				idx, err = s.CheckServerConnection(server.Name)
				require.NoError(t, err)
			})

			// The server named the client in its ACK, and can reply by that name.
			server.Do(t, func(s *logdevice.Sender) {
				require.NoError(t, s.SendToClient(logdevice.ClientID(idx), &ldmsg.Appended{
					LogID:     5,
					RequestID: 1,
					Status:    ldmsg.AppendedOK,
				}))
			})

			reply := ldtest.ReceiveWithin(t, client.Handler.Received, networkWait)
			require.False(t, reply.Peer.Client)
			require.Equal(t, server.Name, reply.Peer.Name)
			require.Equal(t, uint64(1), reply.Msg.(*ldmsg.Appended).RequestID)
		})
	}
}

func TestCluster_shutdownReachesClients(t *testing.T) {
	t.Parallel()

	c := logdevicetest.NewCluster(t, t.Context(), logdevicetest.TCP, 2)
	client, server := c.Nodes[0], c.Nodes[1]

	client.Do(t, func(s *logdevice.Sender) {
		require.NoError(t, s.SendToServer(server.Name, &ldmsg.Append{
			LogID:     1,
			RequestID: 1,
			Pri:       ldproto.PriorityClientNormal,
		}))
	})
	_ = ldtest.ReceiveWithin(t, server.Handler.Received, networkWait)

	changes := make(chan logdevice.ConnChange, 1)
	client.Do(t, func(s *logdevice.Sender) {
		st := s.Changes()
		go func() {
			ch, _, err := st.Wait(t.Context())
			if err == nil {
				changes <- ch
			}
		}()
	})

	var done <-chan struct{}
	server.Do(t, func(s *logdevice.Sender) {
		done = s.Shutdown()
	})
	_ = ldtest.ReceiveWithin(t, done, networkWait)

	ch := ldtest.ReceiveWithin(t, changes, networkWait)
	require.Equal(t, server.Name, ch.Peer.Name)
	require.ErrorIs(t, ch.Closed, ldconn.ErrShutdown)
}
