package ldconn_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldtransport/ldtransporttest"
	"github.com/stretchr/testify/require"
)

func TestConnection_outgoingHello(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.Settings.ClusterName = "test"
	_, tr := f.Connected()

	msgs := decodeAll(t, tr.Written, ldproto.MaxSupportedProtocol)
	require.Len(t, msgs, 1)

	hello := msgs[0].(*ldmsg.Hello)
	require.Equal(t, ldproto.MinSupportedProtocol, hello.ProtoMin)
	require.Equal(t, ldproto.MaxSupportedProtocol, hello.ProtoMax)
	require.Equal(t, "test", hello.ClusterName)
	require.Equal(t, "N1", hello.DestinationNode)
	require.NotEqual(t, uuid.Nil, hello.SessionID)
}

func TestConnection_incomingHandshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.Settings.ClusterName = "test"
	c, tr := f.NewIncoming()

	require.ErrorIs(t, c.SendMessage(appendOfSize(t, 1, 100)), ldconn.ErrUnreachable)

	sid := uuid.New()
	tr.Deliver(encode(t, &ldmsg.Hello{
		ProtoMin:    ldproto.ProtocolV1,
		ProtoMax:    ldproto.ProtocolV2,
		ClusterName: "test",
		SessionID:   sid,
	}, ldproto.MaxSupportedProtocol))
	f.Ex.RunPending()

	require.Equal(t, ldconn.StateHandshaken, c.State())
	require.Equal(t, ldproto.ProtocolV2, c.Proto())
	require.Equal(t, byte(ldproto.AckType), tr.Written[0], "ACK must be the first thing written")

	msgs := decodeAll(t, tr.Written, c.Proto())
	require.Len(t, msgs, 1)
	ack := msgs[0].(*ldmsg.Ack)
	require.Equal(t, ldmsg.AckOK, ack.Status)
	require.Equal(t, uint32(1), ack.ClientIdx)
	require.Equal(t, ldproto.ProtocolV2, ack.Proto)
	require.Equal(t, sid, ack.SessionID)

	// Handshaken clients can be sent to.
	require.NoError(t, c.SendMessage(appendOfSize(t, 2, 100)))
}

func TestConnection_incomingHandshake_rejected(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		setup  func(*fixture)
		hello  ldmsg.Hello
		status ldmsg.AckStatus
		err    error
	}{
		{
			name:   "cluster mismatch",
			setup:  func(f *fixture) { f.Settings.ClusterName = "test" },
			hello:  ldmsg.Hello{ClusterName: "other"},
			status: ldmsg.AckInvalidCluster,
			err:    ldconn.ErrInvalidCluster,
		},
		{
			name: "no common protocol",
			hello: ldmsg.Hello{
				ProtoMin: ldproto.MaxSupportedProtocol + 1,
				ProtoMax: ldproto.MaxSupportedProtocol + 2,
			},
			status: ldmsg.AckProtoNoSupport,
			err:    ldconn.ErrProtoNoSupport,
		},
		{
			name: "access denied",
			setup: func(f *fixture) {
				f.Deps.Authorize = func(_ *ldmsg.Hello, principal string) ldmsg.AckStatus {
					if principal != "" {
						return ldmsg.AckOK
					}
					return ldmsg.AckAccessDenied
				}
			},
			status: ldmsg.AckAccessDenied,
			err:    ldconn.ErrAccess,
		},
		{
			name:   "wrong destination",
			setup:  func(f *fixture) { f.Deps.LocalName = "N1" },
			hello:  ldmsg.Hello{DestinationNode: "N2"},
			status: ldmsg.AckDestinationMismatch,
			err:    ldconn.ErrDestinationMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			c, tr := f.NewIncoming()

			hello := tc.hello
			if hello.ProtoMax == 0 {
				hello.ProtoMin = ldproto.MinSupportedProtocol
				hello.ProtoMax = ldproto.MaxSupportedProtocol
			}
			tr.Deliver(encode(t, &hello, ldproto.MaxSupportedProtocol))
			f.Ex.RunPending()

			// The ACK is flushed before the connection closes.
			require.False(t, tr.ReadEnabled)
			require.False(t, c.IsClosed())
			require.Empty(t, f.closeReasons)

			msgs := decodeAll(t, tr.Written, ldproto.MaxSupportedProtocol)
			require.Len(t, msgs, 1)
			require.Equal(t, tc.status, msgs[0].(*ldmsg.Ack).Status)

			tr.AckAll()
			f.Ex.RunPending()

			require.True(t, c.IsClosed())
			require.True(t, tr.Closed)
			require.ErrorIs(t, f.CloseReason(), tc.err)
		})
	}
}

func TestConnection_incomingHandshake_clientLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	clients := ldbudget.New("clients", 1)
	f.Deps.ClientBudget = clients

	hello := func(tr *ldtransporttest.Fake) {
		tr.Deliver(encode(t, &ldmsg.Hello{
			ProtoMin: ldproto.MinSupportedProtocol,
			ProtoMax: ldproto.MaxSupportedProtocol,
		}, ldproto.MaxSupportedProtocol))
		f.Ex.RunPending()
	}

	first, tr1 := f.NewIncoming()
	hello(tr1)
	require.Equal(t, ldconn.StateHandshaken, first.State())
	require.Equal(t, int64(1), clients.Used())

	second, tr2 := f.NewIncoming()
	hello(tr2)
	tr2.AckAll()
	f.Ex.RunPending()

	require.True(t, second.IsClosed())
	require.ErrorIs(t, f.CloseReason(), ldconn.ErrTooMany)
	require.Equal(t, int64(1), clients.Used())

	first.Close(ldconn.ErrShutdown)
	require.Zero(t, clients.Used())
}

func TestConnection_incomingHandshake_timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, _ := f.NewIncoming()

	f.Ex.Advance(f.Settings.HandshakeTimeout - time.Millisecond)
	require.False(t, c.IsClosed())

	f.Ex.Advance(time.Millisecond)
	require.True(t, c.IsClosed())
	require.ErrorIs(t, f.CloseReason(), ldconn.ErrTimedOut)
}

func TestConnection_outgoingHandshake_rejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, tr := f.Connected()

	tr.Deliver(encode(t, &ldmsg.Ack{
		Proto:  ldproto.MaxSupportedProtocol,
		Status: ldmsg.AckAccessDenied,
	}, ldproto.MaxSupportedProtocol))
	f.Ex.RunPending()

	require.True(t, c.IsClosed())
	require.ErrorIs(t, f.CloseReason(), ldconn.ErrAccess)

	_, err := c.CheckConnection()
	require.ErrorIs(t, err, ldconn.ErrNeverConnected)
}

func TestConnection_handshakeInWrongDirection(t *testing.T) {
	t.Parallel()

	t.Run("ACK on incoming", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, tr := f.NewIncoming()

		tr.Deliver(encode(t, &ldmsg.Ack{
			Proto:  ldproto.MaxSupportedProtocol,
			Status: ldmsg.AckOK,
		}, ldproto.MaxSupportedProtocol))
		f.Ex.RunPending()

		require.ErrorIs(t, f.CloseReason(), ldconn.ErrProtocol)
	})

	t.Run("HELLO on outgoing", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, tr := f.Connected()

		tr.Deliver(encode(t, &ldmsg.Hello{
			ProtoMin: ldproto.MinSupportedProtocol,
			ProtoMax: ldproto.MaxSupportedProtocol,
		}, ldproto.MaxSupportedProtocol))
		f.Ex.RunPending()

		require.ErrorIs(t, f.CloseReason(), ldconn.ErrProtocol)
	})
}
