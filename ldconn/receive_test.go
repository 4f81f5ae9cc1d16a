package ldconn_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/stretchr/testify/require"
)

// rawHeader returns a checksummed header with a zero checksum,
// which receivers do not verify.
func rawHeader(t ldproto.MessageType, frameLen uint32) []byte {
	b := make([]byte, ldproto.MaxHeaderSize)
	b[0] = byte(t)
	binary.BigEndian.PutUint32(b[1:ldproto.MinHeaderSize], frameLen)
	return b
}

func TestConnection_receive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, tr := f.Handshaken()

	a := &ldmsg.Append{LogID: 3, RequestID: 11, Payload: []byte("hello")}
	tr.Deliver(encode(t, a, c.Proto()))
	f.Ex.RunPending()

	require.Len(t, f.H.received, 1)
	got := f.H.received[0].(*ldmsg.Append)
	require.Equal(t, uint64(11), got.RequestID)
	require.Equal(t, []byte("hello"), got.Payload)
	require.Equal(t, uint64(1), c.DebugInfo().MessagesReceived)
}

func TestConnection_receive_splitFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, tr := f.Handshaken()

	b := encode(t, &ldmsg.Append{LogID: 3, RequestID: 11, Payload: []byte("split me")}, c.Proto())
	for _, part := range [][]byte{b[:3], b[3:10], b[10 : len(b)-1]} {
		tr.Deliver(part)
		f.Ex.RunPending()
		require.Empty(t, f.H.received)
	}

	tr.Deliver(b[len(b)-1:])
	f.Ex.RunPending()
	require.Len(t, f.H.received, 1)
}

func TestConnection_receive_yieldsBetweenBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.Settings.IncomingMessagesMaxPerSocket = 2
	c, tr := f.Handshaken()

	var b []byte
	for i := range 3 {
		b = append(b, encode(t, &ldmsg.Append{RequestID: uint64(i)}, c.Proto())...)
	}
	tr.Deliver(b)

	require.True(t, f.Ex.RunOne())
	require.Len(t, f.H.received, 2)
	require.Equal(t, 1, f.Ex.Queued())

	f.Ex.RunPending()
	require.Len(t, f.H.received, 3)
}

func TestConnection_receive_badFrames(t *testing.T) {
	t.Parallel()

	t.Run("oversized header", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		c, tr := f.Handshaken()
		require.NoError(t, c.SendMessage(appendOfSize(t, 1, 100)))

		tr.Deliver(rawHeader(ldproto.AppendType, ldproto.MaxFrameLen+1))
		f.Ex.RunPending()

		require.Equal(t, ldconn.StateClosed, c.State())
		require.ErrorIs(t, f.CloseReason(), ldconn.ErrBadMessage)

		sent := f.H.appSent()
		require.Len(t, sent, 1)
		require.ErrorIs(t, sent[0].Err, ldconn.ErrBadMessage)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, tr := f.Handshaken()

		tr.Deliver(rawHeader('Z', ldproto.MaxHeaderSize))
		f.Ex.RunPending()

		require.Empty(t, f.H.received)
		require.ErrorIs(t, f.CloseReason(), ldconn.ErrBadMessage)
	})

	t.Run("message before handshake", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		c, tr := f.Connected()

		tr.Deliver(encode(t, &ldmsg.Append{RequestID: 1}, c.Proto()))
		f.Ex.RunPending()

		require.Empty(t, f.H.received)
		reason := f.CloseReason()
		require.ErrorIs(t, reason, ldconn.ErrProtocol)

		var pe *ldconn.ProtocolError
		require.ErrorAs(t, reason, &pe)
		require.Equal(t, ldproto.AppendType, pe.Type)
	})

	t.Run("duplicate ACK", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		c, tr := f.Handshaken()

		tr.Deliver(encode(t, &ldmsg.Ack{Proto: c.Proto(), Status: ldmsg.AckOK}, c.Proto()))
		f.Ex.RunPending()

		require.ErrorIs(t, f.CloseReason(), ldconn.ErrProtocol)
	})
}

func TestConnection_receive_checksum(t *testing.T) {
	t.Parallel()

	corrupt := func(t *testing.T, proto ldproto.ProtocolVersion) []byte {
		b := encode(t, &ldmsg.Append{RequestID: 1, Payload: []byte("payload")}, proto)
		b[len(b)-1] ^= 0xff
		return b
	}

	t.Run("mismatch closes", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		c, tr := f.Handshaken()

		tr.Deliver(corrupt(t, c.Proto()))
		f.Ex.RunPending()

		require.Empty(t, f.H.received)
		reason := f.CloseReason()
		require.ErrorIs(t, reason, ldconn.ErrBadMessage)

		var cm *ldproto.ChecksumMismatchError
		require.ErrorAs(t, reason, &cm)
	})

	t.Run("not verified when disabled", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.Settings.ChecksummingEnabled = false
		c, tr := f.Handshaken()

		tr.Deliver(corrupt(t, c.Proto()))
		f.Ex.RunPending()

		require.Len(t, f.H.received, 1)
		require.Equal(t, ldconn.StateHandshaken, c.State())
	})
}

func TestConnection_receive_gossipSocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.SocketType = ldconn.SocketGossip
	c, tr := f.Handshaken()

	tr.Deliver(encode(t, &ldmsg.Gossip{NodeIndex: 2, Sequence: 9}, c.Proto()))
	f.Ex.RunPending()
	require.Len(t, f.H.received, 1)

	tr.Deliver(encode(t, &ldmsg.Append{RequestID: 1}, c.Proto()))
	f.Ex.RunPending()
	require.Len(t, f.H.received, 1)
	require.ErrorIs(t, f.CloseReason(), ldconn.ErrBadMessage)
}

func TestConnection_receive_budget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	b := ldbudget.New("receive", 100)
	f.Deps.ReceiveBudget = b
	c, tr := f.Handshaken()

	hold := b.TryAcquire(90)
	require.NotNil(t, hold)

	// Bodies of 87 bytes each.
	var frames []byte
	for i := range 2 {
		frames = append(frames, encode(t, appendOfSize(t, uint64(i), 100), c.Proto())...)
	}
	tr.Deliver(frames)
	f.Ex.RunPending()

	require.Empty(t, f.H.received)
	require.False(t, tr.ReadEnabled)
	require.Equal(t, ldconn.StateHandshaken, c.State())

	hold.Release()
	f.Ex.RunPending()

	require.Len(t, f.H.received, 2)
	require.True(t, tr.ReadEnabled)
	require.Zero(t, b.Used())
}

func TestConnection_receive_dispositions(t *testing.T) {
	t.Parallel()

	t.Run("keep", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		b := ldbudget.New("receive", 1000)
		f.Deps.ReceiveBudget = b

		var kept *ldbudget.Token
		f.H.onReceived = func(_ ldproto.Message, tok *ldbudget.Token) (ldconn.Disposition, error) {
			kept = tok
			return ldconn.DispositionKeep, nil
		}
		c, tr := f.Handshaken()

		tr.Deliver(encode(t, appendOfSize(t, 1, 100), c.Proto()))
		f.Ex.RunPending()

		require.NotNil(t, kept)
		require.Equal(t, int64(87), b.Used())

		kept.Release()
		require.Zero(t, b.Used())
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		errRejected := errors.New("rejected")
		f.H.onReceived = func(ldproto.Message, *ldbudget.Token) (ldconn.Disposition, error) {
			return ldconn.DispositionError, errRejected
		}
		c, tr := f.Handshaken()

		tr.Deliver(encode(t, &ldmsg.Append{RequestID: 1}, c.Proto()))
		f.Ex.RunPending()

		require.ErrorIs(t, f.CloseReason(), errRejected)
	})
}
