package ldmsg_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/stretchr/testify/require"
)

var allVersions = []ldproto.ProtocolVersion{
	ldproto.ProtocolV1, ldproto.ProtocolV2, ldproto.ProtocolV3,
}

func roundTrip(t *testing.T, m ldproto.Message, proto ldproto.ProtocolVersion) ldproto.Message {
	t.Helper()

	frame, err := ldproto.AppendFrame(nil, m, proto, true)
	require.NoError(t, err)
	require.Len(t, frame, ldproto.FrameSize(m, proto))

	got, n, err := ldproto.DecodeFrame(frame, proto, ldmsg.NewRegistry(), true)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	return got
}

func TestHello_roundTrip(t *testing.T) {
	t.Parallel()

	for _, proto := range allVersions {
		h := &ldmsg.Hello{
			ProtoMin:        ldproto.MinSupportedProtocol,
			ProtoMax:        ldproto.MaxSupportedProtocol,
			ClusterName:     "test-cluster",
			DestinationNode: "N3:1",
			Credentials:     "principal",
			SessionID:       uuid.New(),
		}
		require.Equal(t, h, roundTrip(t, h, proto))
	}
}

func TestHello_rejectsEmptyRange(t *testing.T) {
	t.Parallel()

	h := &ldmsg.Hello{ProtoMin: 3, ProtoMax: 2}
	frame, err := ldproto.AppendFrame(nil, h, ldproto.ProtocolV1, false)
	require.NoError(t, err)

	_, _, err = ldproto.DecodeFrame(frame, ldproto.ProtocolV1, ldmsg.NewRegistry(), true)
	require.ErrorIs(t, err, ldproto.ErrBadMessage)
}

func TestAck_roundTrip(t *testing.T) {
	t.Parallel()

	a := &ldmsg.Ack{
		Proto:     ldproto.ProtocolV2,
		Status:    ldmsg.AckTooMany,
		ClientIdx: 42,
		SessionID: uuid.New(),
	}
	for _, proto := range allVersions {
		require.Equal(t, a, roundTrip(t, a, proto))
	}
}

func TestShutdown_roundTrip(t *testing.T) {
	t.Parallel()

	s := &ldmsg.Shutdown{ServerInstanceID: uuid.New()}
	for _, proto := range allVersions {
		require.Equal(t, s, roundTrip(t, s, proto))
	}
}

func TestAppended_roundTrip(t *testing.T) {
	t.Parallel()

	a := &ldmsg.Appended{LogID: 1, RequestID: 2, LSN: 3, Status: ldmsg.AppendedOverload}
	for _, proto := range allVersions {
		require.Equal(t, a, roundTrip(t, a, proto))
	}
}

func TestGossip_roundTrip(t *testing.T) {
	t.Parallel()

	g := &ldmsg.Gossip{NodeIndex: 5, Sequence: 99, Payload: []byte("alive")}
	got := roundTrip(t, g, ldproto.ProtocolV3)
	require.Equal(t, g, got)
	require.Equal(t, ldproto.ChecksumSupportProtocol, got.MinProtocol())
}

func TestAppend_roundTrip(t *testing.T) {
	t.Parallel()

	t.Run("small payload", func(t *testing.T) {
		t.Parallel()

		a := &ldmsg.Append{
			LogID:     7,
			RequestID: 8,
			Payload:   ldtest.RandomDataForTest(t, 100),
			Pri:       ldproto.PriorityClientLow,
			Compress:  true,
		}
		got := roundTrip(t, a, ldproto.ProtocolV3).(*ldmsg.Append)
		require.Equal(t, a.LogID, got.LogID)
		require.Equal(t, a.RequestID, got.RequestID)
		require.Equal(t, a.Pri, got.Pri)
		require.Equal(t, a.Payload, got.Payload)
	})

	t.Run("compressible payload", func(t *testing.T) {
		t.Parallel()

		payload := bytes.Repeat([]byte("abcdefgh"), 2*ldmsg.CompressThreshold)
		a := &ldmsg.Append{
			LogID:    7,
			Payload:  payload,
			Pri:      ldproto.PriorityClientNormal,
			Compress: true,
		}
		require.Less(t, a.EncodedSize(ldproto.ProtocolV3), len(payload))

		got := roundTrip(t, a, ldproto.ProtocolV3).(*ldmsg.Append)
		require.Equal(t, payload, got.Payload)
		require.True(t, got.Compress)
	})

	t.Run("incompressible payload", func(t *testing.T) {
		t.Parallel()

		payload := ldtest.RandomDataForTest(t, 2*ldmsg.CompressThreshold)
		a := &ldmsg.Append{Payload: payload, Compress: true}
		require.Greater(t, a.EncodedSize(ldproto.ProtocolV3), len(payload))

		got := roundTrip(t, a, ldproto.ProtocolV3).(*ldmsg.Append)
		require.Equal(t, payload, got.Payload)
	})
}

func TestAppend_cancel(t *testing.T) {
	t.Parallel()

	a := &ldmsg.Append{}
	var c ldproto.Canceller = a
	require.False(t, c.Cancelled())
	a.Cancel()
	require.True(t, c.Cancelled())
}

func TestFrame_corruptedBodyIsChecksumMismatch(t *testing.T) {
	t.Parallel()

	for _, proto := range []ldproto.ProtocolVersion{ldproto.ProtocolV2, ldproto.ProtocolV3} {
		a := &ldmsg.Append{LogID: 1, Payload: ldtest.RandomDataForTest(t, 64)}
		frame, err := ldproto.AppendFrame(nil, a, proto, true)
		require.NoError(t, err)

		frame[len(frame)-1] ^= 0xff

		_, _, err = ldproto.DecodeFrame(frame, proto, ldmsg.NewRegistry(), true)
		var mismatch *ldproto.ChecksumMismatchError
		require.True(t, errors.As(err, &mismatch))
		require.Equal(t, ldproto.AppendType, mismatch.Type)
		require.ErrorIs(t, err, ldproto.ErrBadMessage)
	}
}

func TestFrame_checksumDisabled(t *testing.T) {
	t.Parallel()

	a := &ldmsg.Appended{LogID: 1}
	frame, err := ldproto.AppendFrame(nil, a, ldproto.ProtocolV3, false)
	require.NoError(t, err)

	h, _, err := ldproto.DecodeHeader(frame, ldproto.ProtocolV3)
	require.NoError(t, err)
	require.Zero(t, h.Checksum)

	// Corruption goes undetected at the framing layer without a checksum.
	frame[len(frame)-1] ^= 0x01
	got, _, err := ldproto.DecodeFrame(frame, ldproto.ProtocolV3, ldmsg.NewRegistry(), true)
	require.NoError(t, err)
	require.NotEqual(t, a, got)
}

func TestFrame_handshakeNeverChecksummed(t *testing.T) {
	t.Parallel()

	h := &ldmsg.Hello{ProtoMin: 1, ProtoMax: 3}
	frame, err := ldproto.AppendFrame(nil, h, ldproto.ProtocolV3, true)
	require.NoError(t, err)

	hdr, hsz, err := ldproto.DecodeHeader(frame, ldproto.ProtocolV3)
	require.NoError(t, err)
	require.Equal(t, ldproto.MinHeaderSize, hsz)
	require.Zero(t, hdr.Checksum)
}

func TestRegistry_unknownType(t *testing.T) {
	t.Parallel()

	_, err := ldmsg.NewRegistry().Decode(ldproto.MessageType('z'), nil, ldproto.ProtocolV3)
	require.ErrorIs(t, err, ldproto.ErrBadMessage)
}

func TestRegistry_duplicatePanics(t *testing.T) {
	t.Parallel()

	r := ldmsg.NewRegistry()
	require.Panics(t, func() {
		r.Register(ldproto.HelloType, nil)
	})
}
