package ldproto_test

import (
	"testing"

	"github.com/march-github/LogDevice/ldproto"
	"github.com/stretchr/testify/require"
)

func TestNeedsChecksum(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		t     ldproto.MessageType
		proto ldproto.ProtocolVersion
		want  bool
	}{
		{t: ldproto.HelloType, proto: ldproto.ProtocolV3, want: false},
		{t: ldproto.AckType, proto: ldproto.ProtocolV3, want: false},
		{t: ldproto.AppendType, proto: ldproto.ProtocolV1, want: false},
		{t: ldproto.AppendType, proto: ldproto.ProtocolV2, want: true},
		{t: ldproto.GossipType, proto: ldproto.ProtocolV3, want: true},
	} {
		require.Equal(t, tc.want, ldproto.NeedsChecksum(tc.t, tc.proto), "%s at v%d", tc.t, tc.proto)

		wantSize := ldproto.MinHeaderSize
		if tc.want {
			wantSize = ldproto.MaxHeaderSize
		}
		require.Equal(t, wantSize, ldproto.HeaderSize(tc.t, tc.proto))
	}
}

func TestHeader_roundTrip(t *testing.T) {
	t.Parallel()

	for _, proto := range []ldproto.ProtocolVersion{
		ldproto.ProtocolV1, ldproto.ProtocolV2, ldproto.ProtocolV3,
	} {
		h := ldproto.Header{
			Type: ldproto.AppendType,
			Len:  100,
		}
		if ldproto.NeedsChecksum(h.Type, proto) {
			h.Checksum = 0x0102030405060708
		}

		b := h.AppendEncode(nil, proto)
		require.Len(t, b, ldproto.HeaderSize(h.Type, proto))

		got, n, err := ldproto.DecodeHeader(b, proto)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, h, got)
	}
}

func TestDecodeHeader_incomplete(t *testing.T) {
	t.Parallel()

	h := ldproto.Header{Type: ldproto.AppendType, Len: 64, Checksum: 1}
	b := h.AppendEncode(nil, ldproto.ProtocolV3)

	for i := range len(b) {
		_, _, err := ldproto.DecodeHeader(b[:i], ldproto.ProtocolV3)
		require.ErrorIs(t, err, ldproto.ErrIncomplete, "prefix length %d", i)
	}
}

func TestDecodeHeader_lengthBounds(t *testing.T) {
	t.Parallel()

	t.Run("smaller than header", func(t *testing.T) {
		t.Parallel()

		h := ldproto.Header{Type: ldproto.AppendType, Len: ldproto.MaxHeaderSize - 1}
		_, _, err := ldproto.DecodeHeader(h.AppendEncode(nil, ldproto.ProtocolV3), ldproto.ProtocolV3)
		require.ErrorIs(t, err, ldproto.ErrBadMessage)
	})

	t.Run("above maximum", func(t *testing.T) {
		t.Parallel()

		h := ldproto.Header{Type: ldproto.AppendType, Len: ldproto.MaxFrameLen + 1}
		_, _, err := ldproto.DecodeHeader(h.AppendEncode(nil, ldproto.ProtocolV1), ldproto.ProtocolV1)
		require.ErrorIs(t, err, ldproto.ErrBadMessage)
	})

	t.Run("exactly maximum", func(t *testing.T) {
		t.Parallel()

		h := ldproto.Header{Type: ldproto.AppendType, Len: ldproto.MaxFrameLen}
		_, _, err := ldproto.DecodeHeader(h.AppendEncode(nil, ldproto.ProtocolV1), ldproto.ProtocolV1)
		require.NoError(t, err)
	})
}

func TestChecksum_algorithmDependsOnVersion(t *testing.T) {
	t.Parallel()

	body := []byte("some record body")

	require.Zero(t, ldproto.Checksum(ldproto.ProtocolV1, body))

	v2 := ldproto.Checksum(ldproto.ProtocolV2, body)
	v3 := ldproto.Checksum(ldproto.ProtocolV3, body)
	require.NotZero(t, v2)
	require.NotZero(t, v3)
	require.NotEqual(t, v2, v3)

	// CRC32C fits in the low 32 bits.
	require.Zero(t, v2>>32)
}

func TestNegotiate(t *testing.T) {
	t.Parallel()

	v, ok := ldproto.Negotiate(ldproto.ProtocolV3, ldproto.ProtocolV1, ldproto.ProtocolV2)
	require.True(t, ok)
	require.Equal(t, ldproto.ProtocolV2, v)

	v, ok = ldproto.Negotiate(ldproto.ProtocolV2, ldproto.ProtocolV1, ldproto.ProtocolV3)
	require.True(t, ok)
	require.Equal(t, ldproto.ProtocolV2, v)

	// Peer from the future.
	v, ok = ldproto.Negotiate(ldproto.ProtocolV3, ldproto.ProtocolV1, 9)
	require.True(t, ok)
	require.Equal(t, ldproto.ProtocolV3, v)

	_, ok = ldproto.Negotiate(ldproto.ProtocolV2, ldproto.ProtocolV3, ldproto.ProtocolV3)
	require.False(t, ok)
}

func TestTypeSet(t *testing.T) {
	t.Parallel()

	var zero ldproto.TypeSet
	require.False(t, zero.Contains(ldproto.AppendType))
	require.Zero(t, zero.Len())

	s := ldproto.NewTypeSet(ldproto.GossipType, ldproto.AppendType)
	require.True(t, s.Contains(ldproto.AppendType))
	require.True(t, s.Contains(ldproto.GossipType))
	require.False(t, s.Contains(ldproto.HelloType))
	require.Equal(t, 2, s.Len())

	s2 := s.With(ldproto.HelloType)
	require.True(t, s2.Contains(ldproto.HelloType))
	require.False(t, s.Contains(ldproto.HelloType), "With must not modify the original")

	var got []ldproto.MessageType
	for mt := range s2.All() {
		got = append(got, mt)
	}
	require.Equal(t, []ldproto.MessageType{
		ldproto.GossipType, ldproto.HelloType, ldproto.AppendType,
	}, got)
}
