package ldproto_test

import (
	"testing"

	"github.com/march-github/LogDevice/ldproto"
	"github.com/stretchr/testify/require"
)

func TestReader_stickyError(t *testing.T) {
	t.Parallel()

	var b []byte
	b = ldproto.AppendUint16(b, 7)
	b = ldproto.AppendString(b, "hello")

	r := ldproto.NewReader(b)
	require.Equal(t, uint16(7), r.Uint16())
	require.Equal(t, "hello", r.Text())
	require.NoError(t, r.Finish())

	r = ldproto.NewReader(b[:4])
	require.Equal(t, uint16(7), r.Uint16())
	require.Empty(t, r.Text())
	require.Zero(t, r.Uint64())
	require.ErrorIs(t, r.Err(), ldproto.ErrBadMessage)
}

func TestReader_oversizedField(t *testing.T) {
	t.Parallel()

	b := ldproto.AppendUint32(nil, ldproto.MaxMessageLen+1)
	r := ldproto.NewReader(b)
	require.Nil(t, r.Bytes())
	require.ErrorIs(t, r.Err(), ldproto.ErrTooBig)
}

func TestReader_trailingBytes(t *testing.T) {
	t.Parallel()

	r := ldproto.NewReader([]byte{1, 2, 3})
	_ = r.Uint8()
	require.ErrorIs(t, r.Finish(), ldproto.ErrBadMessage)
}
