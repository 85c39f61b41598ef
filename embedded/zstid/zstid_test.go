package zstid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/zstid"
)

func TestFromBlockOffsetRoundTrip(t *testing.T) {
	tid := zstid.FromBlockOffset(42, 7)
	require.Equal(t, uint32(42), tid.Block())
	require.Equal(t, uint16(7), tid.Offset())
}

func TestValid(t *testing.T) {
	require.False(t, zstid.InvalidZSTid.Valid())
	require.True(t, zstid.ZSTid(1).Valid())
	require.True(t, zstid.MaxZSTid.Valid())
	require.False(t, zstid.MaxPlusOneZSTid.Valid())
}

func TestAdd(t *testing.T) {
	tid := zstid.ZSTid(10)
	require.Equal(t, zstid.ZSTid(15), tid.Add(5))
}

func TestParse(t *testing.T) {
	tid, err := zstid.Parse(100)
	require.NoError(t, err)
	require.Equal(t, zstid.ZSTid(100), tid)

	_, err = zstid.Parse(0)
	require.ErrorIs(t, err, zstid.ErrOutOfRange)

	_, err = zstid.Parse(-1)
	require.ErrorIs(t, err, zstid.ErrOutOfRange)
}

func TestCompare(t *testing.T) {
	require.Equal(t, -1, zstid.Compare(1, 2))
	require.Equal(t, 1, zstid.Compare(2, 1))
	require.Equal(t, 0, zstid.Compare(2, 2))
}

func TestString(t *testing.T) {
	tid := zstid.FromBlockOffset(3, 9)
	require.Equal(t, "(3,9)", tid.String())
}
