package multierr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/multierr"
)

func TestReduceEmpty(t *testing.T) {
	m := multierr.NewMultiErr()
	require.NoError(t, m.Reduce())
}

func TestReduceSingle(t *testing.T) {
	m := multierr.NewMultiErr()
	e := errors.New("boom")
	m.Append(e)
	require.Equal(t, e, m.Reduce())
}

func TestReduceMultiple(t *testing.T) {
	m := multierr.NewMultiErr()
	e1 := errors.New("one")
	e2 := errors.New("two")
	m.Append(e1)
	m.Append(nil)
	m.Append(e2)

	err := m.Reduce()
	require.Error(t, err)
	require.ErrorIs(t, err, e1)
	require.ErrorIs(t, err, e2)
	require.Len(t, m.Errors(), 2)
}
