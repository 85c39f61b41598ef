package page_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/page"
)

func TestSplitStackOrder(t *testing.T) {
	var s page.SplitStack
	require.Equal(t, 0, s.Len())

	p1 := page.New(testOpaque())
	p2 := page.New(testOpaque())
	s.Push(1, p1)
	s.Push(2, p2)
	require.Equal(t, 2, s.Len())

	entries := s.Entries()
	require.Equal(t, page.BlockNumber(1), entries[0].Block)
	require.Equal(t, page.BlockNumber(2), entries[1].Block)
}

func TestSplitStackApplyStopsOnError(t *testing.T) {
	var s page.SplitStack
	s.Push(1, page.New(testOpaque()))
	s.Push(2, page.New(testOpaque()))

	var applied []page.BlockNumber
	wantErr := errors.New("boom")
	err := s.Apply(func(b page.BlockNumber, _ *page.Page) error {
		applied = append(applied, b)
		if b == 1 {
			return wantErr
		}
		return nil
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, []page.BlockNumber{1}, applied)
}

func TestSplitStackApplyAll(t *testing.T) {
	var s page.SplitStack
	s.Push(1, page.New(testOpaque()))
	s.Push(2, page.New(testOpaque()))
	s.Push(3, page.New(testOpaque()))

	var applied []page.BlockNumber
	err := s.Apply(func(b page.BlockNumber, _ *page.Page) error {
		applied = append(applied, b)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []page.BlockNumber{1, 2, 3}, applied)
}
