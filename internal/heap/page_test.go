package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/heap"
)

func TestPage_InsertReadRoundTrips(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)

	slot, err := p.InsertTuple([]byte("row-one"))
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	got, err := p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("row-one"), got)
}

func TestPage_DeleteThenReadFails(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)

	slot, err := p.InsertTuple([]byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, p.DeleteTuple(slot))

	_, err = p.ReadTuple(slot)
	require.ErrorIs(t, err, heap.ErrBadSlot)
}

func TestPage_UpdateInPlaceWhenSmallerOrEqual(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)

	slot, err := p.InsertTuple([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, p.UpdateTuple(slot, []byte("xyz")))

	got, err := p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("xyz"), got)
}

func TestPage_UpdateRelocatesWhenLarger(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)

	slot, err := p.InsertTuple([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, p.UpdateTuple(slot, []byte("a much longer replacement value")))

	got, err := p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("a much longer replacement value"), got)
}

func TestPage_InsertFailsWhenFull(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)

	big := make([]byte, heap.MaxInlineTupleLen())
	_, err := p.InsertTuple(big)
	require.NoError(t, err)

	_, err = p.InsertTuple([]byte("no room left"))
	require.ErrorIs(t, err, heap.ErrNoSpace)
}

func TestPage_ReadOutOfRangeSlotFails(t *testing.T) {
	buf := make([]byte, disk.PageSize)
	p := heap.NewPage(buf)
	_, err := p.ReadTuple(3)
	require.ErrorIs(t, err, heap.ErrBadSlot)
}
