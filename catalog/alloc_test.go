package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/shm"
)

func newTestAllocator(t *testing.T) (*Allocator, *shm.Region) {
	t.Helper()

	dir := t.TempDir()
	region, _, err := shm.OpenOrCreate(filepath.Join(dir, "ext.shm"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	return NewAllocator(region), region
}

func TestAllocator_AllocReturnsDistinctGrowingOffsets(t *testing.T) {
	a, _ := newTestAllocator(t)

	off1, err := a.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, uint64(ExtHeaderSize), off1)

	off2, err := a.Alloc(10)
	require.NoError(t, err)
	require.Greater(t, off2, off1)
}

func TestAllocator_AllocGrowsRegionWhenOutOfRoom(t *testing.T) {
	a, region := newTestAllocator(t)

	_, err := a.Alloc(1000)
	require.NoError(t, err)

	require.Greater(t, region.Size(), 64)
}

func TestAllocator_FreeAddsToWastedWithoutReclaiming(t *testing.T) {
	a, _ := newTestAllocator(t)

	off, err := a.Alloc(16)
	require.NoError(t, err)
	require.Zero(t, a.Wasted())

	a.Free(off, 16)
	require.Equal(t, uint64(16), a.Wasted())

	next, err := a.Alloc(16)
	require.NoError(t, err)
	require.NotEqual(t, off, next)
}

func TestAllocator_CopyStringRoundTrips(t *testing.T) {
	a, region := newTestAllocator(t)

	off, err := a.CopyString("/sysds:module/leaf")
	require.NoError(t, err)
	require.NotZero(t, off)

	require.Equal(t, "/sysds:module/leaf", ReadString(region, off))
}

func TestAllocator_CopyStringEmptyIsZeroOffset(t *testing.T) {
	a, _ := newTestAllocator(t)

	off, err := a.CopyString("")
	require.NoError(t, err)
	require.Zero(t, off)
}

func TestAllocator_LivePlusWastedEqualsUsedMinusHeader(t *testing.T) {
	a, _ := newTestAllocator(t)

	off1, err := a.Alloc(32)
	require.NoError(t, err)
	_, err = a.Alloc(32)
	require.NoError(t, err)

	a.Free(off1, 32)

	live := a.Used() - ExtHeaderSize - a.Wasted()
	require.Equal(t, uint64(32), live)
}
