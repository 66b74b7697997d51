package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/shm"
)

func newTestCatalogRegions(t *testing.T) (main, ext *shm.Region) {
	t.Helper()

	dir := t.TempDir()

	main, _, err := shm.OpenOrCreate(filepath.Join(dir, "main.shm"), mainHeaderSize)
	require.NoError(t, err)
	t.Cleanup(func() { main.Close() })

	ext, _, err = shm.OpenOrCreate(filepath.Join(dir, "ext.shm"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { ext.Close() })

	EncodeMainHeader(main.Bytes(), MainHeader{})

	return main, ext
}

func TestConnections_AddFindRemove(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	c := NewConnections(main, ext)

	require.NoError(t, c.Add(1, uint64(os.Getpid())))
	require.NoError(t, c.Add(2, uint64(os.Getpid())))

	e, ok := c.Find(1)
	require.True(t, ok)
	require.Equal(t, uint64(os.Getpid()), e.PID)

	require.NoError(t, c.Remove(1))

	_, ok = c.Find(1)
	require.False(t, ok)

	_, ok = c.Find(2)
	require.True(t, ok)
}

func TestConnections_AddDuplicateHandleErrors(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	c := NewConnections(main, ext)

	require.NoError(t, c.Add(1, 123))
	require.Error(t, c.Add(1, 456))
}

func TestConnections_EvpipeAddRemove(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	c := NewConnections(main, ext)

	require.NoError(t, c.Add(1, uint64(os.Getpid())))
	require.NoError(t, c.AddEvpipe(1, 10))
	require.NoError(t, c.AddEvpipe(1, 11))

	e, _ := c.Find(1)
	require.Equal(t, uint32(2), e.Evpipes.Count)

	require.NoError(t, c.RemoveEvpipe(1, 10))

	e, _ = c.Find(1)
	require.Equal(t, uint32(1), e.Evpipes.Count)
	require.Equal(t, []uint64{11}, c.readEvpipes(e.Evpipes))
}

func TestConnections_UpdateLockSummary(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	c := NewConnections(main, ext)

	require.NoError(t, c.Add(1, uint64(os.Getpid())))
	require.NoError(t, c.UpdateLockSummary(1, 3, true))

	e, _ := c.Find(1)
	require.Equal(t, uint32(3), e.MainRCount)
	require.NotZero(t, e.Flags&ConnFlagHoldsExclusive)
}

func TestConnections_DeadConnsDetectsUnreachablePID(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	c := NewConnections(main, ext)

	require.NoError(t, c.Add(1, uint64(os.Getpid())))
	require.NoError(t, c.Add(2, 999999999))

	dead := c.DeadConns()
	require.Len(t, dead, 1)
	require.Equal(t, uint64(2), dead[0].Handle)
}

func TestIsAlive_SelfIsAlive(t *testing.T) {
	require.True(t, IsAlive(uint64(os.Getpid())))
}
