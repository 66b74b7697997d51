package catalog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/yang"
)

type fakeOperStore struct {
	erased []uint64
}

func (f *fakeOperStore) ErasePushed(handle uint64) error {
	f.erased = append(f.erased, handle)

	return nil
}

func TestRecoverySweep_ReclaimsDeadConnectionAndSubscriptions(t *testing.T) {
	main, ext := newTestCatalogRegions(t)

	b := NewBuilder(main, ext)
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "ietf-interfaces"}))

	subs := NewSubscriptions(b)
	conns := NewConnections(main, ext)

	require.NoError(t, conns.Add(1, uint64(os.Getpid())))
	require.NoError(t, conns.Add(2, 999999999))
	require.NoError(t, conns.AddEvpipe(2, 77))

	require.NoError(t, subs.SubscribeChange("ietf-interfaces", DSRunning, "/ietf-interfaces:interfaces", 0, 0, 77))

	oper := &fakeOperStore{}
	sweep := NewRecoverySweep(main, ext, oper)

	reclaimed, err := sweep.Run()
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, reclaimed)
	require.Equal(t, []uint64{2}, oper.erased)

	_, ok := conns.Find(2)
	require.False(t, ok)

	_, ok = conns.Find(1)
	require.True(t, ok)

	m, _, _ := b.Find("ietf-interfaces")
	require.Zero(t, m.ChangeSub[DSRunning].Count)
}

func TestRecoverySweep_NoDeadConnectionsIsNoop(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	conns := NewConnections(main, ext)

	require.NoError(t, conns.Add(1, uint64(os.Getpid())))

	sweep := NewRecoverySweep(main, ext, nil)

	reclaimed, err := sweep.Run()
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	_, ok := conns.Find(1)
	require.True(t, ok)
}
