package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/catalog"
	"github.com/sysds/sysds/yang"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()

	s, err := Open(Options{
		MainPath:        filepath.Join(dir, "main.shm"),
		ExtPath:         filepath.Join(dir, "ext.shm"),
		LockPath:        filepath.Join(dir, "main.lock"),
		MainInitialSize: 4096,
		ExtInitialSize:  4096,
		LockTimeout:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore_ConnectDisconnect(t *testing.T) {
	s := newTestStore(t)

	conn, err := s.Connect()
	require.NoError(t, err)
	require.NotZero(t, conn)

	conns, err := s.Conns()
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, s.Disconnect(conn))

	conns, err = s.Conns()
	require.NoError(t, err)
	require.Empty(t, conns)
}

func TestStore_InstallFindUninstallModule(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InstallModule(yang.ModuleMeta{Name: "ietf-interfaces"}))

	m, ok, err := s.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, m.NameOffset)

	names, err := s.ListModules()
	require.NoError(t, err)
	require.Equal(t, []string{"ietf-interfaces"}, names)

	require.NoError(t, s.UninstallModule("ietf-interfaces"))

	_, ok, err = s.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_InstallDuplicateReturnsValidationKind(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InstallModule(yang.ModuleMeta{Name: "mod-a"}))

	err := s.InstallModule(yang.ModuleMeta{Name: "mod-a"})
	require.Error(t, err)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, KindValidation, storeErr.Kind)
}

func TestStore_SubscribeChangeLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InstallModule(yang.ModuleMeta{Name: "ietf-interfaces"}))

	conn, err := s.Connect()
	require.NoError(t, err)

	evpipe, err := s.RegisterEvpipe(conn)
	require.NoError(t, err)

	require.NoError(t, s.SubscribeChange("ietf-interfaces", catalog.DSRunning, "/ietf-interfaces:interfaces", 0, 0, evpipe))

	m, _, err := s.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.ChangeSub[catalog.DSRunning].Count)

	require.NoError(t, s.UnsubscribeChange("ietf-interfaces", catalog.DSRunning, evpipe))
	require.NoError(t, s.UnregisterEvpipe(conn, evpipe))
	require.NoError(t, s.Disconnect(conn))
}

func TestStore_LockMainSharedIsRecursiveAndRecordsSummary(t *testing.T) {
	s := newTestStore(t)

	conn, err := s.Connect()
	require.NoError(t, err)

	require.NoError(t, s.LockMain(conn, false))
	require.NoError(t, s.LockMain(conn, false))

	e, ok := s.conns.Find(uint64(conn))
	require.True(t, ok)
	require.Equal(t, uint32(2), e.MainRCount)

	require.NoError(t, s.UnlockMain(conn, false))
	require.NoError(t, s.UnlockMain(conn, false))
}

func TestStore_DefragReclaimsWastedSpace(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		MainPath:        filepath.Join(dir, "main.shm"),
		ExtPath:         filepath.Join(dir, "ext.shm"),
		LockPath:        filepath.Join(dir, "main.lock"),
		MainInitialSize: 4096,
		ExtInitialSize:  4096,
		LockTimeout:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.InstallModule(yang.ModuleMeta{Name: "mod-a"}))
	require.NoError(t, s.InstallModule(yang.ModuleMeta{Name: "mod-b"}))
	require.NoError(t, s.UninstallModule("mod-a"))

	require.NoError(t, s.Defrag())

	alloc := catalog.NewAllocator(s.ext)
	require.Zero(t, alloc.Wasted())

	require.FileExists(t, filepath.Join(dir, "defrag.json"))
}

func TestStore_RecoverReclaimsDeadConnection(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		MainPath:        filepath.Join(dir, "main.shm"),
		ExtPath:         filepath.Join(dir, "ext.shm"),
		LockPath:        filepath.Join(dir, "main.lock"),
		MainInitialSize: 4096,
		ExtInitialSize:  4096,
		LockTimeout:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.conns.Add(42, 999999999))

	reclaimed, err := s.Recover()
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, reclaimed)

	require.FileExists(t, filepath.Join(dir, "erasure-42.json"))
}
