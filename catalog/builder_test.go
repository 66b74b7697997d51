package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/yang"
)

func TestBuilder_InstallAndFind(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "ietf-interfaces",
		Revision: "2018-02-20",
		Features: []string{"if-mib"},
		RPCs:     []string{"/ietf-interfaces:reset"},
	}))

	m, idx, ok := b.Find("ietf-interfaces")
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	require.Equal(t, "ietf-interfaces", ReadString(ext, m.NameOffset))
	require.Equal(t, uint32(1), m.Features.Count)

	_, ok = b.FindRPC("/ietf-interfaces:reset")
	require.True(t, ok)
}

func TestBuilder_InstallDuplicateErrors(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.NoError(t, b.Install(yang.ModuleMeta{Name: "mod-a"}))
	require.ErrorIs(t, b.Install(yang.ModuleMeta{Name: "mod-a"}), ErrModuleExists)
}

func TestBuilder_InstallMissingDependencyErrors(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	err := b.Install(yang.ModuleMeta{
		Name:     "mod-b",
		DataDeps: []yang.DataDep{{TargetModule: "mod-a", XPath: "/mod-a:x"}},
	})
	require.ErrorIs(t, err, ErrDependencyMissing)
}

func TestBuilder_InverseDepsAreTransitive(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.NoError(t, b.Install(yang.ModuleMeta{Name: "base"}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "mid",
		DataDeps: []yang.DataDep{{TargetModule: "base"}},
	}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "top",
		DataDeps: []yang.DataDep{{TargetModule: "mid"}},
	}))

	base, _, _ := b.Find("base")
	require.Equal(t, uint32(2), base.InvDataDeps.Count)
	require.ElementsMatch(t, []string{"mid", "top"}, base.invDepNames(ext))

	mid, _, _ := b.Find("mid")
	require.Equal(t, uint32(1), mid.InvDataDeps.Count)
	require.ElementsMatch(t, []string{"top"}, mid.invDepNames(ext))
}

func TestBuilder_UninstallRejectsModuleWithDependents(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.NoError(t, b.Install(yang.ModuleMeta{Name: "base"}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "mid",
		DataDeps: []yang.DataDep{{TargetModule: "base"}},
	}))

	require.ErrorIs(t, b.Uninstall("base"), ErrModuleHasDependents)

	require.NoError(t, b.Uninstall("mid"))
	require.NoError(t, b.Uninstall("base"))

	require.Equal(t, 0, len(b.All()))
}

func TestBuilder_UninstallUnknownModuleErrors(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.ErrorIs(t, b.Uninstall("nope"), ErrModuleNotFound)
}

// TestBuilder_UninstallTombstonesRatherThanShifts asserts I4: removing a
// module must not move any other module's Main record. A cached Find index
// for a surviving module must still resolve to the same slot afterwards.
func TestBuilder_UninstallTombstonesRatherThanShifts(t *testing.T) {
	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)

	require.NoError(t, b.Install(yang.ModuleMeta{Name: "a"}))
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "b"}))
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "c"}))

	_, idxA, ok := b.Find("a")
	require.True(t, ok)
	require.Equal(t, uint32(0), idxA)

	_, idxC, ok := b.Find("c")
	require.True(t, ok)
	require.Equal(t, uint32(2), idxC)

	require.NoError(t, b.Uninstall("b"))

	_, idxAAfter, ok := b.Find("a")
	require.True(t, ok)
	require.Equal(t, idxA, idxAAfter)

	_, idxCAfter, ok := b.Find("c")
	require.True(t, ok)
	require.Equal(t, idxC, idxCAfter, "c's record must not shift down into b's freed slot")

	_, _, ok = b.Find("b")
	require.False(t, ok)

	require.ElementsMatch(t, []string{"a", "c"}, b.All())

	// Installing a new module must append after the high-water mark, not
	// reuse b's tombstoned slot.
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "d"}))

	_, idxD, ok := b.Find("d")
	require.True(t, ok)
	require.Equal(t, uint32(3), idxD)
}
