package catalog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/yang"
)

func TestDefragmenter_RunZeroesWastedAndPreservesCatalog(t *testing.T) {
	main, ext := newTestCatalogRegions(t)

	b := NewBuilder(main, ext)
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "base"}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "mid",
		Features: []string{"feat-a"},
		DataDeps: []yang.DataDep{{TargetModule: "base", XPath: "/base:x"}},
	}))

	subs := NewSubscriptions(b)
	require.NoError(t, subs.SubscribeChange("mid", DSRunning, "/mid:thing", 0, 0, 1))

	conns := NewConnections(main, ext)
	require.NoError(t, conns.Add(5, uint64(os.Getpid())))
	require.NoError(t, conns.AddEvpipe(5, 1))

	require.NoError(t, subs.SubscribeRPC("/mid:action", "", 0, 0, 1))

	before := NewAllocator(ext).Wasted()

	// Unsubscribe and re-subscribe to leave some wasted space before defrag.
	require.NoError(t, subs.UnsubscribeChange("mid", DSRunning, 1))
	require.NoError(t, subs.SubscribeChange("mid", DSRunning, "/mid:thing2", 0, 0, 2))

	require.Greater(t, NewAllocator(ext).Wasted(), before)

	def := NewDefragmenter(main, ext)
	require.NoError(t, def.Run())

	require.Zero(t, NewAllocator(ext).Wasted())

	mid, _, ok := b.Find("mid")
	require.True(t, ok)
	require.Equal(t, "mid", ReadString(ext, mid.NameOffset))
	require.Equal(t, uint32(1), mid.Features.Count)
	require.Equal(t, uint32(1), mid.DataDeps.Count)
	require.Equal(t, uint32(1), mid.ChangeSub[DSRunning].Count)

	base, _, ok := b.Find("base")
	require.True(t, ok)
	require.Equal(t, uint32(1), base.InvDataDeps.Count)

	conn, ok := conns.Find(5)
	require.True(t, ok)
	require.Equal(t, uint32(1), conn.Evpipes.Count)

	_, ok = b.FindRPC("/mid:action")
	require.True(t, ok)
}

// TestDefragmenter_RunDeduplicatesTargetNameReferences asserts that two
// modules depending on the same target end up pointing at the exact same
// name offset after defrag (the Pass A rewritten offset, reused via catalog
// lookup in Pass B) rather than each getting its own fresh copy of the
// string.
func TestDefragmenter_RunDeduplicatesTargetNameReferences(t *testing.T) {
	main, ext := newTestCatalogRegions(t)

	b := NewBuilder(main, ext)
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "base"}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "mid1",
		DataDeps: []yang.DataDep{{TargetModule: "base", XPath: "/base:x"}},
	}))
	require.NoError(t, b.Install(yang.ModuleMeta{
		Name:     "mid2",
		DataDeps: []yang.DataDep{{TargetModule: "base", XPath: "/base:y"}},
	}))

	// Churn some unrelated waste so defrag has a rewrite to do.
	subs := NewSubscriptions(b)
	require.NoError(t, subs.SubscribeChange("mid1", DSRunning, "/mid1:thing", 0, 0, 1))
	require.NoError(t, subs.UnsubscribeChange("mid1", DSRunning, 1))

	def := NewDefragmenter(main, ext)
	require.NoError(t, def.Run())

	base, _, ok := b.Find("base")
	require.True(t, ok)

	readTargetOffset := func(moduleName string) uint64 {
		m, _, ok := b.Find(moduleName)
		require.True(t, ok)
		require.Equal(t, uint32(1), m.DataDeps.Count)

		bs := ext.Bytes()
		e := DecodeDataDep(bs[m.DataDeps.Offset : m.DataDeps.Offset+DataDepEntrySize])

		return e.TargetNameOffset
	}

	off1 := readTargetOffset("mid1")
	off2 := readTargetOffset("mid2")

	require.Equal(t, base.NameOffset, off1)
	require.Equal(t, base.NameOffset, off2)
}

func TestDefragmenter_RunOnEmptyCatalogIsNoop(t *testing.T) {
	main, ext := newTestCatalogRegions(t)

	def := NewDefragmenter(main, ext)
	require.NoError(t, def.Run())
	require.Zero(t, NewAllocator(ext).Wasted())
}

// TestDefragmenter_RandomSubscribeChurnReachesFixedPoint runs many random
// subscribe/unsubscribe cycles against one module, then defrags twice: the
// second run must be a no-op (wasted stays zero, live state unchanged).
func TestDefragmenter_RandomSubscribeChurnReachesFixedPoint(t *testing.T) {
	main, ext := newTestCatalogRegions(t)

	b := NewBuilder(main, ext)
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "churn"}))

	subs := NewSubscriptions(b)

	const rounds = 1000

	var nextEvpipe uint64 = 1

	live := map[uint64]bool{}

	for i := 0; i < rounds; i++ {
		switch i % 3 {
		case 0, 1:
			id := nextEvpipe
			nextEvpipe++

			require.NoError(t, subs.SubscribeChange("churn", DSRunning, "/churn:x", 0, 0, id))
			live[id] = true
		case 2:
			if len(live) == 0 {
				continue
			}

			for id := range live {
				require.NoError(t, subs.UnsubscribeChange("churn", DSRunning, id))
				delete(live, id)

				break
			}
		}
	}

	def := NewDefragmenter(main, ext)
	require.NoError(t, def.Run())

	wastedAfterFirst := NewAllocator(ext).Wasted()
	require.Zero(t, wastedAfterFirst)

	extSizeAfterFirst := ext.Size()
	contentAfterFirst := append([]byte(nil), ext.Bytes()...)

	require.NoError(t, def.Run())

	require.Zero(t, NewAllocator(ext).Wasted())
	require.Equal(t, extSizeAfterFirst, ext.Size())
	require.Equal(t, contentAfterFirst, ext.Bytes())

	m, _, ok := b.Find("churn")
	require.True(t, ok)
	require.Equal(t, uint32(len(live)), m.ChangeSub[DSRunning].Count)
}
