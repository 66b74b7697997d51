package catalog

import (
	"fmt"
	"sort"

	"github.com/sysds/sysds/shm"
	"github.com/sysds/sysds/yang"
)

// Builder installs and uninstalls modules in the Main/Ext catalog (§4.7).
// The caller must hold Main exclusively for the duration of any
// Install/Uninstall call; there is no separate lydmods mutex, so the
// exclusive Main lock is what serializes catalog edits. Builder itself
// performs no locking, it only manipulates the mapped bytes.
type Builder struct {
	main  *shm.Region
	ext   *shm.Region
	alloc *Allocator
}

// NewBuilder wraps the Main and Ext regions.
func NewBuilder(main, ext *shm.Region) *Builder {
	return &Builder{main: main, ext: ext, alloc: NewAllocator(ext)}
}

func (b *Builder) header() MainHeader {
	h, ok := DecodeMainHeader(b.main.Bytes())
	if !ok {
		return MainHeader{}
	}

	return h
}

func (b *Builder) writeHeader(h MainHeader) {
	EncodeMainHeader(b.main.Bytes(), h)
}

func (b *Builder) moduleAt(i uint32) Module {
	start := mainHeaderSize + int(i)*ModuleRecordSize
	return DecodeModule(b.main.Bytes()[start : start+ModuleRecordSize])
}

func (b *Builder) writeModuleAt(i uint32, m Module) {
	start := mainHeaderSize + int(i)*ModuleRecordSize
	EncodeModule(b.main.Bytes()[start:start+ModuleRecordSize], m)
}

// NextConnHandle allocates and persists the next connection handle. Handles
// start at 1; 0 is reserved for internal, connection-less reads.
func (b *Builder) NextConnHandle() uint64 {
	h := b.header()
	h.NextSessionID++
	b.writeHeader(h)

	return h.NextSessionID
}

// NextEvpipeID allocates and persists the next event-pipe id.
func (b *Builder) NextEvpipeID() uint64 {
	h := b.header()
	h.NextEvpipeID++
	b.writeHeader(h)

	return h.NextEvpipeID
}

// All returns every installed module's name, in on-disk order. Slots left
// behind by Uninstall (tombstoned, never reused, see Uninstall) are
// skipped.
func (b *Builder) All() []string {
	h := b.header()
	names := make([]string, 0, h.ModuleCount)

	for i := uint32(0); i < h.ModuleCount; i++ {
		if m := b.moduleAt(i); m.NameOffset != 0 {
			names = append(names, ReadString(b.ext, m.NameOffset))
		}
	}

	return names
}

// Find looks up an installed module by name. Tombstoned slots (NameOffset
// == 0, the absent sentinel used throughout Main/Ext) are skipped; Uninstall
// never reassigns them, so a live module's index is stable for as long as
// it stays installed.
func (b *Builder) Find(name string) (Module, uint32, bool) {
	h := b.header()

	for i := uint32(0); i < h.ModuleCount; i++ {
		m := b.moduleAt(i)
		if m.NameOffset != 0 && ReadString(b.ext, m.NameOffset) == name {
			return m, i, true
		}
	}

	return Module{}, 0, false
}

// ensureMainCapacity grows the Main region if the next module record would
// not fit in the mapped bytes.
func (b *Builder) ensureMainCapacity(count uint32) error {
	need := mainHeaderSize + int(count)*ModuleRecordSize
	if need <= b.main.Size() {
		return nil
	}

	newSize := b.main.Size() * 2
	if newSize == 0 {
		newSize = mainHeaderSize + ModuleRecordSize
	}

	for newSize < need {
		newSize *= 2
	}

	return b.main.Remap(newSize)
}

// Install adds meta as a new module, rejecting a duplicate name or a
// reference to a dependency module that is not already installed. The new
// module's Ext arrays and every module's inverse-dependency array are
// written within this one call. Ext is not pre-sized for the whole
// install: each allocation grows it on demand, so a single Install may
// remap Ext several times.
func (b *Builder) Install(meta yang.ModuleMeta) error {
	if _, _, ok := b.Find(meta.Name); ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, meta.Name)
	}

	installed := make(map[string]bool)
	for _, n := range b.All() {
		installed[n] = true
	}

	for _, d := range meta.DataDeps {
		if !installed[d.TargetModule] {
			return fmt.Errorf("%w: %s references %s", ErrDependencyMissing, meta.Name, d.TargetModule)
		}
	}

	nameOff, err := b.alloc.CopyString(meta.Name)
	if err != nil {
		return err
	}

	var revision [moduleRevisionSize]byte
	copy(revision[:], meta.Revision)

	featOff, err := b.writeFeatures(meta.Features)
	if err != nil {
		return err
	}

	dataDepOff, err := b.writeDataDeps(meta.DataDeps)
	if err != nil {
		return err
	}

	opDepOff, err := b.writeOpDeps(meta.OpDeps)
	if err != nil {
		return err
	}

	var flags uint32
	if meta.ReplaySupport {
		flags |= ModuleFlagReplaySupport
	}

	m := Module{
		NameOffset: nameOff,
		Revision:   revision,
		Flags:      flags,
		Features:   featOff,
		DataDeps:   dataDepOff,
		OpDeps:     opDepOff,
	}

	h := b.header()
	if err := b.ensureMainCapacity(h.ModuleCount + 1); err != nil {
		return fmt.Errorf("catalog: growing main: %w", err)
	}

	b.writeModuleAt(h.ModuleCount, m)
	h.ModuleCount++
	b.writeHeader(h)

	for _, rpc := range meta.RPCs {
		if err := b.addRPC(rpc); err != nil {
			return err
		}
	}

	return b.rebuildInverseDeps()
}

func (b *Builder) readRPCs() []RPCEntry {
	h := b.header()
	out := make([]RPCEntry, h.RPCCount)
	bs := b.ext.Bytes()

	for i := uint32(0); i < h.RPCCount; i++ {
		start := h.RPCOffset + uint64(i)*RPCEntrySize
		out[i] = DecodeRPC(bs[start : start+RPCEntrySize])
	}

	return out
}

func (b *Builder) writeRPCs(entries []RPCEntry) error {
	h := b.header()

	var newOC OffsetCount
	if len(entries) > 0 {
		off, err := b.alloc.Alloc(len(entries) * RPCEntrySize)
		if err != nil {
			return err
		}

		bs := b.ext.Bytes()
		for i, e := range entries {
			start := off + uint64(i)*RPCEntrySize
			EncodeRPC(bs[start:start+RPCEntrySize], e)
		}

		newOC = OffsetCount{Offset: off, Count: uint32(len(entries))}
	}

	if h.RPCOffset != 0 {
		b.alloc.Free(h.RPCOffset, int(h.RPCCount)*RPCEntrySize)
	}

	h.RPCOffset = newOC.Offset
	h.RPCCount = newOC.Count
	b.writeHeader(h)

	return nil
}

// addRPC registers an RPC/action's op-path if not already present. Per
// §4.8, the entry itself is only created lazily on first subscribe in the
// general case; installing a module that declares RPCs pre-creates the
// stub so FindRPC works immediately after install.
func (b *Builder) addRPC(opPath string) error {
	for _, e := range b.readRPCs() {
		if ReadString(b.ext, e.OpPathOffset) == opPath {
			return nil
		}
	}

	pathOff, err := b.alloc.CopyString(opPath)
	if err != nil {
		return err
	}

	return b.writeRPCs(append(b.readRPCs(), RPCEntry{OpPathOffset: pathOff}))
}

// FindRPC looks up an RPC/action by its op-path.
func (b *Builder) FindRPC(opPath string) (RPCEntry, bool) {
	for _, e := range b.readRPCs() {
		if ReadString(b.ext, e.OpPathOffset) == opPath {
			return e, true
		}
	}

	return RPCEntry{}, false
}

// Uninstall removes name, rejecting the removal if any other installed
// module still depends on it (I3 would otherwise describe a dangling
// inverse edge to a module that no longer exists).
//
// Per I4, Module records never move and are only appended to; an individual
// module is destroyed only by global teardown of Main itself. Uninstall
// therefore tombstones idx's record in place: it frees everything it owns
// in Ext and zeroes the record, leaving NameOffset == 0, rather than shifting
// later records down and shrinking ModuleCount. Every later record keeps
// its index for as long as the process holding Main's lock cares (lock
// monotonicity, §4.2): a Find result cached before this call stays valid
// after it, for any module other than the one just removed.
func (b *Builder) Uninstall(name string) error {
	m, idx, ok := b.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	if len(m.invDepNames(b.ext)) > 0 {
		return fmt.Errorf("%w: %s", ErrModuleHasDependents, name)
	}

	b.alloc.FreeString(b.ext, m.NameOffset)
	b.freeFeatures(m.Features)
	b.freeDataDeps(m.DataDeps)
	b.freeDataDeps(m.InvDataDeps)
	b.freeOpDeps(m.OpDeps)

	for ds := 0; ds < dsKindCount; ds++ {
		b.freeChangeSubs(m.ChangeSub[ds])
	}
	b.freeOperSubs(m.OperSub)
	b.freeNotifSubs(m.NotifSub)

	b.writeModuleAt(idx, Module{})

	return b.rebuildInverseDeps()
}

func (m Module) invDepNames(ext *shm.Region) []string {
	out := make([]string, 0, m.InvDataDeps.Count)
	b := ext.Bytes()

	for i := uint32(0); i < m.InvDataDeps.Count; i++ {
		start := m.InvDataDeps.Offset + uint64(i)*DataDepEntrySize
		d := DecodeDataDep(b[start : start+DataDepEntrySize])
		out = append(out, ReadString(ext, d.TargetNameOffset))
	}

	return out
}

// rebuildInverseDeps recomputes every module's InvDataDeps array from
// scratch: direct forward edges from every module's DataDeps, closed
// transitively (I3), grounded in the Open-Question decision to rebuild
// rather than incrementally patch dependency arrays. Tombstoned slots
// (NameOffset == 0, left behind by Uninstall) carry no name and no deps, so
// they are skipped entirely rather than participating as a phantom ""
// module.
func (b *Builder) rebuildInverseDeps() error {
	h := b.header()

	var (
		indices []uint32
		names   []string
		modules []Module
	)
	fwd := make(map[string][]string)

	for i := uint32(0); i < h.ModuleCount; i++ {
		m := b.moduleAt(i)
		if m.NameOffset == 0 {
			continue
		}

		name := ReadString(b.ext, m.NameOffset)

		indices = append(indices, i)
		names = append(names, name)
		modules = append(modules, m)
		fwd[name] = b.directDataDepTargets(m.DataDeps)
	}

	inv := transitiveInverse(names, fwd)

	for k, name := range names {
		m := modules[k]

		if m.InvDataDeps.Count > 0 {
			b.freeDataDeps(m.InvDataDeps)
		}

		deps := inv[name]
		sort.Strings(deps)

		entries := make([]DataDepEntry, 0, len(deps))
		for _, dep := range deps {
			off, err := b.alloc.CopyString(dep)
			if err != nil {
				return err
			}

			entries = append(entries, DataDepEntry{Kind: DataDepRef, TargetNameOffset: off})
		}

		oc, err := b.writeDataDepEntries(entries)
		if err != nil {
			return err
		}

		m.InvDataDeps = oc
		b.writeModuleAt(indices[k], m)
	}

	return nil
}

func (b *Builder) directDataDepTargets(oc OffsetCount) []string {
	out := make([]string, 0, oc.Count)
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*DataDepEntrySize
		d := DecodeDataDep(bs[start : start+DataDepEntrySize])
		out = append(out, ReadString(b.ext, d.TargetNameOffset))
	}

	return out
}

// transitiveInverse computes, for every node in names, the set of all
// other nodes that reach it by following fwd edges (ancestors in the
// dependency DAG), via BFS over the reverse adjacency.
func transitiveInverse(names []string, fwd map[string][]string) map[string][]string {
	rev := make(map[string][]string, len(names))
	for _, n := range names {
		rev[n] = nil
	}

	for src, targets := range fwd {
		for _, t := range targets {
			rev[t] = append(rev[t], src)
		}
	}

	result := make(map[string][]string, len(names))

	for _, n := range names {
		visited := map[string]bool{}
		queue := append([]string{}, rev[n]...)

		for _, q := range queue {
			visited[q] = true
		}

		for i := 0; i < len(queue); i++ {
			for _, next := range rev[queue[i]] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}

		for v := range visited {
			result[n] = append(result[n], v)
		}
	}

	return result
}

func (b *Builder) writeFeatures(features []string) (OffsetCount, error) {
	if len(features) == 0 {
		return OffsetCount{}, nil
	}

	off, err := b.alloc.Alloc(len(features) * 8)
	if err != nil {
		return OffsetCount{}, err
	}

	for i, f := range features {
		fOff, err := b.alloc.CopyString(f)
		if err != nil {
			return OffsetCount{}, err
		}

		// CopyString may have remapped Ext, so re-derive the mapping.
		shm.StoreUint64(b.ext.Bytes(), int(off)+i*8, fOff)
	}

	return OffsetCount{Offset: off, Count: uint32(len(features))}, nil
}

func (b *Builder) writeDataDeps(deps []yang.DataDep) (OffsetCount, error) {
	entries := make([]DataDepEntry, 0, len(deps))

	for _, d := range deps {
		targetOff, err := b.alloc.CopyString(d.TargetModule)
		if err != nil {
			return OffsetCount{}, err
		}

		xpathOff, err := b.alloc.CopyString(d.XPath)
		if err != nil {
			return OffsetCount{}, err
		}

		kind := DataDepRef
		if d.Kind == yang.DataDepInstanceID {
			kind = DataDepInstanceID
		}

		entries = append(entries, DataDepEntry{Kind: kind, TargetNameOffset: targetOff, XPathOffset: xpathOff})
	}

	return b.writeDataDepEntries(entries)
}

func (b *Builder) writeDataDepEntries(entries []DataDepEntry) (OffsetCount, error) {
	if len(entries) == 0 {
		return OffsetCount{}, nil
	}

	off, err := b.alloc.Alloc(len(entries) * DataDepEntrySize)
	if err != nil {
		return OffsetCount{}, err
	}

	bs := b.ext.Bytes()

	for i, e := range entries {
		start := off + uint64(i)*DataDepEntrySize
		EncodeDataDep(bs[start:start+DataDepEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: uint32(len(entries))}, nil
}

func (b *Builder) writeOpDeps(ops []yang.OpDep) (OffsetCount, error) {
	entries := make([]OpDepEntry, 0, len(ops))

	for _, op := range ops {
		xpathOff, err := b.alloc.CopyString(op.XPath)
		if err != nil {
			return OffsetCount{}, err
		}

		in, err := b.writeDataDeps(op.Input)
		if err != nil {
			return OffsetCount{}, err
		}

		out, err := b.writeDataDeps(op.Output)
		if err != nil {
			return OffsetCount{}, err
		}

		entries = append(entries, OpDepEntry{XPathOffset: xpathOff, Input: in, Output: out})
	}

	if len(entries) == 0 {
		return OffsetCount{}, nil
	}

	off, err := b.alloc.Alloc(len(entries) * OpDepEntrySize)
	if err != nil {
		return OffsetCount{}, err
	}

	bs := b.ext.Bytes()

	for i, e := range entries {
		start := off + uint64(i)*OpDepEntrySize
		EncodeOpDep(bs[start:start+OpDepEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: uint32(len(entries))}, nil
}

func (b *Builder) freeFeatures(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		fOff := shm.LoadUint64(bs, int(oc.Offset)+int(i)*8)
		b.alloc.FreeString(b.ext, fOff)
	}

	b.freeOffsetArray(oc, 8)
}

func (b *Builder) freeOffsetArray(oc OffsetCount, stride int) {
	if oc.Count == 0 {
		return
	}

	b.alloc.Free(oc.Offset, int(oc.Count)*stride)
}

func (b *Builder) freeDataDeps(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*DataDepEntrySize
		d := DecodeDataDep(bs[start : start+DataDepEntrySize])
		b.alloc.FreeString(b.ext, d.TargetNameOffset)
		b.alloc.FreeString(b.ext, d.XPathOffset)
	}

	b.freeOffsetArray(oc, DataDepEntrySize)
}

func (b *Builder) freeOpDeps(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*OpDepEntrySize
		e := DecodeOpDep(bs[start : start+OpDepEntrySize])
		b.alloc.FreeString(b.ext, e.XPathOffset)
		b.freeDataDeps(e.Input)
		b.freeDataDeps(e.Output)
	}

	b.freeOffsetArray(oc, OpDepEntrySize)
}

func (b *Builder) freeChangeSubs(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*ChangeSubEntrySize
		e := DecodeChangeSub(bs[start : start+ChangeSubEntrySize])
		b.alloc.FreeString(b.ext, e.XPathOffset)
	}

	b.freeOffsetArray(oc, ChangeSubEntrySize)
}

func (b *Builder) freeOperSubs(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*OperSubEntrySize
		e := DecodeOperSub(bs[start : start+OperSubEntrySize])
		b.alloc.FreeString(b.ext, e.XPathOffset)
	}

	b.freeOffsetArray(oc, OperSubEntrySize)
}

func (b *Builder) freeNotifSubs(oc OffsetCount) {
	bs := b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*NotifSubEntrySize
		e := DecodeNotifSub(bs[start : start+NotifSubEntrySize])
		b.alloc.FreeString(b.ext, e.XPathOffset)
	}

	b.freeOffsetArray(oc, NotifSubEntrySize)
}
