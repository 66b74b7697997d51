package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/sysds/sysds/shm"
)

// memHeap is an in-memory scratch heap used while building the dense,
// rewritten Ext buffer a defrag pass produces. It mirrors Allocator's
// append/CopyString API but grows a plain slice instead of an mmap'd
// region, since the rewritten buffer is assembled off to the side and
// only swapped into the real Ext region once complete.
type memHeap struct {
	buf []byte
}

func newMemHeap() *memHeap {
	return &memHeap{buf: make([]byte, ExtHeaderSize)}
}

func (h *memHeap) alloc(n int) uint64 {
	off := uint64(len(h.buf))
	h.buf = append(h.buf, make([]byte, align8(n))...)

	return off
}

func (h *memHeap) copyBytes(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}

	off := h.alloc(len(data))
	copy(h.buf[off:], data)

	return off
}

func (h *memHeap) copyString(s string) uint64 {
	if s == "" {
		return 0
	}

	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)

	return h.copyBytes(buf)
}

// Defragmenter rewrites Ext as a dense buffer with no wasted space,
// walking Main's modules and their arrays in a fixed order (§4.5):
// Pass A copies module names; Pass B copies each module's per-datastore
// arrays (features, forward/inverse data deps, op deps, change/operational
// subscriptions); Pass C copies connection state and evpipe arrays; Pass D
// copies RPCs, their op-paths, and their subscriptions. The result is
// swapped into the real Ext region while the caller holds Main exclusively
// for the duration of Run, so no other lock holder sees a partial rewrite.
type Defragmenter struct {
	main *shm.Region
	ext  *shm.Region
	b    *Builder
}

// NewDefragmenter wraps the Main and Ext regions.
func NewDefragmenter(main, ext *shm.Region) *Defragmenter {
	return &Defragmenter{main: main, ext: ext, b: NewBuilder(main, ext)}
}

// Run performs the fixed Pass A-D walk and swaps the result into Ext.
func (d *Defragmenter) Run() error {
	h := d.b.header()
	heap := newMemHeap()

	modules := make([]Module, h.ModuleCount)
	for i := uint32(0); i < h.ModuleCount; i++ {
		modules[i] = d.b.moduleAt(i)
	}

	// Pass A: module names. nameOffsets records each live module's new
	// offset so that later passes resolve a name reference (a dependency's
	// target module) by looking the module up here instead of copying the
	// string a second time (§4.5, spec.md:87).
	nameOffsets := make(map[string]uint64, len(modules))

	for i := range modules {
		name := ReadString(d.ext, modules[i].NameOffset)
		newOff := heap.copyString(name)
		modules[i].NameOffset = newOff

		if name != "" {
			nameOffsets[name] = newOff
		}
	}

	// Pass B: per-module arrays.
	for i := range modules {
		d.rewriteModuleArrays(heap, &modules[i], nameOffsets)
	}

	// Pass C: connection state + evpipe arrays.
	connOC := d.rewriteConns(heap, OffsetCount{Offset: h.ConnOffset, Count: h.ConnCount})

	// Pass D: RPCs + op-paths + RPC subs.
	rpcOC := d.rewriteRPCs(heap, OffsetCount{Offset: h.RPCOffset, Count: h.RPCCount})

	if err := d.swap(heap.buf); err != nil {
		return fmt.Errorf("catalog: swapping defragmented ext: %w", err)
	}

	for i := range modules {
		d.b.writeModuleAt(uint32(i), modules[i])
	}

	h.ConnOffset, h.ConnCount = connOC.Offset, connOC.Count
	h.RPCOffset, h.RPCCount = rpcOC.Offset, rpcOC.Count
	d.b.writeHeader(h)

	return nil
}

func (d *Defragmenter) rewriteModuleArrays(heap *memHeap, m *Module, nameOffsets map[string]uint64) {
	m.Features = d.rewriteFeatures(heap, m.Features)
	m.DataDeps = d.rewriteDataDeps(heap, m.DataDeps, nameOffsets)
	m.InvDataDeps = d.rewriteDataDeps(heap, m.InvDataDeps, nameOffsets)
	m.OpDeps = d.rewriteOpDeps(heap, m.OpDeps, nameOffsets)

	for ds := 0; ds < dsKindCount; ds++ {
		m.ChangeSub[ds] = d.rewriteChangeSubs(heap, m.ChangeSub[ds])
	}

	m.OperSub = d.rewriteOperSubs(heap, m.OperSub)
	m.NotifSub = d.rewriteNotifSubs(heap, m.NotifSub)
}

func (d *Defragmenter) rewriteFeatures(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	off := heap.alloc(int(oc.Count) * 8)

	for i := uint32(0); i < oc.Count; i++ {
		name := ReadString(d.ext, shm.LoadUint64(bs, int(oc.Offset)+int(i)*8))
		newOff := heap.copyString(name)
		binary.LittleEndian.PutUint64(heap.buf[off+uint64(i)*8:], newOff)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

// resolveTargetName maps oldOff, a TargetNameOffset into the pre-defrag Ext
// buffer, onto the new offset of that same module's name as already
// rewritten by Pass A. Every dependency target is, by I3/Uninstall's
// has-dependents check, a module that is still installed, so it is always
// present in nameOffsets; the copyString fallback only guards against a
// corrupt catalog rather than being a path this walk is expected to take.
func (d *Defragmenter) resolveTargetName(heap *memHeap, nameOffsets map[string]uint64, oldOff uint64) uint64 {
	if oldOff == 0 {
		return 0
	}

	name := ReadString(d.ext, oldOff)
	if newOff, ok := nameOffsets[name]; ok {
		return newOff
	}

	return heap.copyString(name)
}

func (d *Defragmenter) rewriteDataDeps(heap *memHeap, oc OffsetCount, nameOffsets map[string]uint64) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	off := heap.alloc(int(oc.Count) * DataDepEntrySize)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*DataDepEntrySize
		e := DecodeDataDep(bs[start : start+DataDepEntrySize])

		e.TargetNameOffset = d.resolveTargetName(heap, nameOffsets, e.TargetNameOffset)
		e.XPathOffset = heap.copyString(ReadString(d.ext, e.XPathOffset))

		dst := off + uint64(i)*DataDepEntrySize
		EncodeDataDep(heap.buf[dst:dst+DataDepEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteOpDeps(heap *memHeap, oc OffsetCount, nameOffsets map[string]uint64) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	entries := make([]OpDepEntry, oc.Count)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*OpDepEntrySize
		entries[i] = DecodeOpDep(bs[start : start+OpDepEntrySize])
	}

	off := heap.alloc(int(oc.Count) * OpDepEntrySize)

	for i, e := range entries {
		e.XPathOffset = heap.copyString(ReadString(d.ext, e.XPathOffset))
		e.Input = d.rewriteDataDeps(heap, e.Input, nameOffsets)
		e.Output = d.rewriteDataDeps(heap, e.Output, nameOffsets)

		dst := off + uint64(i)*OpDepEntrySize
		EncodeOpDep(heap.buf[dst:dst+OpDepEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteChangeSubs(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	off := heap.alloc(int(oc.Count) * ChangeSubEntrySize)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*ChangeSubEntrySize
		e := DecodeChangeSub(bs[start : start+ChangeSubEntrySize])
		e.XPathOffset = heap.copyString(ReadString(d.ext, e.XPathOffset))

		dst := off + uint64(i)*ChangeSubEntrySize
		EncodeChangeSub(heap.buf[dst:dst+ChangeSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteOperSubs(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	off := heap.alloc(int(oc.Count) * OperSubEntrySize)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*OperSubEntrySize
		e := DecodeOperSub(bs[start : start+OperSubEntrySize])
		e.XPathOffset = heap.copyString(ReadString(d.ext, e.XPathOffset))

		dst := off + uint64(i)*OperSubEntrySize
		EncodeOperSub(heap.buf[dst:dst+OperSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteNotifSubs(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	off := heap.alloc(int(oc.Count) * NotifSubEntrySize)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*NotifSubEntrySize
		e := DecodeNotifSub(bs[start : start+NotifSubEntrySize])
		e.XPathOffset = heap.copyString(ReadString(d.ext, e.XPathOffset))

		dst := off + uint64(i)*NotifSubEntrySize
		EncodeNotifSub(heap.buf[dst:dst+NotifSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteConns(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	entries := make([]ConnStateEntry, oc.Count)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*ConnStateEntrySize
		entries[i] = DecodeConnState(bs[start : start+ConnStateEntrySize])
	}

	off := heap.alloc(int(oc.Count) * ConnStateEntrySize)

	for i, e := range entries {
		if e.Evpipes.Count > 0 {
			idsOff := heap.alloc(int(e.Evpipes.Count) * EvpipeEntrySize)

			for j := uint32(0); j < e.Evpipes.Count; j++ {
				id := shm.LoadUint64(bs, int(e.Evpipes.Offset)+int(j)*EvpipeEntrySize)
				binary.LittleEndian.PutUint64(heap.buf[idsOff+uint64(j)*EvpipeEntrySize:], id)
			}

			e.Evpipes = OffsetCount{Offset: idsOff, Count: e.Evpipes.Count}
		}

		dst := off + uint64(i)*ConnStateEntrySize
		EncodeConnState(heap.buf[dst:dst+ConnStateEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

func (d *Defragmenter) rewriteRPCs(heap *memHeap, oc OffsetCount) OffsetCount {
	if oc.Count == 0 {
		return OffsetCount{}
	}

	bs := d.ext.Bytes()
	entries := make([]RPCEntry, oc.Count)

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*RPCEntrySize
		entries[i] = DecodeRPC(bs[start : start+RPCEntrySize])
	}

	off := heap.alloc(int(oc.Count) * RPCEntrySize)

	for i, e := range entries {
		newPathOff := heap.copyString(ReadString(d.ext, e.OpPathOffset))
		newSubs := d.rewriteChangeSubs(heap, e.Subs)

		dst := off + uint64(i)*RPCEntrySize
		EncodeRPC(heap.buf[dst:dst+RPCEntrySize], RPCEntry{OpPathOffset: newPathOff, Subs: newSubs})
	}

	return OffsetCount{Offset: off, Count: oc.Count}
}

// swap grows Ext to fit buf if necessary, then overwrites its contents and
// resets the wasted counter to zero. It does not shrink Ext back down
// since Region has no truncate-on-write primitive; the defragmented heap
// simply ends with unused tail space the next Alloc will use first.
func (d *Defragmenter) swap(buf []byte) error {
	if len(buf) > d.ext.Size() {
		if err := d.ext.Remap(len(buf)); err != nil {
			return err
		}
	}

	dst := d.ext.Bytes()
	clear(dst)
	copy(dst, buf)
	shm.StoreUint64(dst, UsedOffset, uint64(len(buf)))
	shm.StoreUint64(dst, WastedOffset, 0)

	return nil
}
