// Package catalog implements the layout, allocator, defragmenter, catalog
// builder, subscription registry, connection/liveness tracking, and
// recovery sweep that live on top of the two shm.Region mappings (Main SHM
// and Ext SHM).
package catalog

import (
	"encoding/binary"
	"hash/crc32"
)

// Datastore kinds a module maintains. Candidate/facing datastores beyond
// these three are out of scope for the substrate itself.
const (
	DSStartup = iota
	DSRunning
	DSOperational
	dsKindCount
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// --- Main SHM header -------------------------------------------------------

const (
	mainMagic      = "SRM1"
	mainVersion    = 1
	mainHeaderSize = 128

	offMainMagic         = 0
	offMainVersion       = 4
	offMainHeaderSize    = 8
	offMainNextSessionID = 16
	offMainNextEvpipeID  = 24
	offMainRPCOffset     = 32
	offMainRPCCount      = 40
	offMainConnOffset    = 48
	offMainConnCount     = 56
	offMainModuleCount   = 60
	offMainCRC           = 64
)

// MainHeader is the decoded form of the Main SHM header. The Main
// reader/writer lock is not a field of this struct: it is an external
// flock-based lock (shm.RWLock) guarding access to the region, not bytes
// inside it. There is no separate lydmods mutex; catalog edits are
// serialized by holding that lock exclusively.
type MainHeader struct {
	Version       uint32
	NextSessionID uint64
	NextEvpipeID  uint64
	RPCOffset     uint64
	RPCCount      uint32
	ConnOffset    uint64
	ConnCount     uint32
	ModuleCount   uint32
}

// EncodeMainHeader writes h into b[:mainHeaderSize], computing a fresh CRC.
func EncodeMainHeader(b []byte, h MainHeader) {
	copy(b[offMainMagic:], mainMagic)
	binary.LittleEndian.PutUint32(b[offMainVersion:], mainVersion)
	binary.LittleEndian.PutUint32(b[offMainHeaderSize:], mainHeaderSize)
	binary.LittleEndian.PutUint64(b[offMainNextSessionID:], h.NextSessionID)
	binary.LittleEndian.PutUint64(b[offMainNextEvpipeID:], h.NextEvpipeID)
	binary.LittleEndian.PutUint64(b[offMainRPCOffset:], h.RPCOffset)
	binary.LittleEndian.PutUint32(b[offMainRPCCount:], h.RPCCount)
	binary.LittleEndian.PutUint64(b[offMainConnOffset:], h.ConnOffset)
	binary.LittleEndian.PutUint32(b[offMainConnCount:], h.ConnCount)
	binary.LittleEndian.PutUint32(b[offMainModuleCount:], h.ModuleCount)
	binary.LittleEndian.PutUint32(b[offMainCRC:], 0)

	crc := crc32.Checksum(b[:mainHeaderSize], crcTable)
	binary.LittleEndian.PutUint32(b[offMainCRC:], crc)
}

// DecodeMainHeader reads the header out of b. ok is false if the magic,
// version, or CRC do not match (corruption or version_mismatch, per §7).
func DecodeMainHeader(b []byte) (h MainHeader, ok bool) {
	if len(b) < mainHeaderSize {
		return MainHeader{}, false
	}

	if string(b[offMainMagic:offMainMagic+4]) != mainMagic {
		return MainHeader{}, false
	}

	if binary.LittleEndian.Uint32(b[offMainVersion:]) != mainVersion {
		return MainHeader{}, false
	}

	wantCRC := binary.LittleEndian.Uint32(b[offMainCRC:])

	tmp := make([]byte, mainHeaderSize)
	copy(tmp, b[:mainHeaderSize])
	binary.LittleEndian.PutUint32(tmp[offMainCRC:], 0)

	if crc32.Checksum(tmp, crcTable) != wantCRC {
		return MainHeader{}, false
	}

	h.Version = mainVersion
	h.NextSessionID = binary.LittleEndian.Uint64(b[offMainNextSessionID:])
	h.NextEvpipeID = binary.LittleEndian.Uint64(b[offMainNextEvpipeID:])
	h.RPCOffset = binary.LittleEndian.Uint64(b[offMainRPCOffset:])
	h.RPCCount = binary.LittleEndian.Uint32(b[offMainRPCCount:])
	h.ConnOffset = binary.LittleEndian.Uint64(b[offMainConnOffset:])
	h.ConnCount = binary.LittleEndian.Uint32(b[offMainConnCount:])
	h.ModuleCount = binary.LittleEndian.Uint32(b[offMainModuleCount:])

	return h, true
}

// --- Module record -----------------------------------------------------

// ModuleFlagReplaySupport marks a module as replay-capable.
const ModuleFlagReplaySupport uint32 = 1 << 0

const (
	moduleRevisionSize = 32

	offModNameOffset    = 0
	offModRevision      = 8
	offModFlags         = offModRevision + moduleRevisionSize // 40
	offModVersion       = offModFlags + 4                     // 44
	offModDataLock      = offModVersion + 4                   // 48, dsKindCount*8 bytes
	offModReplayLock    = offModDataLock + dsKindCount*8       // 72
	offModFeatOff       = offModReplayLock + 8                 // 80
	offModFeatCount     = offModFeatOff + 8                    // 88
	offModDataDepOff    = offModFeatCount + 8                  // 96 (4 pad)
	offModDataDepCount  = offModDataDepOff + 8                 // 104
	offModInvDepOff     = offModDataDepCount + 8                // 112 (4 pad)
	offModInvDepCount   = offModInvDepOff + 8                   // 120
	offModOpDepOff      = offModInvDepCount + 8                  // 128 (4 pad)
	offModOpDepCount    = offModOpDepOff + 8                     // 136
	offModChangeSub     = offModOpDepCount + 8                   // 144 (4 pad), dsKindCount*16 bytes
	offModOperSubOff    = offModChangeSub + dsKindCount*16        // 192
	offModOperSubCount  = offModOperSubOff + 8                     // 200
	offModNotifSubOff   = offModOperSubCount + 8                    // 208 (4 pad)
	offModNotifSubCount = offModNotifSubOff + 8                     // 216

	// ModuleRecordSize is the fixed stride of every Module record in Main.
	ModuleRecordSize = offModNotifSubCount + 8 + 8 // 232, 8-byte aligned
)

// OffsetCount is a reusable (offset, count) pair into Ext.
type OffsetCount struct {
	Offset uint64
	Count  uint32
}

// Module is the decoded form of one fixed-stride Main SHM record.
type Module struct {
	NameOffset uint64
	Revision   [moduleRevisionSize]byte
	Flags      uint32
	Version    uint32

	// DataLock and ReplayLock are opaque per-datastore descriptors. The
	// fine-grained per-module data/replay locks themselves are outside the
	// substrate's scope (spec §5); these fields only reserve their storage
	// so layout stays a faithful superset of the original structure.
	DataLock   [dsKindCount]uint64
	ReplayLock uint64

	Features     OffsetCount
	DataDeps     OffsetCount
	InvDataDeps  OffsetCount
	OpDeps       OffsetCount
	ChangeSub    [dsKindCount]OffsetCount
	OperSub      OffsetCount
	NotifSub     OffsetCount
}

// EncodeModule writes m into b[:ModuleRecordSize].
func EncodeModule(b []byte, m Module) {
	le := binary.LittleEndian

	le.PutUint64(b[offModNameOffset:], m.NameOffset)
	copy(b[offModRevision:offModRevision+moduleRevisionSize], m.Revision[:])
	le.PutUint32(b[offModFlags:], m.Flags)
	le.PutUint32(b[offModVersion:], m.Version)

	for i := 0; i < dsKindCount; i++ {
		le.PutUint64(b[offModDataLock+i*8:], m.DataLock[i])
	}

	le.PutUint64(b[offModReplayLock:], m.ReplayLock)

	putOC(b, offModFeatOff, offModFeatCount, m.Features)
	putOC(b, offModDataDepOff, offModDataDepCount, m.DataDeps)
	putOC(b, offModInvDepOff, offModInvDepCount, m.InvDataDeps)
	putOC(b, offModOpDepOff, offModOpDepCount, m.OpDeps)

	for i := 0; i < dsKindCount; i++ {
		base := offModChangeSub + i*16
		le.PutUint64(b[base:], m.ChangeSub[i].Offset)
		le.PutUint32(b[base+8:], m.ChangeSub[i].Count)
	}

	putOC(b, offModOperSubOff, offModOperSubCount, m.OperSub)
	putOC(b, offModNotifSubOff, offModNotifSubCount, m.NotifSub)
}

// DecodeModule reads a Module out of b[:ModuleRecordSize].
func DecodeModule(b []byte) Module {
	le := binary.LittleEndian

	var m Module
	m.NameOffset = le.Uint64(b[offModNameOffset:])
	copy(m.Revision[:], b[offModRevision:offModRevision+moduleRevisionSize])
	m.Flags = le.Uint32(b[offModFlags:])
	m.Version = le.Uint32(b[offModVersion:])

	for i := 0; i < dsKindCount; i++ {
		m.DataLock[i] = le.Uint64(b[offModDataLock+i*8:])
	}

	m.ReplayLock = le.Uint64(b[offModReplayLock:])

	m.Features = getOC(b, offModFeatOff, offModFeatCount)
	m.DataDeps = getOC(b, offModDataDepOff, offModDataDepCount)
	m.InvDataDeps = getOC(b, offModInvDepOff, offModInvDepCount)
	m.OpDeps = getOC(b, offModOpDepOff, offModOpDepCount)

	for i := 0; i < dsKindCount; i++ {
		base := offModChangeSub + i*16
		m.ChangeSub[i] = OffsetCount{
			Offset: le.Uint64(b[base:]),
			Count:  le.Uint32(b[base+8:]),
		}
	}

	m.OperSub = getOC(b, offModOperSubOff, offModOperSubCount)
	m.NotifSub = getOC(b, offModNotifSubOff, offModNotifSubCount)

	return m
}

func putOC(b []byte, offOffset, offCount int, oc OffsetCount) {
	binary.LittleEndian.PutUint64(b[offOffset:], oc.Offset)
	binary.LittleEndian.PutUint32(b[offCount:], oc.Count)
}

func getOC(b []byte, offOffset, offCount int) OffsetCount {
	return OffsetCount{
		Offset: binary.LittleEndian.Uint64(b[offOffset:]),
		Count:  binary.LittleEndian.Uint32(b[offCount:]),
	}
}

// --- Ext SHM ---------------------------------------------------------------

// ExtHeaderSize is the size of the two header counters at the start of
// every Ext region: the wasted-bytes counter (I1's "sizeof(size_t)" past
// which all offsets live) and the used/next-free-offset high-water mark
// the allocator bumps on every append.
const ExtHeaderSize = 16

// WastedOffset is the byte offset of the wasted counter.
const WastedOffset = 0

// UsedOffset is the byte offset of the next-free-offset high-water mark.
const UsedOffset = 8

// --- Ext entry record layouts ------------------------------------------

// DataDepKind distinguishes a reference dependency from an instance-identifier one.
type DataDepKind uint32

const (
	DataDepRef DataDepKind = iota
	DataDepInstanceID
)

// DataDepEntrySize is the fixed stride of one DataDepEntry in Ext.
const DataDepEntrySize = 24

// DataDepEntry is one forward/inverse data dependency.
type DataDepEntry struct {
	Kind             DataDepKind
	TargetNameOffset uint64 // offset of the referenced module's name string
	XPathOffset      uint64 // 0 if absent
}

func EncodeDataDep(b []byte, d DataDepEntry) {
	binary.LittleEndian.PutUint32(b[0:], uint32(d.Kind))
	binary.LittleEndian.PutUint64(b[8:], d.TargetNameOffset)
	binary.LittleEndian.PutUint64(b[16:], d.XPathOffset)
}

func DecodeDataDep(b []byte) DataDepEntry {
	return DataDepEntry{
		Kind:             DataDepKind(binary.LittleEndian.Uint32(b[0:])),
		TargetNameOffset: binary.LittleEndian.Uint64(b[8:]),
		XPathOffset:      binary.LittleEndian.Uint64(b[16:]),
	}
}

// OpDepEntrySize is the fixed stride of one OpDepEntry in Ext.
const OpDepEntrySize = 40

// OpDepEntry describes one RPC/action's data dependencies.
type OpDepEntry struct {
	XPathOffset uint64
	Input       OffsetCount // array of DataDepEntry
	Output      OffsetCount // array of DataDepEntry
}

func EncodeOpDep(b []byte, d OpDepEntry) {
	binary.LittleEndian.PutUint64(b[0:], d.XPathOffset)
	putOC(b, 8, 16, d.Input)
	putOC(b, 20, 28, d.Output)
}

func DecodeOpDep(b []byte) OpDepEntry {
	return OpDepEntry{
		XPathOffset: binary.LittleEndian.Uint64(b[0:]),
		Input:       getOC(b, 8, 16),
		Output:      getOC(b, 20, 28),
	}
}

// ChangeSubEntrySize is the fixed stride of one change/RPC subscription.
const ChangeSubEntrySize = 24

// ChangeSubEntry is one change or RPC subscription.
type ChangeSubEntry struct {
	XPathOffset uint64 // 0 if absent
	Priority    uint32
	Opts        uint32
	EvpipeID    uint64
}

func EncodeChangeSub(b []byte, e ChangeSubEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.XPathOffset)
	binary.LittleEndian.PutUint32(b[8:], e.Priority)
	binary.LittleEndian.PutUint32(b[12:], e.Opts)
	binary.LittleEndian.PutUint64(b[16:], e.EvpipeID)
}

func DecodeChangeSub(b []byte) ChangeSubEntry {
	return ChangeSubEntry{
		XPathOffset: binary.LittleEndian.Uint64(b[0:]),
		Priority:    binary.LittleEndian.Uint32(b[8:]),
		Opts:        binary.LittleEndian.Uint32(b[12:]),
		EvpipeID:    binary.LittleEndian.Uint64(b[16:]),
	}
}

// OperSubEntrySize is the fixed stride of one operational subscription.
const OperSubEntrySize = 24

// OperSubEntry is one operational-datastore subscription.
type OperSubEntry struct {
	XPathOffset uint64
	Opts        uint32
	EvpipeID    uint64
}

func EncodeOperSub(b []byte, e OperSubEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.XPathOffset)
	binary.LittleEndian.PutUint32(b[8:], e.Opts)
	binary.LittleEndian.PutUint64(b[16:], e.EvpipeID)
}

func DecodeOperSub(b []byte) OperSubEntry {
	return OperSubEntry{
		XPathOffset: binary.LittleEndian.Uint64(b[0:]),
		Opts:        binary.LittleEndian.Uint32(b[8:]),
		EvpipeID:    binary.LittleEndian.Uint64(b[16:]),
	}
}

// NotifSubEntrySize is the fixed stride of one notification subscription.
const NotifSubEntrySize = 16

// NotifSubEntry is one notification subscription.
type NotifSubEntry struct {
	EvpipeID    uint64
	XPathOffset uint64 // optional filter, 0 if absent
}

func EncodeNotifSub(b []byte, e NotifSubEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.EvpipeID)
	binary.LittleEndian.PutUint64(b[8:], e.XPathOffset)
}

func DecodeNotifSub(b []byte) NotifSubEntry {
	return NotifSubEntry{
		EvpipeID:    binary.LittleEndian.Uint64(b[0:]),
		XPathOffset: binary.LittleEndian.Uint64(b[8:]),
	}
}

// RPCEntrySize is the fixed stride of one top-level RPC record.
const RPCEntrySize = 24

// RPCEntry is one installed RPC/action, created on first subscribe.
type RPCEntry struct {
	OpPathOffset uint64
	Subs         OffsetCount // array of ChangeSubEntry
}

func EncodeRPC(b []byte, e RPCEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.OpPathOffset)
	putOC(b, 8, 16, e.Subs)
}

func DecodeRPC(b []byte) RPCEntry {
	return RPCEntry{
		OpPathOffset: binary.LittleEndian.Uint64(b[0:]),
		Subs:         getOC(b, 8, 16),
	}
}

// ConnFlagHoldsExclusive marks a connection as currently holding Main
// exclusively, for use by the recovery sweep's lock-rollback step.
const ConnFlagHoldsExclusive uint32 = 1 << 0

// ConnStateEntrySize is the fixed stride of one connection-state record.
const ConnStateEntrySize = 40

// ConnStateEntry is one connected client's published state.
type ConnStateEntry struct {
	Handle      uint64
	PID         uint64
	Evpipes     OffsetCount // array of uint64 evpipe ids
	MainRCount  uint32      // recursive shared-lock depth, held-lock summary
	Flags       uint32
}

func EncodeConnState(b []byte, e ConnStateEntry) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], e.Handle)
	le.PutUint64(b[8:], e.PID)
	le.PutUint64(b[16:], e.Evpipes.Offset)
	le.PutUint32(b[24:], e.Evpipes.Count)
	le.PutUint32(b[28:], e.MainRCount)
	le.PutUint32(b[32:], e.Flags)
}

func DecodeConnState(b []byte) ConnStateEntry {
	le := binary.LittleEndian

	return ConnStateEntry{
		Handle: le.Uint64(b[0:]),
		PID:    le.Uint64(b[8:]),
		Evpipes: OffsetCount{
			Offset: le.Uint64(b[16:]),
			Count:  le.Uint32(b[24:]),
		},
		MainRCount: le.Uint32(b[28:]),
		Flags:      le.Uint32(b[32:]),
	}
}

// EvpipeEntrySize is the stride of one evpipe id in a connection's array.
const EvpipeEntrySize = 8
