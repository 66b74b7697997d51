package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/sysds/sysds/shm"
)

// Allocator manages the Ext SHM heap: bump-the-end allocation with a
// high-water mark plus a wasted-bytes counter for freed space that is
// never reclaimed in place, only folded into the next defrag (§4.4, §4.5).
//
// Offset 0 is reserved as the "absent" sentinel throughout Main and Ext
// (I1), so the heap proper starts at ExtHeaderSize and no valid allocation
// is ever returned at offset 0.
type Allocator struct {
	ext *shm.Region
}

// NewAllocator wraps an already-mapped Ext region. The caller must hold
// Main exclusively for the duration of any Alloc/Free call, since growth
// replaces the region's backing mapping; there is no separate Ext remap
// lock.
func NewAllocator(ext *shm.Region) *Allocator {
	return &Allocator{ext: ext}
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func (a *Allocator) used() uint64 {
	u := shm.LoadUint64(a.ext.Bytes(), UsedOffset)
	if u == 0 {
		return ExtHeaderSize
	}

	return u
}

// Wasted reports the current wasted-bytes counter.
func (a *Allocator) Wasted() uint64 {
	return shm.LoadUint64(a.ext.Bytes(), WastedOffset)
}

// Used reports the current high-water mark (bytes in active use, including
// the header, modulo whatever has been Freed without yet being defragged).
func (a *Allocator) Used() uint64 {
	return a.used()
}

// Alloc reserves nbytes at the end of the heap, growing the Ext region via
// Remap if it does not already have room, and returns the offset of the
// newly reserved span. The reserved bytes are zeroed.
func (a *Allocator) Alloc(nbytes int) (uint64, error) {
	if nbytes < 0 {
		return 0, fmt.Errorf("catalog: negative allocation size %d", nbytes)
	}

	size := align8(nbytes)
	used := a.used()
	need := used + uint64(size)

	if need > uint64(a.ext.Size()) {
		newSize := a.ext.Size() * 2
		if newSize == 0 {
			newSize = 4096
		}

		for uint64(newSize) < need {
			newSize *= 2
		}

		if err := a.ext.Remap(newSize); err != nil {
			return 0, fmt.Errorf("catalog: growing ext to %d bytes: %w", newSize, err)
		}
	}

	offset := used
	shm.StoreUint64(a.ext.Bytes(), UsedOffset, need)

	clear(a.ext.Bytes()[offset:need])

	return offset, nil
}

// Free adds nbytes back to the wasted counter. The bytes at offset are not
// reused until the next defrag pass rewrites the heap densely (§4.5); I2
// holds at every observation point: live + wasted == used - header.
func (a *Allocator) Free(offset uint64, nbytes int) {
	if offset == 0 || nbytes <= 0 {
		return
	}

	shm.AddUint64(a.ext.Bytes(), WastedOffset, uint64(align8(nbytes)))
}

// CopyBytes allocates len(data) bytes and copies data into them, returning
// the offset. An empty slice allocates nothing and returns offset 0.
func (a *Allocator) CopyBytes(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	off, err := a.Alloc(len(data))
	if err != nil {
		return 0, err
	}

	copy(a.ext.Bytes()[off:], data)

	return off, nil
}

// CopyString allocates a length-prefixed copy of s and returns the offset
// of the 4-byte length prefix. An empty string allocates nothing and
// returns offset 0, matching the XPath-absent / no-revision sentinel used
// throughout the catalog.
func (a *Allocator) CopyString(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}

	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)

	return a.CopyBytes(buf)
}

// ReadString reads back a length-prefixed string written by CopyString.
// Offset 0 reads as the empty string.
func ReadString(ext *shm.Region, offset uint64) string {
	if offset == 0 {
		return ""
	}

	b := ext.Bytes()
	n := binary.LittleEndian.Uint32(b[offset:])

	return string(b[offset+4 : offset+4+uint64(n)])
}

// FreeString frees a length-prefixed string previously written by
// CopyString, including its 4-byte length prefix.
func (a *Allocator) FreeString(ext *shm.Region, offset uint64) {
	if offset == 0 {
		return
	}

	n := binary.LittleEndian.Uint32(ext.Bytes()[offset:])
	a.Free(offset, 4+int(n))
}
