package shm

import (
	"sync/atomic"
	"unsafe"
)

// The header fields that must be visible across processes without holding
// the region's reader/writer lock (Ext's wasted counter and used mark)
// are read and written through these helpers rather than plain slice
// indexing, so every process observes the same total order of updates.

// LoadUint64 atomically loads a uint64 at byte offset off in b.
func LoadUint64(b []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

// StoreUint64 atomically stores v at byte offset off in b.
func StoreUint64(b []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

// AddUint64 atomically adds delta to the uint64 at byte offset off in b and
// returns the new value.
func AddUint64(b []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&b[off])), delta)
}

// CompareAndSwapUint64 atomically compares and swaps the uint64 at byte
// offset off in b.
func CompareAndSwapUint64(b []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&b[off])), old, new)
}

// LoadUint32 atomically loads a uint32 at byte offset off in b.
func LoadUint32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

// StoreUint32 atomically stores v at byte offset off in b.
func StoreUint32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}
