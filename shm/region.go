// Package shm provides the shared region primitive and the process-shared
// reader/writer lock that the catalog substrate is built on: a named,
// resizable byte region backed by a file and mapped into the process
// address space, plus a flock-backed lock augmented with per-connection
// recursive bookkeeping and a recovery hook.
package shm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrRegionClosed is returned by any operation on a Region after Close.
var ErrRegionClosed = errors.New("shm: region closed")

// Region is a named byte region mapped with mmap. Main SHM and Ext SHM are
// each one Region; callers address into Bytes() by byte offset.
type Region struct {
	path   string
	file   *os.File
	data   []byte
	closed bool
}

// OpenOrCreate opens path, creating it and sizing it to createSize if it does
// not exist or is currently empty. An existing non-empty file is mapped at
// its current on-disk size; createSize is ignored in that case. The boolean
// return reports whether this call performed the creation (so the caller can
// decide whether it is responsible for writing a fresh header).
func OpenOrCreate(path string, createSize int) (*Region, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("shm: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, false, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	created := false

	size := int(info.Size())
	if size == 0 {
		if createSize <= 0 {
			createSize = os.Getpagesize()
		}

		if err := f.Truncate(int64(createSize)); err != nil {
			f.Close()

			return nil, false, fmt.Errorf("shm: truncate %s: %w", path, err)
		}

		size = createSize
		created = true
	}

	data, err := mmap(f, size)
	if err != nil {
		f.Close()

		return nil, false, err
	}

	return &Region{path: path, file: f, data: data}, created, nil
}

// Remap changes the mapped window. newSize == 0 probes the on-disk size via
// stat and maps exactly that (used by readers picking up a writer's growth).
// A positive newSize larger than the current on-disk size grows the file
// first (truncate-then-map); a positive newSize smaller than the current
// mapping shrinks the visible window without touching on-disk content.
//
// Remap never allocates inside the region; it only changes the visible
// window. Region does no locking of its own; the caller must ensure no other
// user of the mapping is active during the call.
func (r *Region) Remap(newSize int) error {
	if r.closed {
		return ErrRegionClosed
	}

	if newSize == 0 {
		info, err := r.file.Stat()
		if err != nil {
			return fmt.Errorf("shm: stat %s: %w", r.path, err)
		}

		newSize = int(info.Size())
	}

	if newSize == len(r.data) {
		return nil
	}

	if int64(newSize) > 0 {
		info, err := r.file.Stat()
		if err != nil {
			return fmt.Errorf("shm: stat %s: %w", r.path, err)
		}

		if int64(newSize) > info.Size() {
			if err := r.file.Truncate(int64(newSize)); err != nil {
				return fmt.Errorf("shm: truncate %s: %w", r.path, err)
			}
		}
	}

	if err := unmap(r.data); err != nil {
		return err
	}

	data, err := mmap(r.file, newSize)
	if err != nil {
		r.data = nil

		return err
	}

	r.data = data

	return nil
}

// Clear zero-fills the entire mapped region in place. Used when recreating a
// region from scratch (e.g. after an aborted initialization).
func (r *Region) Clear() error {
	if r.closed {
		return ErrRegionClosed
	}

	clear(r.data)

	return nil
}

// Bytes returns the current mapping. The slice is only valid until the next
// Remap or Close; callers must re-derive any cached sub-slices after either.
func (r *Region) Bytes() []byte {
	return r.data
}

// Size reports the current mapped length in bytes.
func (r *Region) Size() int {
	return len(r.data)
}

// Sync flushes the mapping to disk.
func (r *Region) Sync() error {
	if r.closed || len(r.data) == 0 {
		return nil
	}

	return unix.Msync(r.data, unix.MS_SYNC)
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Close unmaps and closes the backing file. Idempotent.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	var unmapErr error
	if len(r.data) > 0 {
		unmapErr = unmap(r.data)
		r.data = nil
	}

	closeErr := r.file.Close()

	return errors.Join(unmapErr, closeErr)
}

func mmap(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return data, nil
}

func unmap(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shm: munmap: %w", err)
	}

	return nil
}
