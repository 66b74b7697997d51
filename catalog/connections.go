package catalog

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sysds/sysds/shm"
)

// ConnID identifies a client connection by its published handle (§4.6). It
// is the public-facing counterpart of shm.ConnID, which identifies a
// connection purely for the RWLock's recursive shared-lock bookkeeping;
// store.Store converts between the two at the lock boundary.
type ConnID uint64

// Connections manages the connection-state array anchored in the Main SHM
// header (§4.6). The array itself, and each connection's evpipe-id array,
// live in Ext; Main only ever stores the (offset, count) pointer to them.
//
// Every mutation rewrites the whole array rather than patching in place,
// the same append/rewrite discipline the allocator and defragmenter use
// elsewhere in this package: the old array's space is handed to Free and
// picked up by the next defrag pass, never reused in place.
type Connections struct {
	main  *shm.Region
	ext   *shm.Region
	alloc *Allocator
}

// NewConnections wraps the Main and Ext regions. The caller must hold Main
// exclusively (or, for FindConn/List, at least shared) for the duration of
// any call.
func NewConnections(main, ext *shm.Region) *Connections {
	return &Connections{main: main, ext: ext, alloc: NewAllocator(ext)}
}

func (c *Connections) header() MainHeader {
	h, ok := DecodeMainHeader(c.main.Bytes())
	if !ok {
		return MainHeader{}
	}

	return h
}

func (c *Connections) writeHeader(h MainHeader) {
	EncodeMainHeader(c.main.Bytes(), h)
}

func (c *Connections) readArray(oc OffsetCount) []ConnStateEntry {
	out := make([]ConnStateEntry, oc.Count)
	b := c.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*ConnStateEntrySize
		out[i] = DecodeConnState(b[start : start+ConnStateEntrySize])
	}

	return out
}

// writeArray replaces the whole connection array with entries, frees the
// old array's span, and updates the Main header's anchor.
func (c *Connections) writeArray(entries []ConnStateEntry) error {
	h := c.header()

	var newOC OffsetCount
	if len(entries) > 0 {
		off, err := c.alloc.Alloc(len(entries) * ConnStateEntrySize)
		if err != nil {
			return fmt.Errorf("catalog: allocating connection array: %w", err)
		}

		b := c.ext.Bytes()
		for i, e := range entries {
			start := off + uint64(i)*ConnStateEntrySize
			EncodeConnState(b[start:start+ConnStateEntrySize], e)
		}

		newOC = OffsetCount{Offset: off, Count: uint32(len(entries))}
	}

	if h.ConnOffset != 0 {
		c.alloc.Free(h.ConnOffset, int(h.ConnCount)*ConnStateEntrySize)
	}

	h.ConnOffset = newOC.Offset
	h.ConnCount = newOC.Count
	c.writeHeader(h)

	return nil
}

// List returns every connection currently on record.
func (c *Connections) List() []ConnStateEntry {
	h := c.header()

	return c.readArray(OffsetCount{Offset: h.ConnOffset, Count: h.ConnCount})
}

// Find looks up a connection by handle.
func (c *Connections) Find(handle uint64) (ConnStateEntry, bool) {
	for _, e := range c.List() {
		if e.Handle == handle {
			return e, true
		}
	}

	return ConnStateEntry{}, false
}

// Add appends a new connection record for handle/pid.
func (c *Connections) Add(handle, pid uint64) error {
	entries := c.List()

	for _, e := range entries {
		if e.Handle == handle {
			return fmt.Errorf("catalog: connection %d already registered", handle)
		}
	}

	entries = append(entries, ConnStateEntry{Handle: handle, PID: pid})

	return c.writeArray(entries)
}

// Remove deletes a connection's record, freeing its evpipe array along
// with it. It is not an error to remove an already-absent connection; the
// recovery sweep may race a graceful Disconnect.
func (c *Connections) Remove(handle uint64) error {
	entries := c.List()

	out := entries[:0:0]
	for _, e := range entries {
		if e.Handle == handle {
			if e.Evpipes.Count > 0 {
				c.alloc.Free(e.Evpipes.Offset, int(e.Evpipes.Count)*EvpipeEntrySize)
			}

			continue
		}

		out = append(out, e)
	}

	return c.writeArray(out)
}

// UpdateLockSummary overwrites the recursive shared-lock depth and
// exclusive-held flag published for handle, used by store.Store's
// LockMain/UnlockMain to keep the held-lock summary current.
func (c *Connections) UpdateLockSummary(handle uint64, rcount uint32, holdsExclusive bool) error {
	entries := c.List()

	for i := range entries {
		if entries[i].Handle != handle {
			continue
		}

		entries[i].MainRCount = rcount
		if holdsExclusive {
			entries[i].Flags |= ConnFlagHoldsExclusive
		} else {
			entries[i].Flags &^= ConnFlagHoldsExclusive
		}

		return c.writeArray(entries)
	}

	return fmt.Errorf("catalog: connection %d not found", handle)
}

// AddEvpipe appends an event-pipe id to handle's connection record.
func (c *Connections) AddEvpipe(handle, evpipeID uint64) error {
	entries := c.List()

	for i := range entries {
		if entries[i].Handle != handle {
			continue
		}

		ids := c.readEvpipes(entries[i].Evpipes)
		ids = append(ids, evpipeID)

		newOC, err := c.writeEvpipes(ids)
		if err != nil {
			return err
		}

		if entries[i].Evpipes.Count > 0 {
			c.alloc.Free(entries[i].Evpipes.Offset, int(entries[i].Evpipes.Count)*EvpipeEntrySize)
		}

		entries[i].Evpipes = newOC

		return c.writeArray(entries)
	}

	return fmt.Errorf("catalog: connection %d not found", handle)
}

// RemoveEvpipe removes an event-pipe id from handle's connection record.
func (c *Connections) RemoveEvpipe(handle, evpipeID uint64) error {
	entries := c.List()

	for i := range entries {
		if entries[i].Handle != handle {
			continue
		}

		ids := c.readEvpipes(entries[i].Evpipes)
		out := ids[:0:0]
		for _, id := range ids {
			if id != evpipeID {
				out = append(out, id)
			}
		}

		newOC, err := c.writeEvpipes(out)
		if err != nil {
			return err
		}

		if entries[i].Evpipes.Count > 0 {
			c.alloc.Free(entries[i].Evpipes.Offset, int(entries[i].Evpipes.Count)*EvpipeEntrySize)
		}

		entries[i].Evpipes = newOC

		return c.writeArray(entries)
	}

	return fmt.Errorf("catalog: connection %d not found", handle)
}

func (c *Connections) readEvpipes(oc OffsetCount) []uint64 {
	out := make([]uint64, oc.Count)
	b := c.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		out[i] = shm.LoadUint64(b, int(oc.Offset+uint64(i)*EvpipeEntrySize))
	}

	return out
}

func (c *Connections) writeEvpipes(ids []uint64) (OffsetCount, error) {
	if len(ids) == 0 {
		return OffsetCount{}, nil
	}

	off, err := c.alloc.Alloc(len(ids) * EvpipeEntrySize)
	if err != nil {
		return OffsetCount{}, fmt.Errorf("catalog: allocating evpipe array: %w", err)
	}

	b := c.ext.Bytes()
	for i, id := range ids {
		shm.StoreUint64(b, int(off)+i*EvpipeEntrySize, id)
	}

	return OffsetCount{Offset: off, Count: uint32(len(ids))}, nil
}

// IsAlive reports whether pid still names a live process, via a signal-0
// kill probe: ESRCH means the process is gone, any other outcome (success,
// or EPERM because it exists but we lack permission to signal it) counts
// as alive.
func IsAlive(pid uint64) bool {
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}

	return err != unix.ESRCH
}

// DeadConns returns every connection whose PID is no longer alive.
func (c *Connections) DeadConns() []ConnStateEntry {
	var dead []ConnStateEntry

	for _, e := range c.List() {
		if !IsAlive(e.PID) {
			dead = append(dead, e)
		}
	}

	return dead
}
