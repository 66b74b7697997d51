package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Journal persists small, crash-safe records alongside the Main/Ext shared
// memory files: a record of the last completed defrag run, and receipts
// for operational-overlay erasure performed during recovery. None of this
// is read back by the substrate itself; it exists so an operator (or
// sysdsctl) can answer "did defrag run, and did the sweep actually erase
// connection N's pushed data" after the fact, without re-deriving it from
// shared memory that has since moved on.
//
// Every write goes through natefinch/atomic so a crash mid-write never
// leaves a half-written journal file behind.
type Journal struct {
	dir string
}

// NewJournal roots a Journal at dir, which must already exist.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

func (j *Journal) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling %s: %w", name, err)
	}

	if err := atomic.WriteFile(filepath.Join(j.dir, name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store: writing %s: %w", name, err)
	}

	return nil
}

// DefragRecord describes one completed defrag run.
type DefragRecord struct {
	WastedBytesBefore uint64 `json:"wasted_bytes_before"`
	ExtSizeAfter      int    `json:"ext_size_after"`
}

// WriteDefragRecord persists the outcome of a defrag run, overwriting any
// previous record (only the most recent run matters).
func (j *Journal) WriteDefragRecord(rec DefragRecord) error {
	return j.writeJSON("defrag.json", rec)
}

// OverlayErasureReceipt records that a dead connection's pushed
// operational overlay was erased during a recovery sweep.
type OverlayErasureReceipt struct {
	ConnHandle uint64 `json:"conn_handle"`
}

// WriteOverlayErasureReceipt persists one erasure receipt, one file per
// connection handle so concurrent sweeps (there should only ever be one,
// but defense costs nothing here) never clobber each other's records.
func (j *Journal) WriteOverlayErasureReceipt(r OverlayErasureReceipt) error {
	return j.writeJSON(fmt.Sprintf("erasure-%d.json", r.ConnHandle), r)
}
