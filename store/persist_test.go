package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournal_WriteDefragRecord(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)

	require.NoError(t, j.WriteDefragRecord(DefragRecord{WastedBytesBefore: 128, ExtSizeAfter: 4096}))

	data, err := os.ReadFile(filepath.Join(dir, "defrag.json"))
	require.NoError(t, err)

	var rec DefragRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, uint64(128), rec.WastedBytesBefore)
	require.Equal(t, 4096, rec.ExtSizeAfter)
}

func TestJournal_WriteOverlayErasureReceiptOneFilePerHandle(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)

	require.NoError(t, j.WriteOverlayErasureReceipt(OverlayErasureReceipt{ConnHandle: 7}))
	require.NoError(t, j.WriteOverlayErasureReceipt(OverlayErasureReceipt{ConnHandle: 9}))

	_, err := os.Stat(filepath.Join(dir, "erasure-7.json"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "erasure-9.json"))
	require.NoError(t, err)
}
