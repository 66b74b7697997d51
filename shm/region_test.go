package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenOrCreate_CreatesNewFileAtRequestedSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.shm")

	r, created, err := OpenOrCreate(path, 4096)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, created)
	require.Equal(t, 4096, r.Size())
	require.Len(t, r.Bytes(), 4096)
}

func TestOpenOrCreate_OpensExistingFileAtItsSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.shm")

	r1, created, err := OpenOrCreate(path, 8192)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, r1.Close())

	r2, created2, err := OpenOrCreate(path, 1)
	require.NoError(t, err)
	defer r2.Close()

	require.False(t, created2)
	require.Equal(t, 8192, r2.Size())
}

func TestRegion_RemapGrowsAndPreservesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ext.shm")

	r, _, err := OpenOrCreate(path, 64)
	require.NoError(t, err)
	defer r.Close()

	copy(r.Bytes(), []byte("hello"))

	require.NoError(t, r.Remap(128))
	require.Equal(t, 128, r.Size())
	require.Equal(t, []byte("hello"), r.Bytes()[:5])
}

func TestRegion_RemapZeroProbesOnDiskSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ext.shm")

	writer, _, err := OpenOrCreate(path, 64)
	require.NoError(t, err)
	require.NoError(t, writer.Remap(256))
	require.NoError(t, writer.Close())

	reader, _, err := OpenOrCreate(path, 64)
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, reader.Remap(0))
	require.Equal(t, 256, reader.Size())
}

func TestRegion_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.shm")

	r, _, err := OpenOrCreate(path, 64)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
