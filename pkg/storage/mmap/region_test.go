package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionFloatView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")
	want := []float32{1.5, -2, 3.25, 0}
	require.NoError(t, os.WriteFile(path, Float32SliceToBytes(want), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := Map(f, len(want)*4, false)
	require.NoError(t, err)
	assert.Equal(t, 16, r.Len())
	assert.False(t, r.Writable())

	if NativeLittleEndian {
		got, err := r.Float32s(0, len(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = r.Bytes(8, 16)
	assert.Error(t, err, "range past the end")
	_, err = r.Float32s(2, 1)
	assert.Error(t, err, "unaligned view")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.Bytes(0, 4)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegionSurvivesRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("zyphyr-mapping"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	r, err := Map(f, 6, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte("other!"), 0644))
	require.NoError(t, os.Rename(filepath.Join(dir, "b.bin"), path))

	b, err := r.Bytes(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "zyphyr", string(b))
	require.NoError(t, r.Close())
}

func TestMapRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = Map(f, 4096, false)
	assert.Error(t, err)
	_, err = Map(f, 0, false)
	assert.Error(t, err)
}
