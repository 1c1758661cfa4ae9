package filesystem

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func patterned(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestManager_Concatenate(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
	}{
		{name: "both non-empty", a: patterned(3000, 1), b: patterned(7000, 9)},
		{name: "first empty", a: nil, b: patterned(1234, 3)},
		{name: "second empty", a: patterned(4321, 5), b: nil},
		{name: "both empty", a: nil, b: nil},
		{name: "larger than buffer", a: patterned(40*1024, 7), b: patterned(33*1024+17, 11)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			m := NewManagerWithBufferSize(4096)

			first := filepath.Join(dir, "a")
			second := filepath.Join(dir, "b")
			dest := filepath.Join(dir, "out", "dest.bin")
			writeFile(t, first, tt.a)
			writeFile(t, second, tt.b)

			require.NoError(t, m.Concatenate(first, second, dest))

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Len(t, got, len(tt.a)+len(tt.b))
			assert.True(t, bytes.Equal(append(append([]byte{}, tt.a...), tt.b...), got))
			assert.NoFileExists(t, dest+".concat")
		})
	}
}

func TestManager_Concatenate_MissingInputLeavesNoDestination(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	first := filepath.Join(dir, "a")
	writeFile(t, first, patterned(100, 1))
	dest := filepath.Join(dir, "dest")

	err := m.Concatenate(first, filepath.Join(dir, "missing"), dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".concat")
	assert.FileExists(t, first)
}

func TestManager_Concatenate_CopyErrorRemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	first := filepath.Join(dir, "a")
	writeFile(t, first, patterned(100, 1))
	// stat succeeds on a directory but reading it fails mid-copy
	second := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(second, 0755))
	dest := filepath.Join(dir, "dest")

	err := m.Concatenate(first, second, dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".concat")
	assert.FileExists(t, first)
}

func TestManager_Append(t *testing.T) {
	dir := t.TempDir()
	m := NewManagerWithBufferSize(512)

	dst := filepath.Join(dir, "working")
	src := filepath.Join(dir, "segment")
	writeFile(t, dst, patterned(1000, 2))
	writeFile(t, src, patterned(2500, 4))

	require.NoError(t, m.Append(dst, src))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, append(patterned(1000, 2), patterned(2500, 4)...), got)
}

func TestManager_Append_MissingSourceKeepsTarget(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	dst := filepath.Join(dir, "working")
	writeFile(t, dst, patterned(10, 2))

	require.Error(t, m.Append(dst, filepath.Join(dir, "missing")))

	size, err := m.Size(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestManager_AtomicPlace(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	working := filepath.Join(dir, "file.partial")
	dest := filepath.Join(dir, "sub", "file")
	writeFile(t, working, []byte("payload"))

	require.NoError(t, m.AtomicPlace(working, dest))
	assert.NoFileExists(t, working)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestManager_AtomicPlace_FailureKeepsWorking(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	working := filepath.Join(dir, "file.partial")
	writeFile(t, working, []byte("payload"))

	// a regular file where a directory is needed makes the move impossible
	blocker := filepath.Join(dir, "blocker")
	writeFile(t, blocker, nil)

	err := m.AtomicPlace(working, filepath.Join(blocker, "file"))
	require.Error(t, err)
	assert.FileExists(t, working)
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	path := filepath.Join(dir, "x")
	writeFile(t, path, []byte("x"))

	require.NoError(t, m.Delete(path))
	require.NoError(t, m.Delete(path))
	assert.False(t, m.Exists(path))
}

func TestManager_DeleteGlob(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	working := filepath.Join(dir, "model.bin.partial")
	writeFile(t, working+SegmentMarker+"one", []byte("1"))
	writeFile(t, working+SegmentMarker+"two", []byte("2"))
	writeFile(t, working, []byte("keep"))

	count, err := m.DeleteGlob(working + SegmentMarker + "*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.FileExists(t, working)
}

func TestManager_SHA256(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	data := patterned(5000, 8)
	path := filepath.Join(dir, "f")
	writeFile(t, path, data)

	sum := sha256.Sum256(data)
	got, err := m.SHA256(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	// split across two files hashes like the joined content
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	writeFile(t, first, data[:1234])
	writeFile(t, second, data[1234:])

	got, err = m.SHA256(first, second)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestManager_CleanOldSegments(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	oldSeg := filepath.Join(dir, "a.partial"+SegmentMarker+"old")
	newSeg := filepath.Join(dir, "b.partial"+SegmentMarker+"new")
	oldConcat := filepath.Join(dir, "d.bin.concat")
	newConcat := filepath.Join(dir, "e.bin.concat")
	other := filepath.Join(dir, "c.partial")
	for _, p := range []string{oldSeg, newSeg, oldConcat, newConcat, other} {
		writeFile(t, p, []byte("x"))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldSeg, past, past))
	require.NoError(t, os.Chtimes(oldConcat, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	count, err := m.CleanOldSegments(dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoFileExists(t, oldSeg)
	assert.NoFileExists(t, oldConcat)
	assert.FileExists(t, newSeg)
	assert.FileExists(t, newConcat)
	assert.FileExists(t, other)
}

func TestManager_EnsureWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	m := NewManager()

	require.NoError(t, m.EnsureWritable(dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_GetDiskUsage_MissingDirUsesAncestor(t *testing.T) {
	m := NewManager()

	usage, err := m.GetDiskUsage(filepath.Join(t.TempDir(), "not", "yet", "created"))
	require.NoError(t, err)
	assert.Greater(t, usage.Total, uint64(0))
}
