package fsutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("/tmpfs/g1/part_0/table.dat", []byte("vis"), 0o644))

	got, err := m.ReadFile("/tmpfs/g1/part_0/table.dat")
	require.NoError(t, err)
	assert.Equal(t, []byte("vis"), got)

	_, err = m.ReadFile("/tmpfs/g1/part_0/missing.dat")
	require.Error(t, err)
}

func TestMemoryWriteMaterializesParentDirectories(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("/staging/m1/mosaic.img", []byte("px"), 0o644))

	assert.True(t, m.Exists("/staging/m1"))
	info, err := m.Stat("/staging/m1")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Writing over a directory node is refused.
	require.Error(t, m.WriteFile("/staging/m1", []byte("x"), 0o644))
}

func TestMemoryCreateInstallsContentsAtClose(t *testing.T) {
	m := NewMemoryFileSystem()

	w, err := m.Create("/data/out.ms")
	require.NoError(t, err)
	_, err = w.Write([]byte("rows"))
	require.NoError(t, err)

	// Visible but empty until Close commits the buffer.
	assert.True(t, m.Exists("/data/out.ms"))
	pre, err := m.ReadFile("/data/out.ms")
	require.NoError(t, err)
	assert.Empty(t, pre)

	require.NoError(t, w.Close())
	post, err := m.ReadFile("/data/out.ms")
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), post)
}

func TestMemoryOpenSnapshotsContents(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/data/a.img", []byte("before"), 0o644))

	f, err := m.Open("/data/a.img")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, m.WriteFile("/data/a.img", []byte("after!!"), 0o644))

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len("before")), info.Size())
	assert.Equal(t, "a.img", info.Name())
}

func TestMemoryModTimeAdvancesOnRewrite(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/data/a.img", []byte("v1"), 0o644))
	first, err := m.Stat("/data/a.img")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("/data/a.img", []byte("v2"), 0o644))
	second, err := m.Stat("/data/a.img")
	require.NoError(t, err)

	assert.True(t, second.ModTime().After(first.ModTime()),
		"a rewrite must be observable through ModTime for (path, mtime) caches")
}

func TestMemoryRemoveSemantics(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/products/m1/tile.img", []byte("px"), 0o644))

	// A directory with children is refused; the file itself is fine.
	require.Error(t, m.Remove("/products/m1"))
	require.NoError(t, m.Remove("/products/m1/tile.img"))
	require.NoError(t, m.Remove("/products/m1"))
	require.Error(t, m.Remove("/products/m1"))
}

func TestMemoryRemoveAllDeletesSubtreeOnly(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/tmpfs/g1/part_0/t.dat", []byte("a"), 0o644))
	require.NoError(t, m.WriteFile("/tmpfs/g1/part_1/t.dat", []byte("b"), 0o644))
	require.NoError(t, m.WriteFile("/tmpfs/g2/part_0/t.dat", []byte("c"), 0o644))

	require.NoError(t, m.RemoveAll("/tmpfs/g1"))

	assert.False(t, m.Exists("/tmpfs/g1"))
	assert.False(t, m.Exists("/tmpfs/g1/part_0/t.dat"))
	assert.True(t, m.Exists("/tmpfs/g2/part_0/t.dat"))

	// Absent path: no error.
	require.NoError(t, m.RemoveAll("/tmpfs/g1"))
}

func TestRemoveAllVerifiedConfirmsAbsence(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/tmpfs/g1/part_0/t.dat", []byte("a"), 0o644))

	err := m.RemoveAllVerified(context.Background(), "/tmpfs/g1", 3, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, m.Exists("/tmpfs/g1"))

	// Never-present path confirms immediately.
	require.NoError(t, m.RemoveAllVerified(context.Background(), "/tmpfs/never", 3, time.Millisecond))
}

func TestRemoveAllVerifiedHonorsContext(t *testing.T) {
	m := NewMemoryFileSystem()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Removal succeeds on the first attempt, so cancellation never has
	// to be consulted.
	require.NoError(t, m.WriteFile("/tmpfs/g1/t.dat", []byte("a"), 0o644))
	require.NoError(t, m.RemoveAllVerified(ctx, "/tmpfs/g1", 3, time.Millisecond))
}

func TestOSFileSystemRoundTrip(t *testing.T) {
	var fsys FileSystem = OSFileSystem{}
	dir := t.TempDir()
	nested := filepath.Join(dir, "stage", "part_0", "table.dat")

	// WriteFile materializes parents, same as the memory implementation.
	require.NoError(t, fsys.WriteFile(nested, []byte("vis"), 0o644))
	assert.True(t, fsys.Exists(nested))

	got, err := fsys.ReadFile(nested)
	require.NoError(t, err)
	assert.Equal(t, []byte("vis"), got)

	info, err := fsys.Stat(nested)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	require.NoError(t, fsys.RemoveAll(filepath.Join(dir, "stage")))
	assert.False(t, fsys.Exists(nested))
}

func TestOSFileSystemCreateAndOpen(t *testing.T) {
	fsys := OSFileSystem{}
	path := filepath.Join(t.TempDir(), "out.ms")

	w, err := fsys.Create(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("rows"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := fsys.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), got)
}

func TestOSRemoveAllVerified(t *testing.T) {
	fsys := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "g1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "part_0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part_0", "t.dat"), []byte("a"), 0o644))

	require.NoError(t, fsys.RemoveAllVerified(context.Background(), dir, 3, 10*time.Millisecond))
	assert.False(t, fsys.Exists(dir))
}
