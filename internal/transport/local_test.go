package transport_test

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/treedup/internal/transport"
)

func TestLocalStat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o640))
	require.NoError(t, os.Symlink("f", filepath.Join(dir, "l")))

	h := transport.NewLocal()
	defer h.Close()

	st, err := h.Lstat(file)
	require.NoError(t, err)
	assert.True(t, st.IsRegular())
	assert.Equal(t, int64(5), st.Size)
	assert.Equal(t, uint32(0o640), st.Perm())
	assert.Equal(t, uint64(1), st.Nlink)

	st, err = h.Lstat(filepath.Join(dir, "l"))
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())

	st, err = h.Stat(filepath.Join(dir, "l"))
	require.NoError(t, err)
	assert.True(t, st.IsRegular())

	_, err = h.Lstat(filepath.Join(dir, "missing"))
	assert.True(t, transport.IsNotExist(err))
	var pe *fs.PathError
	assert.True(t, errors.As(err, &pe))
}

func TestLocalReadWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	h := transport.NewLocal()
	defer h.Close()

	fd, err := h.Open(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, transport.FirstDescriptor)
	n, err := h.Write(fd, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, h.CloseFile(fd))

	err = h.CloseFile(fd)
	assert.ErrorIs(t, err, syscall.EBADF, "double close must be rejected")

	fd, err = h.Open(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err = h.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
	_, err = h.Read(fd, buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, h.CloseFile(fd))
}

func TestLocalDirectoryIteration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	h := transport.NewLocal()
	defer h.Close()

	fd, err := h.OpenDir(dir)
	require.NoError(t, err)
	var names []string
	for {
		name, err := h.ReadDir(fd)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, h.CloseDir(fd))
	assert.ElementsMatch(t, []string{"a", "b", "c", "sub"}, names)

	entries, err := h.ScanDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	byName := map[string]transport.Stat{}
	for _, e := range entries {
		byName[e.Name] = e.Stat
	}
	assert.True(t, byName["sub"].IsDir())
	assert.True(t, byName["a"].IsRegular())
}

func TestLocalMetadata(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := transport.NewLocal()
	defer h.Close()

	mtime := time.Date(2020, 5, 17, 8, 30, 0, 0, time.UTC)
	require.NoError(t, h.Utimes(path, mtime, mtime))
	require.NoError(t, h.Chmod(path, 0o600))

	st, err := h.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), st.Mtime.Unix())
	assert.Equal(t, uint32(0o600), st.Perm())

	require.NoError(t, h.Rename(path, filepath.Join(dir, "g")))
	require.NoError(t, h.Link(filepath.Join(dir, "g"), filepath.Join(dir, "h")))
	st, err = h.Lstat(filepath.Join(dir, "h"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Nlink)

	require.NoError(t, h.Symlink("g", filepath.Join(dir, "s")))
	target, err := h.Readlink(filepath.Join(dir, "s"))
	require.NoError(t, err)
	assert.Equal(t, "g", target)

	require.NoError(t, h.Mkdir(filepath.Join(dir, "d"), 0o700))
	require.NoError(t, h.Rmdir(filepath.Join(dir, "d")))
	require.NoError(t, h.Remove(filepath.Join(dir, "h")))
	assert.NoError(t, h.Chflags(filepath.Join(dir, "g"), 0))

	uid, err := h.Geteuid()
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Geteuid()), uid)
	groups, err := h.Getgroups()
	require.NoError(t, err)
	assert.Contains(t, groups, uint32(os.Getegid()))
}

func TestDescriptors(t *testing.T) {
	t.Parallel()
	d := transport.NewDescriptors()

	a, err := d.Alloc(transport.DescFile, "a")
	require.NoError(t, err)
	b, err := d.Alloc(transport.DescDir, "b")
	require.NoError(t, err)
	assert.Equal(t, transport.FirstDescriptor, a)
	assert.Equal(t, a+1, b)

	_, err = d.Lookup(a, transport.DescDir)
	assert.ErrorIs(t, err, syscall.EBADF, "kind mismatch")

	res, err := d.Free(a, transport.DescFile)
	require.NoError(t, err)
	assert.Equal(t, "a", res)
	_, err = d.Free(a, transport.DescFile)
	assert.ErrorIs(t, err, syscall.EBADF, "double free")
	_, err = d.Lookup(a, transport.DescFile)
	assert.ErrorIs(t, err, syscall.EBADF, "use after free")

	c, err := d.Alloc(transport.DescFile, "c")
	require.NoError(t, err)
	assert.Greater(t, c, b, "handles are never reused")

	var released []any
	d.Drain(func(_ transport.DescKind, res any) { released = append(released, res) })
	assert.ElementsMatch(t, []any{"b", "c"}, released)
	assert.Zero(t, d.Len())
}
