package remote_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/proto"
	"github.com/bamsammich/treedup/internal/transport/remote"
)

const peerEnv = "TREEDUP_TEST_PEER"

// TestMain doubles as the peer program for the Spawn tests: started with
// peerEnv set, the test binary serves on stdin/stdout.
func TestMain(m *testing.M) {
	if mode := os.Getenv(peerEnv); mode != "" {
		servePeer(mode == "compress")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func servePeer(compress bool) {
	var r io.Reader = os.Stdin
	var w io.Writer = os.Stdout
	if compress {
		cs, err := proto.NewCompressedStream(os.Stdin, os.Stdout, nil)
		if err != nil {
			os.Exit(3)
		}
		defer cs.Close()
		r, w = cs, cs
	}
	proto.NewServer(transport.NewLocal(), proto.ServerOpts{}).Serve(r, w) //nolint:errcheck // the parent sees a broken pipe
}

func connect(t *testing.T, opts proto.ServerOpts) *remote.Host {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	var wg sync.WaitGroup
	wg.Go(func() {
		proto.NewServer(transport.NewLocal(), opts).Serve(serverSide, serverSide) //nolint:errcheck // ends with the client
		serverSide.Close()
	})

	h, err := remote.NewHost(clientSide, clientSide, clientSide)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Close()
		wg.Wait()
	})
	return h
}

func TestHostHello(t *testing.T) {
	t.Parallel()
	h := connect(t, proto.ServerOpts{})

	name, _ := os.Hostname()
	assert.Equal(t, name, h.Hostname())
	assert.Equal(t, int32(proto.ProtocolVersion), h.Version())
	assert.False(t, h.IsLocal())
}

func TestHostMatchesLocal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("abc"), 0o640))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0o750))
	require.NoError(t, os.Symlink("f", filepath.Join(dir, "l")))

	local := transport.NewLocal()
	defer local.Close()
	h := connect(t, proto.ServerOpts{})

	for _, name := range []string{"f", "d", "l"} {
		want, err := local.Lstat(filepath.Join(dir, name))
		require.NoError(t, err)
		got, err := h.Lstat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want.Mode, got.Mode, name)
		assert.Equal(t, want.Ino, got.Ino, name)
		assert.Equal(t, want.Size, got.Size, name)
		assert.True(t, want.Mtime.Equal(got.Mtime), name)
	}

	want, err := local.ScanDir(dir)
	require.NoError(t, err)
	got, err := h.ScanDir(dir)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Stat.Ino, got[i].Stat.Ino)
	}

	target, err := h.Readlink(filepath.Join(dir, "l"))
	require.NoError(t, err)
	assert.Equal(t, "f", target)

	_, err = h.Stat(filepath.Join(dir, "missing"))
	assert.True(t, transport.IsNotExist(err))
	var pe *os.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, filepath.Join(dir, "missing"), pe.Path)
}

func TestHostFileIO(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := connect(t, proto.ServerOpts{})
	path := filepath.Join(dir, "data")
	content := bytes.Repeat([]byte("0123456789abcdef"), 10000)

	fd, err := h.Open(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	require.NoError(t, err)
	n, err := h.Write(fd, content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	require.NoError(t, h.CloseFile(fd))
	assert.ErrorIs(t, h.CloseFile(fd), syscall.EBADF)

	fd, err = h.Open(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	got, err := io.ReadAll(readerFunc(func(p []byte) (int, error) { return h.Read(fd, p) }))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	require.NoError(t, h.CloseFile(fd))
}

func TestHostReadFallsBackForLargeFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "big")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("tail"), proto.ReadFileMax)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h := connect(t, proto.ServerOpts{})
	fd, err := h.Open(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer h.CloseFile(fd)

	var total int
	var last []byte
	buf := make([]byte, 32<<10)
	for {
		n, err := h.Read(fd, buf)
		total += n
		if n > 0 {
			last = append(last[:0], buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, proto.ReadFileMax+4, total)
	assert.True(t, bytes.HasSuffix(last, []byte("tail")))
}

func TestHostMutations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := connect(t, proto.ServerOpts{})

	sub := filepath.Join(dir, "sub")
	require.NoError(t, h.Mkdir(sub, 0o700))
	require.NoError(t, h.Chmod(sub, 0o755))
	fd, err := h.Open(filepath.Join(sub, "f"), os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, h.CloseFile(fd))

	require.NoError(t, h.Link(filepath.Join(sub, "f"), filepath.Join(sub, "g")))
	require.NoError(t, h.Rename(filepath.Join(sub, "g"), filepath.Join(sub, "h")))
	require.NoError(t, h.Symlink("h", filepath.Join(sub, "s")))
	mtime := time.Unix(1_500_000_000, 0)
	require.NoError(t, h.Utimes(filepath.Join(sub, "f"), mtime, mtime))
	require.NoError(t, h.Mknod(filepath.Join(sub, "fifo"), transport.ModeFIFO|0o600, 0))

	st, err := os.Lstat(filepath.Join(sub, "h"))
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), st.ModTime().Unix(), "links share the inode")
	st, err = os.Lstat(filepath.Join(sub, "fifo"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, st.Mode().Type())

	uid, err := h.Geteuid()
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Geteuid()), uid) //nolint:gosec // test uid
	groups, err := h.Getgroups()
	require.NoError(t, err)
	assert.Contains(t, groups, uint32(os.Getegid())) //nolint:gosec // test gid
	require.NoError(t, h.Lchown(filepath.Join(sub, "s"), uid, groups[0]))

	for _, name := range []string{"f", "h", "s", "fifo"} {
		require.NoError(t, h.Remove(filepath.Join(sub, name)))
	}
	require.NoError(t, h.Rmdir(sub))
	assert.NoDirExists(t, sub)
}

func TestHostReadOnlyPeer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := connect(t, proto.ServerOpts{ReadOnly: true})

	err := h.Mkdir(filepath.Join(dir, "x"), 0o755)
	assert.ErrorIs(t, err, syscall.EPERM)
	_, err = h.Lstat(dir)
	assert.NoError(t, err)
}

func TestHostOversizedRequestKeepsConnection(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := connect(t, proto.ServerOpts{})

	long := filepath.Join(dir, strings.Repeat("n", proto.MaxFrameSize))
	_, err := h.Lstat(long)
	require.ErrorIs(t, err, syscall.ENAMETOOLONG)
	assert.NotErrorIs(t, err, transport.ErrHostLost)

	_, err = h.Lstat(dir)
	assert.NoError(t, err)
}

func TestHostLost(t *testing.T) {
	t.Parallel()
	clientSide, serverSide := net.Pipe()
	go func() {
		proto.NewServer(transport.NewLocal(), proto.ServerOpts{}).Serve(serverSide, serverSide) //nolint:errcheck // killed below
	}()
	h, err := remote.NewHost(clientSide, clientSide, nil)
	require.NoError(t, err)
	serverSide.Close()

	_, err = h.Lstat("/")
	require.ErrorIs(t, err, transport.ErrHostLost)
	_, err = h.Geteuid()
	assert.ErrorIs(t, err, transport.ErrHostLost, "failure is permanent")
	clientSide.Close()
}

func TestSpawnRsh(t *testing.T) {
	for _, mode := range []string{"plain", "compress"} {
		t.Run(mode, func(t *testing.T) {
			t.Setenv(peerEnv, mode)
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("over a pipe"), 0o644))

			exe, err := os.Executable()
			require.NoError(t, err)
			h, err := remote.Spawn(context.Background(),
				transport.Location{Host: "peer", Path: dir},
				remote.SpawnOpts{Rsh: exe, Compress: mode == "compress"})
			require.NoError(t, err)

			st, err := h.Lstat(filepath.Join(dir, "f"))
			require.NoError(t, err)
			assert.Equal(t, int64(11), st.Size)
			require.NoError(t, h.Close())
		})
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
