package engine_test

import (
	"bytes"
	"context"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/treedup/internal/engine"
	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/proto"
	"github.com/bamsammich/treedup/internal/transport/remote"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// writeFile creates path with content and a fixed modification time.
func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// createTestTree populates root with:
//
//	root.txt          (17 bytes)
//	big.bin           (320KB)
//	sub/mid.txt       (19 bytes)
//	sub/deep/leaf.txt (17 bytes, mode 0600)
//	link.txt          → root.txt (symlink)
func createTestTree(t *testing.T, root string) {
	t.Helper()

	writeFile(t, filepath.Join(root, "root.txt"), "root file content", baseTime)
	writeFile(t, filepath.Join(root, "big.bin"),
		string(bytes.Repeat([]byte("ABCDEFGHIJKLMNOP"), 20000)), baseTime)
	writeFile(t, filepath.Join(root, "sub", "mid.txt"), "middle file content", baseTime.Add(time.Hour))
	writeFile(t, filepath.Join(root, "sub", "deep", "leaf.txt"), "leaf file content", baseTime)
	require.NoError(t, os.Chmod(filepath.Join(root, "sub", "deep", "leaf.txt"), 0o600))
	require.NoError(t, os.Symlink("root.txt", filepath.Join(root, "link.txt")))
}

func localConfig(src, dst string) engine.Config {
	return engine.Config{
		SrcHost: transport.NewLocal(),
		Src:     src,
		DstHost: transport.NewLocal(),
		Dst:     dst,
	}
}

// remoteHost serves the local filesystem through an in-process peer.
func remoteHost(t *testing.T) *remote.Host {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	var wg sync.WaitGroup
	wg.Go(func() {
		proto.NewServer(transport.NewLocal(), proto.ServerOpts{}).Serve(serverSide, serverSide) //nolint:errcheck // ends with the client
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

// runSync runs the engine, collecting every event.
func runSync(t *testing.T, cfg engine.Config) (engine.Result, []event.Event) {
	t.Helper()
	events := make(chan event.Event, 64)
	cfg.Events = events

	var got []event.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			got = append(got, ev)
		}
	}()

	res := engine.Run(context.Background(), cfg)
	close(events)
	<-done
	require.NoError(t, res.Err)
	return res, got
}

func countEvents(evs []event.Event, typ event.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func eventPaths(evs []event.Event, typ event.Type) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev.Path)
		}
	}
	sort.Strings(out)
	return out
}

type treeEntry struct {
	mode    fs.FileMode
	mtime   int64
	content string // file content or symlink target
}

// snapshotTree records every entry below root, keyed by relative path.
// Directory times are left out because reading a tree does not change
// them but creating one inside a test does.
func snapshotTree(t *testing.T, root string) map[string]treeEntry {
	t.Helper()
	out := make(map[string]treeEntry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ent := treeEntry{mode: info.Mode()}
		switch {
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			ent.content = string(data)
			ent.mtime = info.ModTime().Unix()
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			ent.content = target
		}
		out[rel] = ent
		return nil
	})
	require.NoError(t, err)
	return out
}

func inode(t *testing.T, path string) uint64 {
	t.Helper()
	var st syscall.Stat_t
	require.NoError(t, syscall.Lstat(path, &st))
	return st.Ino
}

func assertSameTree(t *testing.T, want, got string) {
	t.Helper()
	assert.Equal(t, snapshotTree(t, want), snapshotTree(t, got))
}

// fakePrompter answers every removal question with answer.
type fakePrompter struct {
	answer bool
	err    error
	asked  []string
}

func (p *fakePrompter) ConfirmRemove(path string, _ bool) (bool, error) {
	p.asked = append(p.asked, path)
	return p.answer, p.err
}
