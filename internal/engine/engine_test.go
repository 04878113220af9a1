package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/treedup/internal/digest"
	"github.com/bamsammich/treedup/internal/engine"
	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/transport"
)

func TestRunCopiesTree(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "mirror")
	createTestTree(t, src)

	res, evs := runSync(t, localConfig(src, dst))

	assertSameTree(t, src, dst)
	assert.Equal(t, int64(4), res.Stats.FilesCopied)
	assert.Equal(t, int64(1), res.Stats.NodesCreated)
	assert.Equal(t, int64(3), res.Stats.DirsCreated)
	assert.Zero(t, res.Stats.Failures)
	assert.Equal(t, 4, countEvents(evs, event.Copied))
	assert.Equal(t, []string{filepath.Join(dst, "link.txt")}, eventPaths(evs, event.Created))

	info, err := os.Stat(filepath.Join(dst, "sub", "deep", "leaf.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	for _, ev := range evs {
		assert.False(t, ev.Timestamp.IsZero(), "event %s has no timestamp", ev.Type)
	}
}

func TestRunIdempotent(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)

	first, _ := runSync(t, localConfig(src, dst))
	require.Positive(t, first.Stats.Changes())

	second, evs := runSync(t, localConfig(src, dst))
	assert.Zero(t, second.Stats.Changes(), second.Stats.String())
	assert.Empty(t, evs)
	assert.Equal(t, first.Stats.EntriesScanned, second.Stats.EntriesScanned)
}

func TestRunIdempotentReadOnlyDirectory(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	ro := filepath.Join(src, "ro")
	require.NoError(t, os.Mkdir(ro, 0o755))
	writeFile(t, filepath.Join(ro, "file.txt"), "frozen", baseTime)
	require.NoError(t, os.Chmod(ro, 0o555))
	require.NoError(t, os.Chtimes(ro, baseTime, baseTime))
	t.Cleanup(func() {
		os.Chmod(ro, 0o755)                       //nolint:errcheck // best-effort for TempDir removal
		os.Chmod(filepath.Join(dst, "ro"), 0o755) //nolint:errcheck // best-effort for TempDir removal
	})

	runSync(t, localConfig(src, dst))

	second, evs := runSync(t, localConfig(src, dst))
	assert.Zero(t, second.Stats.Changes(), second.Stats.String())
	assert.Empty(t, evs)

	info, err := os.Stat(filepath.Join(dst, "ro"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), info.Mode().Perm())
	assert.Equal(t, baseTime.Unix(), info.ModTime().Unix())
}

func TestRunUpdatesChangedFile(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)
	runSync(t, localConfig(src, dst))

	writeFile(t, filepath.Join(src, "sub", "mid.txt"), "rewritten middle", baseTime.Add(2*time.Hour))

	res, evs := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(1), res.Stats.FilesCopied)
	assert.Equal(t, []string{filepath.Join(dst, "sub", "mid.txt")}, eventPaths(evs, event.Copied))
	assertSameTree(t, src, dst)
}

func TestRunFixesMetadataOnly(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)
	runSync(t, localConfig(src, dst))

	target := filepath.Join(dst, "root.txt")
	require.NoError(t, os.Chmod(target, 0o640))
	before := inode(t, target)

	res, evs := runSync(t, localConfig(src, dst))
	assert.Zero(t, res.Stats.FilesCopied)
	assert.Equal(t, []string{target}, eventPaths(evs, event.Updated))
	assert.Equal(t, before, inode(t, target), "file was rewritten instead of updated")

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestRunHardlinks(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()

	writeFile(t, filepath.Join(src, "a"), strings.Repeat("a", 100), baseTime)
	writeFile(t, filepath.Join(src, "b"), "shared content", baseTime)
	require.NoError(t, os.Link(filepath.Join(src, "b"), filepath.Join(src, "b2")))

	res, evs := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(2), res.Stats.FilesCopied)
	assert.Equal(t, int64(1), res.Stats.HardlinksCreated)
	assert.Equal(t, inode(t, filepath.Join(dst, "b")), inode(t, filepath.Join(dst, "b2")))
	assert.NotEqual(t, inode(t, filepath.Join(dst, "a")), inode(t, filepath.Join(dst, "b")))
	require.Len(t, eventPaths(evs, event.Linked), 1)

	second, evs := runSync(t, localConfig(src, dst))
	assert.Zero(t, second.Stats.Changes())
	assert.Empty(t, evs)
}

func TestRunHardlinksAcrossDirectories(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()

	first := filepath.Join(src, "a", "file")
	writeFile(t, first, "linked", baseTime)
	paths := []string{first}
	for _, rel := range []string{"a/second", "b/third", "b/c/fourth", "fifth"} {
		p := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.Link(first, p))
		paths = append(paths, p)
	}

	res, _ := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(1), res.Stats.FilesCopied)
	assert.Equal(t, int64(len(paths)-1), res.Stats.HardlinksCreated)

	want := inode(t, filepath.Join(dst, "a", "file"))
	for _, p := range paths {
		rel, _ := filepath.Rel(src, p)
		assert.Equal(t, want, inode(t, filepath.Join(dst, rel)), rel)
	}
}

func TestRunRelinksBrokenHardlink(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "x"), "linked", baseTime)
	require.NoError(t, os.Link(filepath.Join(src, "x"), filepath.Join(src, "y")))
	runSync(t, localConfig(src, dst))

	// Break the link at the destination with an independent copy.
	require.NoError(t, os.Remove(filepath.Join(dst, "y")))
	writeFile(t, filepath.Join(dst, "y"), "linked", baseTime)

	res, _ := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(1), res.Stats.HardlinksCreated)
	assert.Equal(t, inode(t, filepath.Join(dst, "x")), inode(t, filepath.Join(dst, "y")))
}

func TestRunDeletion(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (string, string) {
		t.Helper()
		src, dst := t.TempDir(), t.TempDir()
		writeFile(t, filepath.Join(src, "keep"), "keep", baseTime)
		writeFile(t, filepath.Join(dst, "keep"), "keep", baseTime)
		writeFile(t, filepath.Join(dst, "c"), "extra", baseTime)
		writeFile(t, filepath.Join(dst, "olddir", "inner", "file"), "extra", baseTime)
		return src, dst
	}

	t.Run("removes extra entries", func(t *testing.T) {
		t.Parallel()
		src, dst := setup(t)

		res, evs := runSync(t, localConfig(src, dst))
		assert.NoFileExists(t, filepath.Join(dst, "c"))
		assert.NoDirExists(t, filepath.Join(dst, "olddir"))
		assert.FileExists(t, filepath.Join(dst, "keep"))
		// c, olddir, olddir/inner, olddir/inner/file
		assert.Equal(t, int64(4), res.Stats.EntriesRemoved)

		removed := eventPaths(evs, event.Removed)
		innerFile := filepath.Join(dst, "olddir", "inner", "file")
		assert.Contains(t, removed, innerFile)
		// Children go before their directory.
		var order []string
		for _, ev := range evs {
			if ev.Type == event.Removed {
				order = append(order, ev.Path)
			}
		}
		assert.Less(t, indexOf(order, innerFile), indexOf(order, filepath.Join(dst, "olddir")))
	})

	t.Run("no-remove reports", func(t *testing.T) {
		t.Parallel()
		src, dst := setup(t)
		cfg := localConfig(src, dst)
		cfg.NoRemove = true

		res, evs := runSync(t, cfg)
		assert.FileExists(t, filepath.Join(dst, "c"))
		assert.DirExists(t, filepath.Join(dst, "olddir"))
		assert.Equal(t, int64(2), res.Stats.WouldRemove)
		assert.Zero(t, res.Stats.EntriesRemoved)
		assert.Equal(t, []string{filepath.Join(dst, "c"), filepath.Join(dst, "olddir")},
			eventPaths(evs, event.WouldRemove))
	})
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestRunInteractiveRemoval(t *testing.T) {
	t.Parallel()

	for _, answer := range []bool{true, false} {
		t.Run(map[bool]string{true: "confirmed", false: "declined"}[answer], func(t *testing.T) {
			t.Parallel()
			src, dst := t.TempDir(), t.TempDir()
			writeFile(t, filepath.Join(src, "a"), "a", baseTime)
			writeFile(t, filepath.Join(dst, "c"), "extra", baseTime)

			p := &fakePrompter{answer: answer}
			cfg := localConfig(src, dst)
			cfg.Interactive = true
			cfg.Prompter = p

			res, _ := runSync(t, cfg)
			assert.Equal(t, []string{filepath.Join(dst, "c")}, p.asked)
			assert.Zero(t, res.Stats.Failures)
			if answer {
				assert.NoFileExists(t, filepath.Join(dst, "c"))
				assert.Equal(t, int64(1), res.Stats.EntriesRemoved)
			} else {
				assert.FileExists(t, filepath.Join(dst, "c"))
				assert.Equal(t, int64(1), res.Stats.WouldRemove)
			}
		})
	}
}

func TestRunPrompterErrorStopsRun(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(dst, "c"), "extra", baseTime)

	cfg := localConfig(src, dst)
	cfg.Interactive = true
	cfg.Prompter = &fakePrompter{err: assert.AnError}

	res := engine.Run(context.Background(), cfg)
	require.ErrorIs(t, res.Err, assert.AnError)
	assert.FileExists(t, filepath.Join(dst, "c"))
}

func TestRunInteractiveNeedsPrompter(t *testing.T) {
	t.Parallel()
	cfg := localConfig(t.TempDir(), t.TempDir())
	cfg.Interactive = true

	res := engine.Run(context.Background(), cfg)
	require.Error(t, res.Err)
}

func TestRunSafety(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (string, string) {
		t.Helper()
		src, dst := t.TempDir(), t.TempDir()
		writeFile(t, filepath.Join(src, "x"), "now a file", baseTime)
		writeFile(t, filepath.Join(dst, "x", "child"), "was a directory", baseTime)
		return src, dst
	}

	t.Run("refuses by default", func(t *testing.T) {
		t.Parallel()
		src, dst := setup(t)

		res, evs := runSync(t, localConfig(src, dst))
		assert.Equal(t, int64(1), res.Stats.Failures)
		require.Equal(t, 1, countEvents(evs, event.Failed))
		for _, ev := range evs {
			if ev.Type == event.Failed {
				require.ErrorIs(t, ev.Error, engine.ErrSafety)
			}
		}
		assert.FileExists(t, filepath.Join(dst, "x", "child"))
	})

	t.Run("replaces when disabled", func(t *testing.T) {
		t.Parallel()
		src, dst := setup(t)
		cfg := localConfig(src, dst)
		cfg.NoSafety = true

		res, _ := runSync(t, cfg)
		assert.Zero(t, res.Stats.Failures)
		data, err := os.ReadFile(filepath.Join(dst, "x"))
		require.NoError(t, err)
		assert.Equal(t, "now a file", string(data))
	})
}

func TestRunReplacesFileWithDirectory(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "x", "child"), "nested", baseTime)
	writeFile(t, filepath.Join(dst, "x"), "plain file", baseTime)

	res, _ := runSync(t, localConfig(src, dst))
	assert.Zero(t, res.Stats.Failures)
	assert.FileExists(t, filepath.Join(dst, "x", "child"))
}

func TestRunExcludeFile(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()

	writeFile(t, filepath.Join(src, ".cpignore"), "# build output\n*.log\nskip\n", baseTime)
	writeFile(t, filepath.Join(src, "keep.txt"), "keep", baseTime)
	writeFile(t, filepath.Join(src, "a.log"), "log", baseTime)
	writeFile(t, filepath.Join(src, "skip", "inner"), "skipped", baseTime)
	writeFile(t, filepath.Join(src, "sub", "nested.log"), "not excluded here", baseTime)
	writeFile(t, filepath.Join(dst, "b.log"), "destination only", baseTime)
	writeFile(t, filepath.Join(dst, "stale"), "destination only", baseTime)

	cfg := localConfig(src, dst)
	cfg.ExcludeFile = ".cpignore"
	res, _ := runSync(t, cfg)

	assert.FileExists(t, filepath.Join(dst, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(dst, "a.log"))
	assert.NoDirExists(t, filepath.Join(dst, "skip"))
	assert.NoFileExists(t, filepath.Join(dst, ".cpignore"))
	// Exclusions are per directory.
	assert.FileExists(t, filepath.Join(dst, "sub", "nested.log"))
	// Excluded destination entries are left alone; others go.
	assert.FileExists(t, filepath.Join(dst, "b.log"))
	assert.NoFileExists(t, filepath.Join(dst, "stale"))
	assert.Equal(t, int64(1), res.Stats.EntriesRemoved)
}

func TestRunVerifyLevels(t *testing.T) {
	t.Parallel()

	// Same size and mtime, different content: only content checks notice.
	setup := func(t *testing.T) (string, string) {
		t.Helper()
		src, dst := t.TempDir(), t.TempDir()
		writeFile(t, filepath.Join(src, "f"), "source!", baseTime)
		writeFile(t, filepath.Join(dst, "f"), "stale!!", baseTime)
		return src, dst
	}

	tests := []struct {
		name   string
		verify engine.Verify
		force  bool
		copied bool
	}{
		{name: "off", verify: engine.VerifyOff, copied: false},
		{name: "digest", verify: engine.VerifyDigest, copied: true},
		{name: "bytes", verify: engine.VerifyBytes, copied: true},
		{name: "force", verify: engine.VerifyOff, force: true, copied: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src, dst := setup(t)
			cfg := localConfig(src, dst)
			cfg.Verify = tt.verify
			cfg.Force = tt.force

			res, _ := runSync(t, cfg)
			data, err := os.ReadFile(filepath.Join(dst, "f"))
			require.NoError(t, err)
			if tt.copied {
				assert.Equal(t, int64(1), res.Stats.FilesCopied)
				assert.Equal(t, "source!", string(data))
			} else {
				assert.Zero(t, res.Stats.FilesCopied)
				assert.Equal(t, "stale!!", string(data))
			}
		})
	}
}

func TestRunVerifyBytesIgnoresMtime(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "same content", baseTime)
	writeFile(t, filepath.Join(dst, "f"), "same content", baseTime.Add(time.Hour))

	cfg := localConfig(src, dst)
	cfg.Verify = engine.VerifyBytes
	res, evs := runSync(t, cfg)
	assert.Zero(t, res.Stats.FilesCopied)
	assert.Contains(t, eventPaths(evs, event.Updated), filepath.Join(dst, "f"))

	info, err := os.Stat(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Unix(), info.ModTime().Unix())
}

func TestRunDigestCache(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)

	cfg := localConfig(src, dst)
	cfg.Verify = engine.VerifyDigest
	runSync(t, cfg)
	// Files are new on the first run, so nothing needed hashing yet.
	second, _ := runSync(t, cfg)
	assert.Zero(t, second.Stats.FilesCopied)

	data, err := os.ReadFile(filepath.Join(src, digest.DefaultFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), " 8 root.txt\n")
	assert.Contains(t, string(data), " 7 big.bin\n")
	assert.FileExists(t, filepath.Join(src, "sub", digest.DefaultFileName))
	// The cache file itself is never mirrored.
	assert.NoFileExists(t, filepath.Join(dst, digest.DefaultFileName))
}

func TestRunSourceOnlyRefreshesDigests(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	createTestTree(t, src)

	res, _ := runSync(t, engine.Config{
		SrcHost: transport.NewLocal(),
		Src:     src,
		Verify:  engine.VerifyDigest,
	})
	assert.Positive(t, res.Stats.EntriesScanned)
	assert.FileExists(t, filepath.Join(src, digest.DefaultFileName))
	assert.FileExists(t, filepath.Join(src, "sub", "deep", digest.DefaultFileName))
}

func TestRunLinkRef(t *testing.T) {
	t.Parallel()
	src, ref, dst := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "sub", "same"), "unchanged since backup", baseTime)
	writeFile(t, filepath.Join(src, "sub", "changed"), "new content", baseTime.Add(time.Hour))
	writeFile(t, filepath.Join(ref, "sub", "same"), "unchanged since backup", baseTime)
	writeFile(t, filepath.Join(ref, "sub", "changed"), "old content", baseTime)

	cfg := localConfig(src, dst)
	cfg.LinkRef = ref
	res, evs := runSync(t, cfg)

	assert.Equal(t, int64(1), res.Stats.HardlinksCreated)
	assert.Equal(t, int64(1), res.Stats.FilesCopied)
	assert.Equal(t, inode(t, filepath.Join(ref, "sub", "same")), inode(t, filepath.Join(dst, "sub", "same")))
	assert.NotEqual(t, inode(t, filepath.Join(ref, "sub", "changed")), inode(t, filepath.Join(dst, "sub", "changed")))
	assert.Equal(t, []string{filepath.Join(dst, "sub", "same")}, eventPaths(evs, event.Linked))
}

func TestRunFIFO(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, unix.Mkfifo(filepath.Join(src, "pipe"), 0o640))

	res, evs := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(1), res.Stats.NodesCreated)
	assert.Equal(t, []string{filepath.Join(dst, "pipe")}, eventPaths(evs, event.Created))

	info, err := os.Lstat(filepath.Join(dst, "pipe"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	second, _ := runSync(t, localConfig(src, dst))
	assert.Zero(t, second.Stats.Changes())
}

func TestRunSymlinkRetarget(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.Symlink("new-target", filepath.Join(src, "l")))
	require.NoError(t, os.Symlink("old-target", filepath.Join(dst, "l")))

	res, _ := runSync(t, localConfig(src, dst))
	assert.Equal(t, int64(1), res.Stats.NodesCreated)
	target, err := os.Readlink(filepath.Join(dst, "l"))
	require.NoError(t, err)
	assert.Equal(t, "new-target", target)
}

func TestRunBandwidthLimit(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)

	cfg := localConfig(src, dst)
	cfg.BWLimit = 64 << 20
	runSync(t, cfg)
	assertSameTree(t, src, dst)
}

func TestRunLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)
	runSync(t, localConfig(src, dst))

	err := filepath.Walk(dst, func(path string, _ os.FileInfo, err error) error {
		require.NoError(t, err)
		assert.NotContains(t, path, "treedup-tmp")
		return nil
	})
	require.NoError(t, err)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()
	src, dst := t.TempDir(), t.TempDir()
	createTestTree(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := engine.Run(ctx, localConfig(src, dst))
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestRunMissingSource(t *testing.T) {
	t.Parallel()
	res := engine.Run(context.Background(), localConfig(filepath.Join(t.TempDir(), "nope"), t.TempDir()))
	require.ErrorIs(t, res.Err, syscall.ENOENT)
}

func TestRunRemoteMatchesLocal(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	createTestTree(t, src)
	writeFile(t, filepath.Join(src, "h1"), "hardlinked", baseTime)
	require.NoError(t, os.Link(filepath.Join(src, "h1"), filepath.Join(src, "h2")))

	localDst := t.TempDir()
	runSync(t, localConfig(src, localDst))

	t.Run("remote destination", func(t *testing.T) {
		t.Parallel()
		dst := t.TempDir()
		cfg := localConfig(src, dst)
		cfg.DstHost = remoteHost(t)

		res, _ := runSync(t, cfg)
		assert.Zero(t, res.Stats.Failures)
		assert.Equal(t, snapshotTree(t, localDst), snapshotTree(t, dst))
		assert.Equal(t, inode(t, filepath.Join(dst, "h1")), inode(t, filepath.Join(dst, "h2")))

		second, _ := runSync(t, cfg)
		assert.Zero(t, second.Stats.Changes())
	})

	t.Run("remote source", func(t *testing.T) {
		t.Parallel()
		dst := t.TempDir()
		cfg := localConfig(src, dst)
		cfg.SrcHost = remoteHost(t)
		cfg.Verify = engine.VerifyBytes

		res, _ := runSync(t, cfg)
		assert.Zero(t, res.Stats.Failures)
		assert.Equal(t, snapshotTree(t, localDst), snapshotTree(t, dst))
	})
}
