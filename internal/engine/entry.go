package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"

	"github.com/bamsammich/treedup/internal/digest"
	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/filter"
	"github.com/bamsammich/treedup/internal/transport"
)

// syncEntry brings the destination side of it in line with the source
// entry sst. dst is the destination lstat record, nil when absent.
// Per-entry failures are recorded and swallowed; only fatal errors are
// returned.
func (e *engine) syncEntry(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.stats.AddEntriesScanned(1)

	err := e.syncOne(ctx, it, sst, dst)
	if err == nil {
		return nil
	}
	if fatal(err) {
		return err
	}
	e.fail(ctx, it.dpath, err)
	return nil
}

func (e *engine) syncOne(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if sst.IsDir() {
		return e.syncDir(ctx, it, sst, dst)
	}

	switch sst.Type() {
	case transport.ModeSocket:
		e.skip(ctx, it, "socket")
		return nil
	case transport.ModeChar, transport.ModeBlock:
		if e.cfg.NoDevices {
			e.skip(ctx, it, "device")
			return nil
		}
	}

	if sst.Nlink > 1 {
		return e.syncLinked(ctx, it, sst, dst)
	}
	return e.syncNonDir(ctx, it, sst, dst)
}

// clearDirectory removes a destination directory standing where a
// non-directory belongs, if the safety check allows it.
func (e *engine) clearDirectory(ctx context.Context, it item, dst transport.Stat) error {
	if !e.cfg.NoSafety {
		return fmt.Errorf("%w: %s", ErrSafety, it.dpath)
	}
	return e.removeTree(ctx, it.dpath, dst)
}

func (e *engine) syncNonDir(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if dst != nil && dst.IsDir() {
		if err := e.clearDirectory(ctx, it, *dst); err != nil {
			return err
		}
		dst = nil
	}

	switch sst.Type() {
	case transport.ModeRegular:
		return e.syncFile(ctx, it, sst, dst)
	case transport.ModeSymlink:
		return e.syncSymlink(ctx, it, sst, dst)
	default:
		return e.syncNode(ctx, it, sst, dst)
	}
}

// syncLinked handles a source entry with more than one link. The first
// path seen for an inode is copied normally; later ones become links to it.
func (e *engine) syncLinked(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	rec, ok := e.links.lookup(sst)
	if !ok {
		rec = e.links.add(sst, it.dpath)
		if err := e.syncNonDir(ctx, it, sst, dst); err != nil {
			e.links.release(sst)
			return err
		}
		st, err := e.dst.Lstat(it.dpath)
		if err != nil {
			e.links.release(sst)
			return err
		}
		rec.dstDev, rec.dstIno = st.Dev, st.Ino
		return nil
	}

	e.links.visit(sst, rec)
	if dst != nil && dst.Dev == rec.dstDev && dst.Ino == rec.dstIno {
		return nil
	}
	switch {
	case dst != nil && dst.IsDir():
		if err := e.clearDirectory(ctx, it, *dst); err != nil {
			return err
		}
	case dst != nil:
		if err := e.dst.Remove(it.dpath); err != nil && !transport.IsNotExist(err) {
			return err
		}
	}
	err := e.dst.Link(rec.firstDst, it.dpath)
	switch {
	case err == nil:
		e.stats.AddHardlinksCreated(1)
		e.emit(ctx, event.Event{Type: event.Linked, Path: it.dpath, Source: rec.firstDst})
		return nil
	case errors.Is(err, syscall.EMLINK):
		slog.Debug("link limit reached, copying", "path", it.dpath, "first", rec.firstDst)
		return e.syncNonDir(ctx, it, sst, nil)
	default:
		return err
	}
}

func (e *engine) skip(ctx context.Context, it item, reason string) {
	slog.Debug("skipping", "path", it.spath, "reason", reason)
	e.stats.AddEntriesSkipped(1)
	e.emit(ctx, event.Event{Type: event.Skipped, Path: it.dpath, Source: it.spath})
}

// syncDir mirrors a directory: create it when missing, recurse, remove
// destination entries the source no longer has, then fix its metadata.
func (e *engine) syncDir(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if dst != nil && !dst.IsDir() {
		if err := e.removeTree(ctx, it.dpath, *dst); err != nil {
			return err
		}
		dst = nil
	}

	created := dst == nil
	if created {
		// Owner-only while being filled; the real mode is applied last.
		if err := e.dst.Mkdir(it.dpath, 0o700); err != nil {
			return err
		}
		st, err := e.dst.Lstat(it.dpath)
		if err != nil {
			return err
		}
		dst = &st
		e.stats.AddDirsCreated(1)
		e.emit(ctx, event.Event{Type: event.DirCreated, Path: it.dpath, Source: it.spath})
	}
	opened := !created && dst.Perm()&0o700 != 0o700
	if opened {
		if err := e.dst.Chmod(it.dpath, dst.Perm()|0o700); err != nil {
			return err
		}
	}
	if it.rel == "" {
		e.dstDev = dst.Dev
	}

	if sst.Dev != e.srcDev || dst.Dev != e.dstDev {
		slog.Debug("not crossing filesystem boundary", "path", it.spath)
	} else if err := e.walkDir(ctx, it); err != nil {
		return err
	}

	// Put back the mode the walk opened up so fixMeta sees the mode the
	// directory had before this run.
	if opened {
		if err := e.dst.Chmod(it.dpath, dst.Perm()); err != nil {
			return err
		}
	}

	// Recursion may have touched the directory's times.
	cur, err := e.dst.Lstat(it.dpath)
	if err != nil {
		return err
	}
	changed, err := e.fixMeta(it.dpath, sst, cur, metaDir)
	if err != nil {
		return err
	}
	if changed && !created {
		e.stats.AddEntriesUpdated(1)
		e.emit(ctx, event.Event{Type: event.Updated, Path: it.dpath})
	}
	return nil
}

// walkDir syncs every entry of a source directory and then removes the
// destination entries that were not matched.
func (e *engine) walkDir(ctx context.Context, it item) error {
	list, err := e.exclusions(it.spath)
	if err != nil {
		return err
	}

	dents, err := e.dst.ScanDir(it.dpath)
	if err != nil {
		return err
	}
	for _, ent := range dents {
		if list.Excluded(ent.Name) {
			continue
		}
		if err := list.Add(ent.Name, filter.RoleDestScan, ent.Stat); err != nil {
			return err
		}
	}

	sents, err := e.src.ScanDir(it.spath)
	if err != nil {
		return err
	}
	sortEntries(sents)

	for _, ent := range sents {
		if list.Excluded(ent.Name) {
			continue
		}
		var dst *transport.Stat
		if de, ok := list.Lookup(ent.Name, filter.RoleDestScan); ok {
			dst = &de.Stat
			list.Remove(ent.Name, filter.RoleDestScan)
		}
		if err := e.syncEntry(ctx, it.child(ent.Name), ent.Stat, dst); err != nil {
			return err
		}
	}

	for _, de := range list.Entries(filter.RoleDestScan) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.removeExtra(ctx, filepath.Join(it.dpath, de.Name), de.Stat); err != nil {
			if fatal(err) {
				return err
			}
			e.fail(ctx, filepath.Join(it.dpath, de.Name), err)
		}
	}
	return nil
}

// exclusions loads the exclusion list of a source directory. The exclusion
// file and the digest cache are always excluded.
func (e *engine) exclusions(dir string) (*filter.List, error) {
	list := filter.NewList()
	if name := e.cfg.ExcludeFile; name != "" {
		var err error
		if list, err = filter.Load(e.src, filepath.Join(dir, name)); err != nil {
			return nil, err
		}
		if err := list.Add(name, filter.RoleIgnore, transport.Stat{}); err != nil {
			return nil, err
		}
	}
	name := e.cfg.DigestFile
	if name == "" {
		name = digest.DefaultFileName
	}
	if err := list.Add(name, filter.RoleIgnore, transport.Stat{}); err != nil {
		return nil, err
	}
	return list, nil
}

func sortEntries(ents []transport.DirEntry) {
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
}

// syncFile mirrors a regular file.
func (e *engine) syncFile(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if dst != nil && dst.IsRegular() {
		same, err := e.sameFile(ctx, it.spath, e.dst, it.dpath, sst, *dst)
		if err != nil {
			return err
		}
		if same {
			return e.updateMeta(ctx, it, sst, *dst, metaFile)
		}
	}

	if e.cfg.LinkRef != "" {
		linked, err := e.linkFromRef(ctx, it, sst)
		if err != nil || linked {
			return err
		}
	}
	return e.copyFile(ctx, it, sst)
}

// sameFile reports whether the destination file already holds the source
// content under the configured verification level.
func (e *engine) sameFile(
	ctx context.Context, spath string, dstHost transport.Host, dpath string, sst, dst transport.Stat,
) (bool, error) {
	if e.cfg.Force || sst.Size != dst.Size {
		return false, nil
	}
	switch e.cfg.Verify {
	case VerifyBytes:
		return sameBytes(ctx, e.src, spath, dstHost, dpath, e.buf)
	case VerifyDigest:
		if !sameSecond(sst.Mtime, dst.Mtime) {
			return false, nil
		}
		return e.digests.Check(ctx, spath, dstHost, dpath)
	default:
		return sameSecond(sst.Mtime, dst.Mtime), nil
	}
}

// linkFromRef links the destination to the matching file of the reference
// tree instead of copying it.
func (e *engine) linkFromRef(ctx context.Context, it item, sst transport.Stat) (bool, error) {
	ref := filepath.Join(e.cfg.LinkRef, it.rel)
	rst, err := e.dst.Lstat(ref)
	if err != nil {
		if transport.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !rst.IsRegular() || rst.Perm() != sst.Perm() || !sameSecond(rst.Mtime, sst.Mtime) {
		return false, nil
	}
	// Force only forces a fresh copy, the reference must still be checked.
	same, err := e.sameFileUnforced(ctx, it.spath, ref, sst, rst)
	if err != nil || !same {
		return false, err
	}

	tmp := tempName(it.dpath)
	if err := e.dst.Link(ref, tmp); err != nil {
		slog.Debug("cannot link from reference tree", "ref", ref, "error", err)
		return false, nil
	}
	e.tmps.register(tmp)
	defer e.tmps.deregister(tmp)
	if err := e.replace(tmp, it.dpath); err != nil {
		return false, err
	}
	e.stats.AddHardlinksCreated(1)
	e.emit(ctx, event.Event{Type: event.Linked, Path: it.dpath, Source: ref})
	return true, nil
}

func (e *engine) sameFileUnforced(ctx context.Context, spath, dpath string, sst, dst transport.Stat) (bool, error) {
	force := e.cfg.Force
	e.cfg.Force = false
	defer func() { e.cfg.Force = force }()
	return e.sameFile(ctx, spath, e.dst, dpath, sst, dst)
}

// copyFile writes the source content to a temporary sibling, applies the
// metadata and renames it over the destination.
func (e *engine) copyFile(ctx context.Context, it item, sst transport.Stat) error {
	tmp := tempName(it.dpath)
	e.tmps.register(tmp)
	defer e.tmps.deregister(tmp)

	n, err := e.copyData(ctx, it.spath, tmp)
	if err == nil {
		err = e.finishNew(tmp, sst, metaFile)
	}
	if err == nil {
		err = e.replace(tmp, it.dpath)
	}
	if err == nil {
		err = e.applyFlags(it.dpath, sst, metaFile)
	}
	if err != nil {
		e.dst.Remove(tmp) //nolint:errcheck // no-op after a successful rename
		return err
	}

	e.stats.AddFilesCopied(1)
	e.stats.AddBytesCopied(n)
	e.emit(ctx, event.Event{Type: event.Copied, Path: it.dpath, Source: it.spath, Size: n})
	if e.digests != nil && e.cfg.Force {
		// A forced copy re-reads the source anyway; keep the cache honest.
		if _, err := e.digests.Refresh(ctx, it.spath); err != nil && fatal(err) {
			return err
		}
	}
	return nil
}

func (e *engine) copyData(ctx context.Context, spath, tmp string) (int64, error) {
	sfd, err := e.src.Open(spath, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer e.src.CloseFile(sfd) //nolint:errcheck // read-only descriptor

	dfd, err := e.dst.Open(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}

	var w io.Writer = hostWriter{host: e.dst, fd: dfd}
	if e.limiter != nil {
		w = &rateLimitedWriter{w: w, limiter: e.limiter, ctx: ctx}
	}
	n, err := io.CopyBuffer(w, hostReader{host: e.src, fd: sfd}, e.buf)
	if cerr := e.dst.CloseFile(dfd); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", spath, err)
	}
	return n, nil
}

// replace renames tmp over dpath. When the rename is refused, the
// destination's flags are cleared and the rename retried once.
func (e *engine) replace(tmp, dpath string) error {
	err := e.dst.Rename(tmp, dpath)
	if err == nil || !(errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)) {
		return err
	}
	if ferr := e.dst.Lchflags(dpath, 0); ferr != nil {
		return err
	}
	return e.dst.Rename(tmp, dpath)
}

// syncSymlink recreates a symlink whose target changed and fixes the
// metadata of one that did not.
func (e *engine) syncSymlink(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	target, err := e.src.Readlink(it.spath)
	if err != nil {
		return err
	}
	if dst != nil && dst.IsSymlink() {
		cur, err := e.dst.Readlink(it.dpath)
		if err != nil {
			return err
		}
		if cur == target {
			return e.updateMeta(ctx, it, sst, *dst, metaSymlink)
		}
	}

	tmp := tempName(it.dpath)
	// The umask gives the link the source's permission bits where the
	// platform keeps any.
	old, err := e.dst.Umask(^sst.Perm() & 0o777)
	if err != nil {
		return err
	}
	err = e.dst.Symlink(target, tmp)
	if _, uerr := e.dst.Umask(old); err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}
	e.tmps.register(tmp)
	defer e.tmps.deregister(tmp)

	err = e.finishNew(tmp, sst, metaSymlink)
	if err == nil {
		err = e.replace(tmp, it.dpath)
	}
	if err == nil {
		err = e.applyFlags(it.dpath, sst, metaSymlink)
	}
	if err != nil {
		e.dst.Remove(tmp) //nolint:errcheck // no-op after a successful rename
		return err
	}
	e.stats.AddNodesCreated(1)
	e.emit(ctx, event.Event{Type: event.Created, Path: it.dpath, Source: target})
	return nil
}

// syncNode mirrors a device node or FIFO. A node whose type, device
// number, mode or ownership differs is recreated.
func (e *engine) syncNode(ctx context.Context, it item, sst transport.Stat, dst *transport.Stat) error {
	if dst != nil && dst.Type() == sst.Type() && (!sst.IsDevice() || dst.Rdev == sst.Rdev) &&
		dst.Perm() == sst.Perm() && !e.priv.ownerDiffers(sst, *dst) {
		return e.updateMeta(ctx, it, sst, *dst, metaNode)
	}

	tmp := tempName(it.dpath)
	if err := e.dst.Mknod(tmp, sst.Mode, sst.Rdev); err != nil {
		return err
	}
	e.tmps.register(tmp)
	defer e.tmps.deregister(tmp)

	err := e.finishNew(tmp, sst, metaNode)
	if err == nil {
		err = e.replace(tmp, it.dpath)
	}
	if err == nil {
		err = e.applyFlags(it.dpath, sst, metaNode)
	}
	if err != nil {
		e.dst.Remove(tmp) //nolint:errcheck // no-op after a successful rename
		return err
	}
	e.stats.AddNodesCreated(1)
	e.emit(ctx, event.Event{Type: event.Created, Path: it.dpath, Source: it.spath})
	return nil
}

// updateMeta corrects ownership, mode, times and flags of an entry whose
// content is unchanged.
func (e *engine) updateMeta(ctx context.Context, it item, sst, dst transport.Stat, kind metaKind) error {
	changed, err := e.fixMeta(it.dpath, sst, dst, kind)
	if err != nil {
		return err
	}
	if changed {
		e.stats.AddEntriesUpdated(1)
		e.emit(ctx, event.Event{Type: event.Updated, Path: it.dpath, Source: it.spath})
	}
	return nil
}

// tempName returns a unique sibling of path used while it is rewritten.
func tempName(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.treedup-tmp", base, uuid.New().String()[:8]))
}

// hostReader adapts a host descriptor to io.Reader.
type hostReader struct {
	host transport.Host
	fd   int
}

func (r hostReader) Read(p []byte) (int, error) {
	n, err := r.host.Read(r.fd, p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// hostWriter adapts a host descriptor to io.Writer.
type hostWriter struct {
	host transport.Host
	fd   int
}

func (w hostWriter) Write(p []byte) (int, error) {
	return w.host.Write(w.fd, p)
}
