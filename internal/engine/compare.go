package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/bamsammich/treedup/internal/transport"
)

type metaKind int

const (
	metaFile metaKind = iota
	metaDir
	metaSymlink
	metaNode
)

// lockFlags keep the kernel from changing an entry at all.
const lockFlags = transport.UFImmutable | transport.UFAppend | transport.SFImmutable | transport.SFAppend

// privileges captures what the destination process may change.
type privileges struct {
	root   bool
	groups map[uint32]struct{}
}

func loadPrivileges(h transport.Host) (privileges, error) {
	euid, err := h.Geteuid()
	if err != nil {
		return privileges{}, err
	}
	p := privileges{root: euid == 0, groups: make(map[uint32]struct{})}
	if p.root {
		return p, nil
	}
	groups, err := h.Getgroups()
	if err != nil {
		return privileges{}, err
	}
	for _, g := range groups {
		p.groups[g] = struct{}{}
	}
	return p, nil
}

// owner returns the uid and gid an entry currently owned as dst should get
// and whether that differs from what it has. Changes the process may not
// make are left out.
func (p privileges) owner(sst, dst transport.Stat) (uid, gid uint32, change bool) {
	uid, gid = dst.UID, dst.GID
	if sst.UID != dst.UID && p.root {
		uid = sst.UID
	}
	if sst.GID != dst.GID {
		if _, member := p.groups[sst.GID]; p.root || member {
			gid = sst.GID
		}
	}
	return uid, gid, uid != dst.UID || gid != dst.GID
}

func (p privileges) ownerDiffers(sst, dst transport.Stat) bool {
	_, _, change := p.owner(sst, dst)
	return change
}

// flagMask returns the flag bits the process may set.
func (p privileges) flagMask() uint32 {
	if p.root {
		return transport.UFSettable | transport.SFSettable
	}
	return transport.UFSettable
}

// wantFlags merges the settable source flags into the destination's.
func (p privileges) wantFlags(sst, dst transport.Stat) uint32 {
	mask := p.flagMask()
	return sst.Flags&mask | dst.Flags&^mask
}

// fixMeta corrects the attributes of an existing destination entry and
// reports whether anything changed.
//
// Flags of regular files, directories and symlinks are only written when
// they differ. Device nodes and FIFOs also get them rewritten whenever the
// source carries an immutable bit.
func (e *engine) fixMeta(path string, sst, dst transport.Stat, kind metaKind) (bool, error) {
	wantFlags := e.priv.wantFlags(sst, dst)
	flagsDiffer := wantFlags != dst.Flags

	unlocked := false
	if dst.Flags&lockFlags != 0 && e.attrsDiffer(sst, dst) {
		if err := e.setFlags(path, 0, kind); err != nil {
			return false, err
		}
		unlocked = true
	}

	changed, err := e.fixAttrs(path, sst, dst, kind)
	if err != nil {
		return changed, err
	}

	force := kind == metaNode && sst.Flags&(transport.UFImmutable|transport.SFImmutable) != 0
	if flagsDiffer || unlocked || force {
		if err := e.setFlags(path, wantFlags, kind); err != nil {
			return changed, err
		}
	}
	return changed || flagsDiffer, nil
}

func (e *engine) attrsDiffer(sst, dst transport.Stat) bool {
	return e.priv.ownerDiffers(sst, dst) || e.wantPerm(sst, dst) != dst.Perm() ||
		!sameSecond(sst.Mtime, dst.Mtime)
}

// wantPerm is the source mode, minus setuid and setgid when the owner
// could not be matched.
func (e *engine) wantPerm(sst, dst transport.Stat) uint32 {
	want := sst.Perm()
	uid, gid, _ := e.priv.owner(sst, dst)
	if uid != sst.UID || gid != sst.GID {
		want &^= 0o6000
	}
	return want
}

// fixAttrs applies ownership, mode and times. Ownership goes first because
// chown clears the setuid and setgid bits.
func (e *engine) fixAttrs(path string, sst, dst transport.Stat, kind metaKind) (bool, error) {
	changed := false
	symlink := kind == metaSymlink

	uid, gid, change := e.priv.owner(sst, dst)
	if sst.UID != uid {
		slog.Debug("cannot change owner", "path", path, "uid", sst.UID)
	}
	if change {
		var err error
		if symlink {
			err = e.dst.Lchown(path, uid, gid)
		} else {
			err = e.dst.Chown(path, uid, gid)
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}

	if want := e.wantPerm(sst, dst); want != dst.Perm() || (change && want&0o6000 != 0) {
		var err error
		if symlink {
			err = e.dst.Lchmod(path, want)
		} else {
			err = e.dst.Chmod(path, want)
		}
		switch {
		case err == nil:
			changed = true
		case symlink && unsupported(err):
		default:
			return changed, err
		}
	}

	if !sameSecond(sst.Mtime, dst.Mtime) {
		var err error
		if symlink {
			err = e.dst.Lutimes(path, sst.Atime, sst.Mtime)
		} else {
			err = e.dst.Utimes(path, sst.Atime, sst.Mtime)
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// finishNew applies the source attributes to a freshly created temporary
// entry.
func (e *engine) finishNew(tmp string, sst transport.Stat, kind metaKind) error {
	cur, err := e.dst.Lstat(tmp)
	if err != nil {
		return err
	}
	_, err = e.fixAttrs(tmp, sst, cur, kind)
	return err
}

// applyFlags sets the flags of an entry that was just (re)created. Only
// device nodes and FIFOs get a write when the source has no flags.
func (e *engine) applyFlags(path string, sst transport.Stat, kind metaKind) error {
	want := sst.Flags & e.priv.flagMask()
	if want == 0 && kind != metaNode {
		return nil
	}
	return e.setFlags(path, want, kind)
}

func (e *engine) setFlags(path string, flags uint32, kind metaKind) error {
	var err error
	if kind == metaSymlink {
		err = e.dst.Lchflags(path, flags)
	} else {
		err = e.dst.Chflags(path, flags)
	}
	if err != nil && unsupported(err) {
		slog.Debug("file flags not supported", "path", path, "flags", flags)
		return nil
	}
	return err
}

func unsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENOSYS)
}

func sameSecond(a, b time.Time) bool {
	return a.Unix() == b.Unix()
}

// sameBytes compares two files chunk by chunk.
func sameBytes(
	ctx context.Context, src transport.Host, spath string, dst transport.Host, dpath string, buf []byte,
) (bool, error) {
	sfd, err := src.Open(spath, os.O_RDONLY, 0)
	if err != nil {
		return false, err
	}
	defer src.CloseFile(sfd) //nolint:errcheck // read-only descriptor

	dfd, err := dst.Open(dpath, os.O_RDONLY, 0)
	if err != nil {
		return false, err
	}
	defer dst.CloseFile(dfd) //nolint:errcheck // read-only descriptor

	other := make([]byte, len(buf))
	sr, dr := hostReader{host: src, fd: sfd}, hostReader{host: dst, fd: dfd}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, serr := io.ReadFull(sr, buf)
		m, derr := io.ReadFull(dr, other)
		if n != m || !bytes.Equal(buf[:n], other[:m]) {
			return false, nil
		}
		sEOF := errors.Is(serr, io.EOF) || errors.Is(serr, io.ErrUnexpectedEOF)
		dEOF := errors.Is(derr, io.EOF) || errors.Is(derr, io.ErrUnexpectedEOF)
		switch {
		case serr != nil && !sEOF:
			return false, serr
		case derr != nil && !dEOF:
			return false, derr
		case sEOF || dEOF:
			return sEOF == dEOF, nil
		}
	}
}
