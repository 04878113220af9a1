package transport

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Compile-time interface check.
var _ Host = (*Local)(nil)

// Local runs every Host operation directly against the local filesystem.
type Local struct {
	fds      *Descriptors
	hostname string
}

// NewLocal creates a local host.
func NewLocal() *Local {
	name, err := os.Hostname()
	if err != nil {
		name = "localhost"
	}
	return &Local{fds: NewDescriptors(), hostname: name}
}

func pathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}

func (*Local) Stat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Stat{}, pathErr("stat", path, err)
	}
	return statFromUnix(&st), nil
}

func (*Local) Lstat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Stat{}, pathErr("lstat", path, err)
	}
	return statFromUnix(&st), nil
}

func (h *Local) OpenDir(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return -1, err
	}
	if !info.IsDir() {
		f.Close()
		return -1, pathErr("opendir", path, unix.ENOTDIR)
	}
	fd, err := h.fds.Alloc(DescDir, f)
	if err != nil {
		f.Close()
		return -1, pathErr("opendir", path, err)
	}
	return fd, nil
}

func (h *Local) ReadDir(fd int) (string, error) {
	res, err := h.fds.Lookup(fd, DescDir)
	if err != nil {
		return "", err
	}
	f, _ := res.(*os.File) //nolint:revive // unchecked-type-assertion: kind guarantees type
	names, err := f.Readdirnames(1)
	if len(names) == 0 {
		if err == nil {
			err = io.EOF
		}
		return "", err
	}
	return names[0], nil
}

func (h *Local) CloseDir(fd int) error {
	res, err := h.fds.Free(fd, DescDir)
	if err != nil {
		return err
	}
	f, _ := res.(*os.File) //nolint:revive // unchecked-type-assertion: kind guarantees type
	return f.Close()
}

// ScanDir lists path and lstats every entry. Entries that vanish between
// the listing and the lstat are left out.
func (*Local) ScanDir(path string) ([]DirEntry, error) {
	names, err := readDirNames(path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(path, name), &st); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return nil, pathErr("lstat", filepath.Join(path, name), err)
		}
		entries = append(entries, DirEntry{Name: name, Stat: statFromUnix(&st)})
	}
	return entries, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (h *Local) Open(path string, flags int, mode uint32) (int, error) {
	f, err := os.OpenFile(path, flags, os.FileMode(mode&0o777))
	if err != nil {
		return -1, err
	}
	fd, err := h.fds.Alloc(DescFile, f)
	if err != nil {
		f.Close()
		return -1, pathErr("open", path, err)
	}
	return fd, nil
}

func (h *Local) CloseFile(fd int) error {
	res, err := h.fds.Free(fd, DescFile)
	if err != nil {
		return err
	}
	f, _ := res.(*os.File) //nolint:revive // unchecked-type-assertion: kind guarantees type
	return f.Close()
}

func (h *Local) file(fd int) (*os.File, error) {
	res, err := h.fds.Lookup(fd, DescFile)
	if err != nil {
		return nil, err
	}
	f, _ := res.(*os.File) //nolint:revive // unchecked-type-assertion: kind guarantees type
	return f, nil
}

func (h *Local) Read(fd int, p []byte) (int, error) {
	f, err := h.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

func (h *Local) Write(fd int, p []byte) (int, error) {
	f, err := h.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

func (*Local) Remove(path string) error {
	return pathErr("unlink", path, unix.Unlink(path))
}

func (*Local) Mkdir(path string, mode uint32) error {
	return pathErr("mkdir", path, unix.Mkdir(path, mode&ModePerm))
}

func (*Local) Rmdir(path string) error {
	return pathErr("rmdir", path, unix.Rmdir(path))
}

func (*Local) Chown(path string, uid, gid uint32) error {
	return pathErr("chown", path, unix.Chown(path, int(uid), int(gid)))
}

func (*Local) Lchown(path string, uid, gid uint32) error {
	return pathErr("lchown", path, unix.Lchown(path, int(uid), int(gid)))
}

func (*Local) Chmod(path string, mode uint32) error {
	return pathErr("chmod", path, unix.Chmod(path, mode&ModePerm))
}

func (*Local) Lchmod(path string, mode uint32) error {
	return pathErr("lchmod", path,
		unix.Fchmodat(unix.AT_FDCWD, path, mode&ModePerm, unix.AT_SYMLINK_NOFOLLOW))
}

func (*Local) Mknod(path string, mode uint32, rdev uint64) error {
	return pathErr("mknod", path, unix.Mknod(path, mode, int(rdev))) //nolint:gosec // G115: dev_t round-trips through int
}

func (*Local) Link(oldPath, newPath string) error {
	return pathErr("link", newPath, unix.Link(oldPath, newPath))
}

func (*Local) Symlink(target, path string) error {
	return pathErr("symlink", path, unix.Symlink(target, path))
}

func (*Local) Readlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	return target, nil
}

func (*Local) Rename(oldPath, newPath string) error {
	return pathErr("rename", newPath, unix.Rename(oldPath, newPath))
}

func (*Local) Utimes(path string, atime, mtime time.Time) error {
	return pathErr("utimes", path, utimensat(path, atime, mtime, 0))
}

func (*Local) Lutimes(path string, atime, mtime time.Time) error {
	return pathErr("lutimes", path, utimensat(path, atime, mtime, unix.AT_SYMLINK_NOFOLLOW))
}

func utimensat(path string, atime, mtime time.Time, flags int) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, flags)
}

func (*Local) Chflags(path string, flags uint32) error {
	return pathErr("chflags", path, chflags(path, flags, true))
}

func (*Local) Lchflags(path string, flags uint32) error {
	return pathErr("lchflags", path, chflags(path, flags, false))
}

func (*Local) Umask(mask uint32) (uint32, error) {
	return uint32(unix.Umask(int(mask & 0o777))), nil //nolint:gosec // G115: umask is 9 bits
}

func (*Local) Geteuid() (uint32, error) {
	return uint32(unix.Geteuid()), nil //nolint:gosec // G115: uid_t is 32 bits
}

func (*Local) Getgroups() ([]uint32, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(groups)+1)
	out = append(out, uint32(unix.Getegid())) //nolint:gosec // G115: gid_t is 32 bits
	for _, g := range groups {
		out = append(out, uint32(g)) //nolint:gosec // G115: gid_t is 32 bits
	}
	return out, nil
}

func (h *Local) Hostname() string { return h.hostname }
func (*Local) IsLocal() bool      { return true }

// Close releases every handle still open on this host.
func (h *Local) Close() error {
	h.fds.Drain(func(_ DescKind, res any) {
		if f, ok := res.(*os.File); ok {
			f.Close()
		}
	})
	return nil
}
