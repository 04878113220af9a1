package transport

import (
	"errors"
	"io/fs"
	"time"
)

// ErrHostLost is wrapped by every error caused by a broken connection to a
// remote peer. It is fatal to the whole run.
var ErrHostLost = errors.New("host connection lost")

// File type bits of Stat.Mode (the POSIX S_IFMT layout, identical on every
// supported platform).
const (
	ModeTypeMask uint32 = 0o170000
	ModeSocket   uint32 = 0o140000
	ModeSymlink  uint32 = 0o120000
	ModeRegular  uint32 = 0o100000
	ModeBlock    uint32 = 0o060000
	ModeDir      uint32 = 0o040000
	ModeChar     uint32 = 0o020000
	ModeFIFO     uint32 = 0o010000
	ModePerm     uint32 = 0o7777
)

// File flag bits understood by Chflags. On platforms without file flags
// every flag word is zero.
const (
	UFNodump    uint32 = 0x00000001
	UFImmutable uint32 = 0x00000002
	UFAppend    uint32 = 0x00000004
	UFSettable  uint32 = 0x0000ffff
	SFArchived  uint32 = 0x00010000
	SFImmutable uint32 = 0x00020000
	SFAppend    uint32 = 0x00040000
	SFSettable  uint32 = 0xffff0000
)

// Stat is the attribute record returned by Stat and Lstat. It travels over
// the wire field by field, so it carries only plain values.
type Stat struct {
	Atime   time.Time
	Mtime   time.Time
	Dev     uint64
	Ino     uint64
	Rdev    uint64
	Nlink   uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Mode    uint32
	UID     uint32
	GID     uint32
	Flags   uint32
}

// Type returns the file type bits of the mode.
func (s Stat) Type() uint32 { return s.Mode & ModeTypeMask }

// Perm returns the permission bits (including setuid/setgid/sticky).
func (s Stat) Perm() uint32 { return s.Mode & ModePerm }

func (s Stat) IsDir() bool     { return s.Type() == ModeDir }
func (s Stat) IsRegular() bool { return s.Type() == ModeRegular }
func (s Stat) IsSymlink() bool { return s.Type() == ModeSymlink }

// IsDevice reports whether the entry is a character or block device.
func (s Stat) IsDevice() bool {
	t := s.Type()
	return t == ModeChar || t == ModeBlock
}

// DirEntry is one result of ScanDir.
type DirEntry struct {
	Name string
	Stat Stat
}

// Host is a filesystem-operation target. A local Host calls the system
// directly; a remote Host forwards every call to a peer process over the
// host-control protocol. Callers cannot tell the two apart except through
// IsLocal.
//
// Every failing operation returns an *fs.PathError wrapping a
// syscall.Errno, so errors.Is(err, fs.ErrNotExist) works regardless of
// where the call ran.
type Host interface {
	Stat(path string) (Stat, error)
	Lstat(path string) (Stat, error)

	// OpenDir, ReadDir and CloseDir iterate a directory through a handle.
	// ReadDir returns io.EOF after the last name.
	OpenDir(path string) (int, error)
	ReadDir(fd int) (string, error)
	CloseDir(fd int) error

	// ScanDir returns every entry of a directory (without "." and "..")
	// together with its lstat record in a single call.
	ScanDir(path string) ([]DirEntry, error)

	Open(path string, flags int, mode uint32) (int, error)
	CloseFile(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)

	Remove(path string) error
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Chown(path string, uid, gid uint32) error
	Lchown(path string, uid, gid uint32) error
	Chmod(path string, mode uint32) error
	Lchmod(path string, mode uint32) error
	Mknod(path string, mode uint32, rdev uint64) error
	Link(oldPath, newPath string) error
	Symlink(target, path string) error
	Readlink(path string) (string, error)
	Rename(oldPath, newPath string) error
	Utimes(path string, atime, mtime time.Time) error
	Lutimes(path string, atime, mtime time.Time) error
	Chflags(path string, flags uint32) error
	Lchflags(path string, flags uint32) error

	// Umask sets the file creation mask and returns the previous one.
	Umask(mask uint32) (uint32, error)
	Geteuid() (uint32, error)
	Getgroups() ([]uint32, error)

	Hostname() string
	IsLocal() bool
	Close() error
}

// IsNotExist reports whether err says the path does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
