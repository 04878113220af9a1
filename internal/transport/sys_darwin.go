//go:build darwin

package transport

import (
	"time"

	"golang.org/x/sys/unix"
)

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Dev:     uint64(st.Dev),  //nolint:gosec // G115: dev_t is int32 on darwin
		Ino:     st.Ino,
		Rdev:    uint64(st.Rdev), //nolint:gosec // G115: dev_t is int32 on darwin
		Nlink:   uint64(st.Nlink),
		Size:    st.Size,
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Mode:    uint32(st.Mode),
		UID:     st.Uid,
		GID:     st.Gid,
		Flags:   st.Flags,
		Atime:   time.Unix(st.Atim.Unix()),
		Mtime:   time.Unix(st.Mtim.Unix()),
	}
}

// chflags sets file flags. There is no lchflags wrapper, so flags on a
// symlink itself can only be cleared when none are set.
func chflags(path string, flags uint32, follow bool) error {
	if !follow {
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return err
		}
		if uint32(st.Mode)&ModeTypeMask == ModeSymlink {
			if flags == st.Flags {
				return nil
			}
			return unix.ENOTSUP
		}
	}
	return unix.Chflags(path, int(flags))
}
