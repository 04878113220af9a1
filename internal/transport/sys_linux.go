//go:build linux

package transport

import (
	"time"

	"golang.org/x/sys/unix"
)

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Dev:     st.Dev,
		Ino:     st.Ino,
		Rdev:    st.Rdev,
		Nlink:   uint64(st.Nlink), //nolint:unconvert // uint32 on some arches
		Size:    st.Size,
		Blksize: int64(st.Blksize), //nolint:unconvert // int32 on some arches
		Blocks:  st.Blocks,
		Mode:    st.Mode,
		UID:     st.Uid,
		GID:     st.Gid,
		Atime:   time.Unix(st.Atim.Unix()),
		Mtime:   time.Unix(st.Mtim.Unix()),
	}
}

// chflags emulates BSD file flags. Linux has none, so clearing them is a
// no-op and setting any bit is unsupported.
func chflags(_ string, flags uint32, _ bool) error {
	if flags == 0 {
		return nil
	}
	return unix.ENOTSUP
}
