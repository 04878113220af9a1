package proto

import (
	"fmt"
	"time"

	"github.com/bamsammich/treedup/internal/transport"
)

// Protocol versions. Bump ProtocolVersion on wire changes; peers older than
// MinVersion are refused.
const (
	ProtocolVersion = 1
	MinVersion      = 1
)

// ReadFileMax is the largest file a peer streams back for READFILE. Bigger
// files are refused with EFBIG and read through OPEN/READ/CLOSE.
const ReadFileMax = 8 << 20

// Opcode identifies a request.
type Opcode uint16

const (
	OpHello Opcode = iota + 1
	OpStat
	OpLstat
	OpOpenDir
	OpReadDir
	OpCloseDir
	OpScanDir
	OpOpen
	OpClose
	OpRead
	OpWrite
	OpReadFile
	OpRemove
	OpMkdir
	OpRmdir
	OpChown
	OpLchown
	OpChmod
	OpLchmod
	OpMknod
	OpLink
	OpSymlink
	OpReadlink
	OpRename
	OpUtimes
	OpLutimes
	OpChflags
	OpLchflags
	OpUmask
	OpGeteuid
	OpGetgroups
)

var opNames = [...]string{
	OpHello:     "hello",
	OpStat:      "stat",
	OpLstat:     "lstat",
	OpOpenDir:   "opendir",
	OpReadDir:   "readdir",
	OpCloseDir:  "closedir",
	OpScanDir:   "scandir",
	OpOpen:      "open",
	OpClose:     "close",
	OpRead:      "read",
	OpWrite:     "write",
	OpReadFile:  "readfile",
	OpRemove:    "remove",
	OpMkdir:     "mkdir",
	OpRmdir:     "rmdir",
	OpChown:     "chown",
	OpLchown:    "lchown",
	OpChmod:     "chmod",
	OpLchmod:    "lchmod",
	OpMknod:     "mknod",
	OpLink:      "link",
	OpSymlink:   "symlink",
	OpReadlink:  "readlink",
	OpRename:    "rename",
	OpUtimes:    "utimes",
	OpLutimes:   "lutimes",
	OpChflags:   "chflags",
	OpLchflags:  "lchflags",
	OpUmask:     "umask",
	OpGeteuid:   "geteuid",
	OpGetgroups: "getgroups",
}

func (op Opcode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(0x%x)", uint16(op))
}

// Mutating reports whether op changes the filesystem. OPEN is judged by its
// flags at dispatch time.
func (op Opcode) Mutating() bool {
	switch op {
	case OpWrite, OpRemove, OpMkdir, OpRmdir, OpChown, OpLchown, OpChmod,
		OpLchmod, OpMknod, OpLink, OpSymlink, OpRename, OpUtimes, OpLutimes,
		OpChflags, OpLchflags:
		return true
	default:
		return false
	}
}

// Leaf is the 12-bit identifier of an item within a request or reply.
type Leaf uint16

const (
	LeafPath Leaf = iota + 1
	LeafPath2
	LeafName
	LeafHostname
	LeafVersion
	LeafFD
	LeafOpenFlags
	LeafMode
	LeafUID
	LeafGID
	LeafRdev
	LeafDev
	LeafIno
	LeafNlink
	LeafSize
	LeafBlksize
	LeafBlocks
	LeafAtime
	LeafMtime
	LeafFileFlags
	LeafData
	LeafCount
	LeafMask
	LeafGroup
)

// putStat appends the items describing st. LeafName, when present, opens
// the record; the remaining leaves may come in any order.
func putStat(b *frameBuilder, st transport.Stat) {
	b.putInt64(LeafDev, int64(st.Dev))     //nolint:gosec // G115: bit pattern preserved
	b.putInt64(LeafIno, int64(st.Ino))     //nolint:gosec // G115: bit pattern preserved
	b.putInt32(LeafMode, int32(st.Mode))   //nolint:gosec // G115: bit pattern preserved
	b.putInt64(LeafNlink, int64(st.Nlink)) //nolint:gosec // G115: bit pattern preserved
	b.putInt32(LeafUID, int32(st.UID))     //nolint:gosec // G115: bit pattern preserved
	b.putInt32(LeafGID, int32(st.GID))     //nolint:gosec // G115: bit pattern preserved
	b.putInt64(LeafRdev, int64(st.Rdev))   //nolint:gosec // G115: bit pattern preserved
	b.putInt64(LeafSize, st.Size)
	b.putInt64(LeafAtime, st.Atime.UnixNano())
	b.putInt64(LeafMtime, st.Mtime.UnixNano())
	b.putInt32(LeafFileFlags, int32(st.Flags)) //nolint:gosec // G115: bit pattern preserved
	b.putInt64(LeafBlksize, st.Blksize)
	b.putInt64(LeafBlocks, st.Blocks)
}

// statRecordSize is the encoded size of the items written by putStat.
const statRecordSize = 13 * (ItemHeaderSize + 8)

// ApplyStat folds one stat item into st. It reports false for leaves that
// are not part of a stat record.
func ApplyStat(st *transport.Stat, it Item) bool {
	switch it.Leaf {
	case LeafDev:
		st.Dev = uint64(it.Int64()) //nolint:gosec // G115: bit pattern preserved
	case LeafIno:
		st.Ino = uint64(it.Int64()) //nolint:gosec // G115: bit pattern preserved
	case LeafMode:
		st.Mode = uint32(it.Int32()) //nolint:gosec // G115: bit pattern preserved
	case LeafNlink:
		st.Nlink = uint64(it.Int64()) //nolint:gosec // G115: bit pattern preserved
	case LeafUID:
		st.UID = uint32(it.Int32()) //nolint:gosec // G115: bit pattern preserved
	case LeafGID:
		st.GID = uint32(it.Int32()) //nolint:gosec // G115: bit pattern preserved
	case LeafRdev:
		st.Rdev = uint64(it.Int64()) //nolint:gosec // G115: bit pattern preserved
	case LeafSize:
		st.Size = it.Int64()
	case LeafAtime:
		st.Atime = time.Unix(0, it.Int64())
	case LeafMtime:
		st.Mtime = time.Unix(0, it.Int64())
	case LeafFileFlags:
		st.Flags = uint32(it.Int32()) //nolint:gosec // G115: bit pattern preserved
	case LeafBlksize:
		st.Blksize = it.Int64()
	case LeafBlocks:
		st.Blocks = it.Int64()
	default:
		return false
	}
	return true
}
