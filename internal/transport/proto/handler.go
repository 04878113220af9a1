package proto

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/bamsammich/treedup/internal/transport"
)

const openWriteFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

//nolint:gocyclo,revive // cyclomatic: one case per opcode
func (s *Server) dispatch(op Opcode, a args, rw *replyWriter) error {
	if s.opts.ReadOnly && op.Mutating() {
		return syscall.EPERM
	}

	switch op {
	case OpHello:
		return s.handleHello(a, rw)
	case OpStat:
		return s.handleStat(a, rw, s.host.Stat)
	case OpLstat:
		return s.handleStat(a, rw, s.host.Lstat)
	case OpOpenDir:
		return s.handleOpenDir(a, rw)
	case OpReadDir:
		return s.handleReadDir(a, rw)
	case OpCloseDir:
		return s.withFD(a, s.host.CloseDir)
	case OpScanDir:
		return s.handleScanDir(a, rw)
	case OpOpen:
		return s.handleOpen(a, rw)
	case OpClose:
		return s.withFD(a, s.host.CloseFile)
	case OpRead:
		return s.handleRead(a, rw)
	case OpWrite:
		return s.handleWrite(a, rw)
	case OpReadFile:
		return s.handleReadFile(a, rw)
	case OpRemove:
		return s.withPath(a, s.host.Remove)
	case OpRmdir:
		return s.withPath(a, s.host.Rmdir)
	case OpMkdir:
		return s.withPathMode(a, s.host.Mkdir)
	case OpChmod:
		return s.withPathMode(a, s.host.Chmod)
	case OpLchmod:
		return s.withPathMode(a, s.host.Lchmod)
	case OpChown:
		return s.handleChown(a, s.host.Chown)
	case OpLchown:
		return s.handleChown(a, s.host.Lchown)
	case OpMknod:
		return s.handleMknod(a)
	case OpLink:
		return s.withTwoPaths(a, s.host.Link)
	case OpRename:
		return s.withTwoPaths(a, s.host.Rename)
	case OpSymlink:
		// LeafPath is the link being created, LeafPath2 its target.
		return s.withTwoPaths(a, func(path, target string) error {
			return s.host.Symlink(target, path)
		})
	case OpReadlink:
		return s.handleReadlink(a, rw)
	case OpUtimes:
		return s.handleUtimes(a, s.host.Utimes)
	case OpLutimes:
		return s.handleUtimes(a, s.host.Lutimes)
	case OpChflags:
		return s.handleChflags(a, s.host.Chflags)
	case OpLchflags:
		return s.handleChflags(a, s.host.Lchflags)
	case OpUmask:
		return s.handleUmask(a, rw)
	case OpGeteuid:
		return s.handleGeteuid(rw)
	case OpGetgroups:
		return s.handleGetgroups(rw)
	default:
		return syscall.EOPNOTSUPP
	}
}

func (s *Server) handleHello(a args, rw *replyWriter) error {
	rw.putString(LeafHostname, s.host.Hostname())
	rw.putInt32(LeafVersion, ProtocolVersion)
	if v, err := a.int32(LeafVersion); err != nil || v < MinVersion {
		return syscall.EPROTONOSUPPORT
	}
	return nil
}

func (*Server) handleStat(a args, rw *replyWriter, stat func(string) (transport.Stat, error)) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	st, err := stat(path)
	if err != nil {
		return err
	}
	rw.putStat(st)
	return nil
}

func (s *Server) handleOpenDir(a args, rw *replyWriter) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	fd, err := s.host.OpenDir(path)
	if err != nil {
		return err
	}
	rw.putInt32(LeafFD, int32(fd)) //nolint:gosec // G115: descriptors stay below MaxInt32
	return nil
}

func (s *Server) handleReadDir(a args, rw *replyWriter) error {
	fd, err := a.int32(LeafFD)
	if err != nil {
		return err
	}
	name, err := s.host.ReadDir(int(fd))
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	rw.putString(LeafName, name)
	return nil
}

// handleScanDir streams one name plus stat record per entry, chaining
// frames as the listing grows.
func (s *Server) handleScanDir(a args, rw *replyWriter) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	entries, err := s.host.ScanDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !rw.b.hasRoom(alignUp(uint64(ItemHeaderSize+len(e.Name)+1))+statRecordSize) && !rw.b.empty() {
			rw.write(FlagReply|FlagContinue, 0) //nolint:errcheck // kept in rw.err
		}
		rw.putString(LeafName, e.Name)
		rw.putStat(e.Stat)
	}
	return rw.err
}

func (s *Server) handleOpen(a args, rw *replyWriter) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	flags, err := a.int32(LeafOpenFlags)
	if err != nil {
		return err
	}
	mode, err := a.uint32(LeafMode)
	if err != nil {
		return err
	}
	if s.opts.ReadOnly && int(flags)&openWriteFlags != 0 {
		return syscall.EPERM
	}
	fd, err := s.host.Open(path, int(flags), mode)
	if err != nil {
		return err
	}
	rw.putInt32(LeafFD, int32(fd)) //nolint:gosec // G115: descriptors stay below MaxInt32
	return nil
}

func (s *Server) handleRead(a args, rw *replyWriter) error {
	fd, err := a.int32(LeafFD)
	if err != nil {
		return err
	}
	count, err := a.int32(LeafCount)
	if err != nil {
		return err
	}
	if count < 0 {
		return syscall.EINVAL
	}
	buf := make([]byte, min(int(count), MaxItemPayload))
	n, err := s.host.Read(int(fd), buf)
	if n > 0 {
		rw.putBytes(LeafData, buf[:n])
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleWrite(a args, rw *replyWriter) error {
	fd, err := a.int32(LeafFD)
	if err != nil {
		return err
	}
	data, err := a.bytes(LeafData)
	if err != nil {
		return err
	}
	n, err := s.host.Write(int(fd), data)
	if err != nil {
		return err
	}
	rw.putInt32(LeafCount, int32(n)) //nolint:gosec // G115: bounded by MaxItemPayload
	return nil
}

// handleReadFile streams a whole regular file back as binary items, one
// frame per chunk.
func (s *Server) handleReadFile(a args, rw *replyWriter) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	st, err := s.host.Stat(path)
	if err != nil {
		return err
	}
	if !st.IsRegular() {
		return syscall.EINVAL
	}
	if st.Size > ReadFileMax {
		return syscall.EFBIG
	}

	fd, err := s.host.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer s.host.CloseFile(fd) //nolint:errcheck // read-only descriptor

	buf := make([]byte, MaxItemPayload)
	var total int64
	for {
		n, err := s.host.Read(fd, buf)
		if n > 0 {
			total += int64(n)
			if total > ReadFileMax {
				return syscall.EFBIG
			}
			rw.putBytes(LeafData, buf[:n])
			if rw.err != nil {
				return rw.err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) handleChown(a args, chown func(string, uint32, uint32) error) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	uid, err := a.uint32(LeafUID)
	if err != nil {
		return err
	}
	gid, err := a.uint32(LeafGID)
	if err != nil {
		return err
	}
	return chown(path, uid, gid)
}

func (s *Server) handleMknod(a args) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	mode, err := a.uint32(LeafMode)
	if err != nil {
		return err
	}
	rdev, err := a.int64(LeafRdev)
	if err != nil {
		return err
	}
	return s.host.Mknod(path, mode, uint64(rdev)) //nolint:gosec // G115: bit pattern preserved
}

func (s *Server) handleReadlink(a args, rw *replyWriter) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	target, err := s.host.Readlink(path)
	if err != nil {
		return err
	}
	rw.putString(LeafPath2, target)
	return nil
}

func (*Server) handleUtimes(a args, utimes func(string, time.Time, time.Time) error) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	atime, err := a.int64(LeafAtime)
	if err != nil {
		return err
	}
	mtime, err := a.int64(LeafMtime)
	if err != nil {
		return err
	}
	return utimes(path, time.Unix(0, atime), time.Unix(0, mtime))
}

func (*Server) handleChflags(a args, chflags func(string, uint32) error) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	flags, err := a.uint32(LeafFileFlags)
	if err != nil {
		return err
	}
	return chflags(path, flags)
}

func (s *Server) handleUmask(a args, rw *replyWriter) error {
	mask, err := a.uint32(LeafMask)
	if err != nil {
		return err
	}
	old, err := s.host.Umask(mask)
	if err != nil {
		return err
	}
	rw.putInt32(LeafMask, int32(old)) //nolint:gosec // G115: umask is 9 bits
	return nil
}

func (s *Server) handleGeteuid(rw *replyWriter) error {
	uid, err := s.host.Geteuid()
	if err != nil {
		return err
	}
	rw.putInt32(LeafUID, int32(uid)) //nolint:gosec // G115: bit pattern preserved
	return nil
}

func (s *Server) handleGetgroups(rw *replyWriter) error {
	groups, err := s.host.Getgroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		rw.putInt32(LeafGroup, int32(g)) //nolint:gosec // G115: bit pattern preserved
	}
	return nil
}

func (*Server) withPath(a args, fn func(string) error) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	return fn(path)
}

func (*Server) withPathMode(a args, fn func(string, uint32) error) error {
	path, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	mode, err := a.uint32(LeafMode)
	if err != nil {
		return err
	}
	return fn(path, mode)
}

func (*Server) withTwoPaths(a args, fn func(string, string) error) error {
	p1, err := a.str(LeafPath)
	if err != nil {
		return err
	}
	p2, err := a.str(LeafPath2)
	if err != nil {
		return err
	}
	return fn(p1, p2)
}

func (*Server) withFD(a args, fn func(int) error) error {
	fd, err := a.int32(LeafFD)
	if err != nil {
		return err
	}
	return fn(int(fd))
}
