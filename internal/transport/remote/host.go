// Package remote implements transport.Host on top of a host-control
// connection to a peer process.
package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/proto"
)

// maxWrite bounds the data carried by one WRITE request.
const maxWrite = 32 << 10

// Compile-time interface check.
var _ transport.Host = (*Host)(nil)

// remoteFD is a handle that lives in the peer's descriptor table.
type remoteFD int32

// Host forwards every operation to a peer. Handles returned by Open and
// OpenDir belong to the Host's own table: they refer either to a peer
// handle or to a whole file already fetched with READFILE.
//
// Once the connection fails every call returns an error wrapping
// transport.ErrHostLost.
type Host struct {
	conn     *proto.Conn
	closer   io.Closer
	fds      *transport.Descriptors
	hostname string
	version  int32
	lost     error
}

// NewHost performs the HELLO exchange over r/w and returns the connected
// host. closer is closed by Close and may be nil.
func NewHost(r io.Reader, w io.Writer, closer io.Closer) (*Host, error) {
	h := &Host{
		conn:     proto.NewConn(r, w),
		closer:   closer,
		fds:      transport.NewDescriptors(),
		hostname: "peer",
	}

	local, _ := os.Hostname()
	items, err := h.call(proto.OpHello, "", func(req *proto.Request) {
		req.PutInt32(proto.LeafVersion, proto.ProtocolVersion)
		req.PutString(proto.LeafHostname, local)
	})
	if err != nil {
		h.Close()
		if errors.Is(err, syscall.EPROTONOSUPPORT) {
			return nil, fmt.Errorf("peer refused protocol version %d", proto.ProtocolVersion)
		}
		return nil, fmt.Errorf("hello: %w", err)
	}
	for _, it := range items {
		switch it.Leaf {
		case proto.LeafHostname:
			h.hostname = it.String()
		case proto.LeafVersion:
			h.version = it.Int32()
		}
	}
	if h.version < proto.MinVersion {
		h.Close()
		return nil, fmt.Errorf("peer %s speaks protocol %d, need at least %d",
			h.hostname, h.version, proto.MinVersion)
	}
	return h, nil
}

func (h *Host) lose(err error) error {
	if h.lost == nil {
		h.lost = fmt.Errorf("%w: %s: %w", transport.ErrHostLost, h.hostname, err)
	}
	return h.lost
}

// call runs one transaction and returns every item of its reply. A peer
// error comes back as *fs.PathError carrying the peer's errno.
func (h *Host) call(op proto.Opcode, path string, build func(*proto.Request)) ([]proto.Item, error) {
	if h.lost != nil {
		return nil, h.lost
	}
	req := h.conn.Start(op)
	if build != nil {
		build(req)
	}
	rep, err := req.Finish()
	if err != nil {
		if errors.Is(err, proto.ErrFrameTooLarge) {
			return nil, &fs.PathError{Op: op.String(), Path: path, Err: syscall.ENAMETOOLONG}
		}
		return nil, h.lose(err)
	}

	var items []proto.Item
	for {
		it, err := rep.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, h.lose(err)
		}
		items = append(items, it)
	}
	if errno := rep.Err(); errno != nil {
		return nil, &fs.PathError{Op: op.String(), Path: path, Err: errno}
	}
	return items, nil
}

func withPath(path string) func(*proto.Request) {
	return func(req *proto.Request) { req.PutString(proto.LeafPath, path) }
}

func findItem(items []proto.Item, leaf proto.Leaf) (proto.Item, bool) {
	for _, it := range items {
		if it.Leaf == leaf {
			return it, true
		}
	}
	return proto.Item{}, false
}

func (h *Host) stat(op proto.Opcode, path string) (transport.Stat, error) {
	items, err := h.call(op, path, withPath(path))
	if err != nil {
		return transport.Stat{}, err
	}
	var st transport.Stat
	for _, it := range items {
		proto.ApplyStat(&st, it)
	}
	return st, nil
}

func (h *Host) Stat(path string) (transport.Stat, error)  { return h.stat(proto.OpStat, path) }
func (h *Host) Lstat(path string) (transport.Stat, error) { return h.stat(proto.OpLstat, path) }

// openRemote runs an OPEN/OPENDIR style call and registers the peer handle.
func (h *Host) openRemote(op proto.Opcode, kind transport.DescKind, path string, build func(*proto.Request)) (int, error) {
	items, err := h.call(op, path, build)
	if err != nil {
		return -1, err
	}
	it, ok := findItem(items, proto.LeafFD)
	if !ok {
		return -1, h.lose(fmt.Errorf("%w: %s reply without handle", proto.ErrProtocol, op))
	}
	return h.fds.Alloc(kind, remoteFD(it.Int32()))
}

func (h *Host) OpenDir(path string) (int, error) {
	return h.openRemote(proto.OpOpenDir, transport.DescDir, path, withPath(path))
}

func (h *Host) peerFD(fd int, kind transport.DescKind) (remoteFD, error) {
	res, err := h.fds.Lookup(fd, kind)
	if err != nil {
		return 0, err
	}
	rfd, _ := res.(remoteFD) //nolint:revive // unchecked-type-assertion: kind guarantees type
	return rfd, nil
}

func (h *Host) ReadDir(fd int) (string, error) {
	rfd, err := h.peerFD(fd, transport.DescDir)
	if err != nil {
		return "", err
	}
	items, err := h.call(proto.OpReadDir, "", func(req *proto.Request) {
		req.PutInt32(proto.LeafFD, int32(rfd))
	})
	if err != nil {
		return "", err
	}
	it, ok := findItem(items, proto.LeafName)
	if !ok {
		return "", io.EOF
	}
	return it.String(), nil
}

func (h *Host) closeRemote(op proto.Opcode, fd int, kind transport.DescKind) error {
	res, err := h.fds.Free(fd, kind)
	if err != nil {
		return err
	}
	rfd, _ := res.(remoteFD) //nolint:revive // unchecked-type-assertion: kind guarantees type
	_, err = h.call(op, "", func(req *proto.Request) {
		req.PutInt32(proto.LeafFD, int32(rfd))
	})
	return err
}

func (h *Host) CloseDir(fd int) error {
	return h.closeRemote(proto.OpCloseDir, fd, transport.DescDir)
}

func (h *Host) ScanDir(path string) ([]transport.DirEntry, error) {
	items, err := h.call(proto.OpScanDir, path, withPath(path))
	if err != nil {
		return nil, err
	}
	var entries []transport.DirEntry
	for _, it := range items {
		if it.Leaf == proto.LeafName {
			entries = append(entries, transport.DirEntry{Name: it.String()})
			continue
		}
		if len(entries) == 0 {
			return nil, h.lose(fmt.Errorf("%w: scandir stat before name", proto.ErrProtocol))
		}
		proto.ApplyStat(&entries[len(entries)-1].Stat, it)
	}
	return entries, nil
}

// Open fetches read-only files whole with READFILE and serves reads from
// memory. Files the peer will not stream (too large, not regular) and every
// other mode go through a peer handle.
func (h *Host) Open(path string, flags int, mode uint32) (int, error) {
	if flags&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) == 0 {
		data, err := h.readFile(path)
		switch {
		case err == nil:
			return h.fds.Alloc(transport.DescBuffer, bytes.NewReader(data))
		case errors.Is(err, syscall.EFBIG), errors.Is(err, syscall.EINVAL):
		default:
			return -1, err
		}
	}
	return h.openRemote(proto.OpOpen, transport.DescFile, path, func(req *proto.Request) {
		req.PutString(proto.LeafPath, path)
		req.PutInt32(proto.LeafOpenFlags, int32(flags)) //nolint:gosec // G115: open flags fit in 32 bits
		req.PutInt32(proto.LeafMode, int32(mode))       //nolint:gosec // G115: bit pattern preserved
	})
}

func (h *Host) readFile(path string) ([]byte, error) {
	items, err := h.call(proto.OpReadFile, path, withPath(path))
	if err != nil {
		return nil, err
	}
	var size int
	for _, it := range items {
		size += len(it.Bytes())
	}
	data := make([]byte, 0, size)
	for _, it := range items {
		data = append(data, it.Bytes()...)
	}
	return data, nil
}

func (h *Host) CloseFile(fd int) error {
	kind, ok := h.fds.Kind(fd)
	if ok && kind == transport.DescBuffer {
		_, err := h.fds.Free(fd, transport.DescBuffer)
		return err
	}
	return h.closeRemote(proto.OpClose, fd, transport.DescFile)
}

func (h *Host) Read(fd int, p []byte) (int, error) {
	if res, err := h.fds.Lookup(fd, transport.DescBuffer); err == nil {
		r, _ := res.(*bytes.Reader) //nolint:revive // unchecked-type-assertion: kind guarantees type
		return r.Read(p)
	}
	rfd, err := h.peerFD(fd, transport.DescFile)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	items, err := h.call(proto.OpRead, "", func(req *proto.Request) {
		req.PutInt32(proto.LeafFD, int32(rfd))
		req.PutInt32(proto.LeafCount, int32(min(len(p), proto.MaxItemPayload))) //nolint:gosec // G115: bounded
	})
	if err != nil {
		return 0, err
	}
	it, ok := findItem(items, proto.LeafData)
	if !ok || len(it.Bytes()) == 0 {
		return 0, io.EOF
	}
	return copy(p, it.Bytes()), nil
}

func (h *Host) Write(fd int, p []byte) (int, error) {
	rfd, err := h.peerFD(fd, transport.DescFile)
	if err != nil {
		return 0, err
	}
	var written int
	for written < len(p) {
		chunk := p[written:min(len(p), written+maxWrite)]
		items, err := h.call(proto.OpWrite, "", func(req *proto.Request) {
			req.PutInt32(proto.LeafFD, int32(rfd))
			req.PutBytes(proto.LeafData, chunk)
		})
		if err != nil {
			return written, err
		}
		it, _ := findItem(items, proto.LeafCount)
		n := int(it.Int32())
		written += n
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (h *Host) simple(op proto.Opcode, path string, build func(*proto.Request)) error {
	_, err := h.call(op, path, func(req *proto.Request) {
		req.PutString(proto.LeafPath, path)
		if build != nil {
			build(req)
		}
	})
	return err
}

func putMode(mode uint32) func(*proto.Request) {
	return func(req *proto.Request) {
		req.PutInt32(proto.LeafMode, int32(mode)) //nolint:gosec // G115: bit pattern preserved
	}
}

func putOwner(uid, gid uint32) func(*proto.Request) {
	return func(req *proto.Request) {
		req.PutInt32(proto.LeafUID, int32(uid)) //nolint:gosec // G115: bit pattern preserved
		req.PutInt32(proto.LeafGID, int32(gid)) //nolint:gosec // G115: bit pattern preserved
	}
}

func putTimes(atime, mtime time.Time) func(*proto.Request) {
	return func(req *proto.Request) {
		req.PutInt64(proto.LeafAtime, atime.UnixNano())
		req.PutInt64(proto.LeafMtime, mtime.UnixNano())
	}
}

func putFlags(flags uint32) func(*proto.Request) {
	return func(req *proto.Request) {
		req.PutInt32(proto.LeafFileFlags, int32(flags)) //nolint:gosec // G115: bit pattern preserved
	}
}

func putPath2(p string) func(*proto.Request) {
	return func(req *proto.Request) { req.PutString(proto.LeafPath2, p) }
}

func (h *Host) Remove(path string) error { return h.simple(proto.OpRemove, path, nil) }
func (h *Host) Rmdir(path string) error  { return h.simple(proto.OpRmdir, path, nil) }

func (h *Host) Mkdir(path string, mode uint32) error {
	return h.simple(proto.OpMkdir, path, putMode(mode))
}

func (h *Host) Chmod(path string, mode uint32) error {
	return h.simple(proto.OpChmod, path, putMode(mode))
}

func (h *Host) Lchmod(path string, mode uint32) error {
	return h.simple(proto.OpLchmod, path, putMode(mode))
}

func (h *Host) Chown(path string, uid, gid uint32) error {
	return h.simple(proto.OpChown, path, putOwner(uid, gid))
}

func (h *Host) Lchown(path string, uid, gid uint32) error {
	return h.simple(proto.OpLchown, path, putOwner(uid, gid))
}

func (h *Host) Mknod(path string, mode uint32, rdev uint64) error {
	return h.simple(proto.OpMknod, path, func(req *proto.Request) {
		req.PutInt32(proto.LeafMode, int32(mode)) //nolint:gosec // G115: bit pattern preserved
		req.PutInt64(proto.LeafRdev, int64(rdev)) //nolint:gosec // G115: bit pattern preserved
	})
}

func (h *Host) Link(oldPath, newPath string) error {
	return h.simple(proto.OpLink, oldPath, putPath2(newPath))
}

func (h *Host) Rename(oldPath, newPath string) error {
	return h.simple(proto.OpRename, oldPath, putPath2(newPath))
}

func (h *Host) Symlink(target, path string) error {
	return h.simple(proto.OpSymlink, path, putPath2(target))
}

func (h *Host) Readlink(path string) (string, error) {
	items, err := h.call(proto.OpReadlink, path, withPath(path))
	if err != nil {
		return "", err
	}
	it, _ := findItem(items, proto.LeafPath2)
	return it.String(), nil
}

func (h *Host) Utimes(path string, atime, mtime time.Time) error {
	return h.simple(proto.OpUtimes, path, putTimes(atime, mtime))
}

func (h *Host) Lutimes(path string, atime, mtime time.Time) error {
	return h.simple(proto.OpLutimes, path, putTimes(atime, mtime))
}

func (h *Host) Chflags(path string, flags uint32) error {
	return h.simple(proto.OpChflags, path, putFlags(flags))
}

func (h *Host) Lchflags(path string, flags uint32) error {
	return h.simple(proto.OpLchflags, path, putFlags(flags))
}

func (h *Host) Umask(mask uint32) (uint32, error) {
	items, err := h.call(proto.OpUmask, "", func(req *proto.Request) {
		req.PutInt32(proto.LeafMask, int32(mask)) //nolint:gosec // G115: umask is 9 bits
	})
	if err != nil {
		return 0, err
	}
	it, _ := findItem(items, proto.LeafMask)
	return uint32(it.Int32()), nil //nolint:gosec // G115: umask is 9 bits
}

func (h *Host) Geteuid() (uint32, error) {
	items, err := h.call(proto.OpGeteuid, "", nil)
	if err != nil {
		return 0, err
	}
	it, ok := findItem(items, proto.LeafUID)
	if !ok {
		return 0, h.lose(fmt.Errorf("%w: geteuid reply without uid", proto.ErrProtocol))
	}
	return uint32(it.Int32()), nil //nolint:gosec // G115: bit pattern preserved
}

func (h *Host) Getgroups() ([]uint32, error) {
	items, err := h.call(proto.OpGetgroups, "", nil)
	if err != nil {
		return nil, err
	}
	groups := make([]uint32, 0, len(items))
	for _, it := range items {
		if it.Leaf == proto.LeafGroup {
			groups = append(groups, uint32(it.Int32())) //nolint:gosec // G115: bit pattern preserved
		}
	}
	return groups, nil
}

func (h *Host) Hostname() string { return h.hostname }
func (*Host) IsLocal() bool      { return false }

// Version returns the protocol version the peer announced.
func (h *Host) Version() int32 { return h.version }

// Close forgets every handle (the peer closes its side when the stream
// ends) and closes the underlying connection.
func (h *Host) Close() error {
	h.fds.Drain(func(transport.DescKind, any) {})
	if h.closer == nil {
		return nil
	}
	err := h.closer.Close()
	h.closer = nil
	return err
}
