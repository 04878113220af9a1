package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"github.com/bamsammich/treedup/internal/transport"
)

// ServerOpts configures a Server.
type ServerOpts struct {
	// ReadOnly rejects every mutating request with EPERM.
	ReadOnly bool
}

// Server is the peer side of a host-control connection. It executes each
// request against a host (normally transport.Local) and writes the reply.
type Server struct {
	host transport.Host
	opts ServerOpts
}

// NewServer creates a server executing requests on host.
func NewServer(host transport.Host, opts ServerOpts) *Server {
	return &Server{host: host, opts: opts}
}

// Serve answers requests read from r until r reaches EOF. Handles still
// open when the stream ends are closed along with the host.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	defer s.host.Close()

	rw := newReplyWriter(w)
	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if f.IsReply() || f.Continues() {
			return fmt.Errorf("%w: unexpected flags 0x%x on request", ErrProtocol, f.Cmd&flagMask)
		}

		a, err := decodeArgs(f)
		if err != nil {
			return fmt.Errorf("decode %s: %w", f.Opcode(), err)
		}

		op := f.Opcode()
		rw.start(op, f.ID)
		err = s.dispatch(op, a, rw)
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Debug("request failed", "op", op, "error", err)
		}
		if err := rw.finish(errnoOf(err)); err != nil {
			return fmt.Errorf("write %s reply: %w", op, err)
		}
	}
}

// errnoOf maps a handler error to the code carried in the reply header.
func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return int32(syscall.ENAMETOOLONG)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno) //nolint:gosec // G115: errno values are small
	}
	return int32(syscall.EIO)
}

// args holds the items of one request by leaf. Requests never chain and
// never repeat a leaf.
type args map[Leaf]Item

func decodeArgs(f *frame) (args, error) {
	a := args{}
	for {
		it, err := f.next()
		if errors.Is(err, io.EOF) {
			return a, nil
		}
		if err != nil {
			return nil, err
		}
		a[it.Leaf] = it
	}
}

func (a args) item(leaf Leaf, kinds ...Kind) (Item, error) {
	it, ok := a[leaf]
	if !ok {
		return Item{}, syscall.EINVAL
	}
	for _, k := range kinds {
		if it.Kind == k {
			return it, nil
		}
	}
	return Item{}, syscall.EINVAL
}

func (a args) str(leaf Leaf) (string, error) {
	it, err := a.item(leaf, KindString)
	return it.String(), err
}

func (a args) int32(leaf Leaf) (int32, error) {
	it, err := a.item(leaf, KindInt32)
	return it.Int32(), err
}

func (a args) uint32(leaf Leaf) (uint32, error) {
	v, err := a.int32(leaf)
	return uint32(v), err //nolint:gosec // G115: bit pattern preserved
}

func (a args) int64(leaf Leaf) (int64, error) {
	it, err := a.item(leaf, KindInt64, KindInt32)
	return it.Int64(), err
}

func (a args) bytes(leaf Leaf) ([]byte, error) {
	it, err := a.item(leaf, KindBinary)
	return it.Bytes(), err
}

// replyWriter builds a reply, splitting it into a chain of frames whenever
// the next item would not fit in the current one.
type replyWriter struct {
	w       io.Writer
	flusher WriteFlusher
	b       frameBuilder
	op      Opcode
	id      uint16
	err     error
}

func newReplyWriter(w io.Writer) *replyWriter {
	rw := &replyWriter{w: w, b: newFrameBuilder(binary.NativeEndian)}
	if f, ok := w.(WriteFlusher); ok {
		rw.flusher = f
	}
	return rw
}

func (rw *replyWriter) start(op Opcode, id uint16) {
	rw.op, rw.id, rw.err = op, id, nil
	rw.b.reset()
}

func (rw *replyWriter) write(flags uint16, errno int32) error {
	if rw.err != nil {
		return rw.err
	}
	buf := rw.b.seal(uint16(rw.op)|flags, rw.id, errno)
	n, err := rw.w.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err == nil && rw.flusher != nil {
		err = rw.flusher.Flush()
	}
	rw.b.reset()
	rw.err = err
	return err
}

// room makes space for an item with an n-byte payload, sending the current
// frame as a continuation if needed.
func (rw *replyWriter) room(n int) {
	if !rw.b.fits(n) && !rw.b.empty() {
		rw.write(FlagReply|FlagContinue, 0) //nolint:errcheck // kept in rw.err
	}
}

func (rw *replyWriter) putInt32(leaf Leaf, v int32) {
	rw.room(4)
	rw.b.putInt32(leaf, v)
}

func (rw *replyWriter) putInt64(leaf Leaf, v int64) {
	rw.room(8)
	rw.b.putInt64(leaf, v)
}

func (rw *replyWriter) putString(leaf Leaf, s string) {
	rw.room(len(s) + 1)
	rw.b.putString(leaf, s)
}

func (rw *replyWriter) putBytes(leaf Leaf, p []byte) {
	rw.room(len(p))
	rw.b.putBytes(leaf, p)
}

func (rw *replyWriter) putStat(st transport.Stat) {
	// A stat record never straddles frames.
	if !rw.b.hasRoom(statRecordSize) && !rw.b.empty() {
		rw.write(FlagReply|FlagContinue, 0) //nolint:errcheck // kept in rw.err
	}
	putStat(&rw.b, st)
}

// finish sends the final frame. A failed request carries no items.
func (rw *replyWriter) finish(errno int32) error {
	if errno != 0 || rw.b.err != nil {
		if errno == 0 {
			errno = errnoOf(rw.b.err)
		}
		rw.b.reset()
	}
	return rw.write(FlagReply, errno)
}
