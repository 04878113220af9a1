package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// ErrConnLost marks a connection whose byte streams broke. Every later call
// on the same Conn fails with it.
var ErrConnLost = errors.New("hc connection lost")

// WriteFlusher is implemented by writers that buffer output and need an
// explicit flush after every frame (compressed streams).
type WriteFlusher interface {
	Flush() error
}

// Conn is the client half of a host-control connection. It carries one
// transaction at a time and is not safe for concurrent use.
type Conn struct {
	r       io.Reader
	w       io.Writer
	flusher WriteFlusher
	out     frameBuilder
	nextID  uint16
	pending *Reply
	err     error
}

// NewConn creates a connection that writes requests to w and reads replies
// from r. If w implements WriteFlusher it is flushed after every request.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{r: r, w: w, out: newFrameBuilder(binary.NativeEndian)}
	if f, ok := w.(WriteFlusher); ok {
		c.flusher = f
	}
	return c
}

// SetByteOrder changes the order requests are encoded in. Peers decode
// either order.
func (c *Conn) SetByteOrder(order binary.ByteOrder) {
	c.out.order = order
}

// Err returns the error that broke the connection, if any.
func (c *Conn) Err() error { return c.err }

func (c *Conn) fail(err error) error {
	if c.err == nil {
		if errors.Is(err, ErrProtocol) {
			c.err = err
		} else {
			c.err = fmt.Errorf("%w: %w", ErrConnLost, err)
		}
	}
	return c.err
}

// Request is an outgoing frame under construction. Put calls that would
// overflow the frame record ErrFrameTooLarge, returned by Finish.
type Request struct {
	c  *Conn
	op Opcode
	id uint16
}

// Start begins a new transaction. An unfinished reply chain from the
// previous transaction is drained first.
func (c *Conn) Start(op Opcode) *Request {
	if c.pending != nil {
		c.pending.Drain() //nolint:errcheck // a failure is kept in c.err
		c.pending = nil
	}
	c.nextID++
	c.out.reset()
	return &Request{c: c, op: op, id: c.nextID}
}

func (r *Request) PutInt32(leaf Leaf, v int32)   { r.c.out.putInt32(leaf, v) }
func (r *Request) PutInt64(leaf Leaf, v int64)   { r.c.out.putInt64(leaf, v) }
func (r *Request) PutString(leaf Leaf, s string) { r.c.out.putString(leaf, s) }
func (r *Request) PutBytes(leaf Leaf, p []byte)  { r.c.out.putBytes(leaf, p) }

// Finish sends the request and reads the first frame of the reply. Errors
// returned here are transport or protocol failures; the peer's operation
// result is in Reply.Err.
func (r *Request) Finish() (*Reply, error) {
	c := r.c
	if c.err != nil {
		return nil, c.err
	}
	if err := c.out.err; err != nil {
		return nil, fmt.Errorf("%s: %w", r.op, err)
	}

	buf := c.out.seal(uint16(r.op), r.id, 0)
	n, err := c.w.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err == nil && c.flusher != nil {
		err = c.flusher.Flush()
	}
	if err != nil {
		return nil, c.fail(fmt.Errorf("send %s: %w", r.op, err))
	}

	f, err := c.readReply(r.op, r.id, nil)
	if err != nil {
		return nil, err
	}
	rep := &Reply{c: c, op: r.op, id: r.id, cur: f, errno: f.Error}
	c.pending = rep
	return rep, nil
}

// readReply reads one reply frame and checks that it answers (op, id). When
// order is set the frame must be encoded in it.
func (c *Conn) readReply(op Opcode, id uint16, order binary.ByteOrder) (*frame, error) {
	f, err := readFrame(c.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, c.fail(fmt.Errorf("receive %s: %w", op, err))
	}
	if !f.IsReply() || f.ID != id || f.Opcode() != op {
		return nil, c.fail(fmt.Errorf("%w: sent %s/%d, got %s/%d",
			ErrDesync, op, id, f.Opcode(), f.ID))
	}
	if order != nil && f.order != order {
		return nil, c.fail(fmt.Errorf("%w: byte order changed within a chain", ErrProtocol))
	}
	return f, nil
}

// Reply is the lazily read result of one transaction. Its items may span
// any number of chained frames.
type Reply struct {
	c     *Conn
	op    Opcode
	id    uint16
	cur   *frame
	errno int32
	done  bool
}

// Err returns the peer's error code as a syscall.Errno, or nil. A chain
// that fails midway reports the error of its last frame.
func (rep *Reply) Err() error {
	if rep.errno == 0 {
		return nil
	}
	return syscall.Errno(rep.errno)
}

// Next returns the next item of the reply, reading continuation frames as
// needed. It returns io.EOF after the last item of the chain.
func (rep *Reply) Next() (Item, error) {
	for {
		if rep.done {
			return Item{}, io.EOF
		}
		it, err := rep.cur.next()
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, io.EOF) {
			rep.done = true
			return Item{}, rep.c.fail(err)
		}
		if !rep.cur.Continues() {
			rep.done = true
			if rep.c.pending == rep {
				rep.c.pending = nil
			}
			return Item{}, io.EOF
		}
		f, err := rep.c.readReply(rep.op, rep.id, rep.cur.order)
		if err != nil {
			rep.done = true
			return Item{}, err
		}
		if f.Error != 0 {
			rep.errno = f.Error
		}
		rep.cur = f
	}
}

// Drain discards the remaining items of the chain.
func (rep *Reply) Drain() error {
	for {
		if _, err := rep.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
