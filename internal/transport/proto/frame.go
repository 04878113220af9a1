package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is recorded when an item would push a frame past
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// frameBuilder accumulates the items of one outgoing frame. The header is
// reserved at the start of buf and stamped by seal.
type frameBuilder struct {
	buf   []byte
	order binary.ByteOrder
	err   error
}

func newFrameBuilder(order binary.ByteOrder) frameBuilder {
	return frameBuilder{buf: make([]byte, HeaderSize, MaxFrameSize), order: order}
}

func (b *frameBuilder) reset() {
	b.buf = b.buf[:HeaderSize]
	b.err = nil
}

func (b *frameBuilder) empty() bool { return len(b.buf) == HeaderSize }

// fits reports whether an item with an n-byte payload still fits.
func (b *frameBuilder) fits(n int) bool {
	return b.hasRoom(alignUp(uint64(ItemHeaderSize + n)))
}

func (b *frameBuilder) hasRoom(total uint64) bool {
	return uint64(len(b.buf))+total <= frameLimit
}

func (b *frameBuilder) put(leaf Leaf, kind Kind, payload []byte) {
	if b.err != nil {
		return
	}
	if !b.fits(len(payload)) {
		b.err = ErrFrameTooLarge
		return
	}
	b.buf = AppendItem(b.buf, b.order, leaf, kind, payload)
}

func (b *frameBuilder) putInt32(leaf Leaf, v int32) {
	var p [4]byte
	b.order.PutUint32(p[:], uint32(v)) //nolint:gosec // G115: two's complement on the wire
	b.put(leaf, KindInt32, p[:])
}

func (b *frameBuilder) putInt64(leaf Leaf, v int64) {
	var p [8]byte
	b.order.PutUint64(p[:], uint64(v)) //nolint:gosec // G115: two's complement on the wire
	b.put(leaf, KindInt64, p[:])
}

func (b *frameBuilder) putString(leaf Leaf, s string) {
	p := make([]byte, len(s)+1)
	copy(p, s)
	b.put(leaf, KindString, p)
}

func (b *frameBuilder) putBytes(leaf Leaf, p []byte) {
	b.put(leaf, KindBinary, p)
}

// seal stamps the header and returns the finished frame.
func (b *frameBuilder) seal(cmd, id uint16, errno int32) []byte {
	EncodeHeader(b.buf, b.order, Header{
		Bytes: uint32(len(b.buf)), //nolint:gosec // G115: bounded by frameLimit
		Cmd:   cmd,
		ID:    id,
		Error: errno,
	})
	return b.buf
}

// frame is one received frame and the read position within its items.
type frame struct {
	Header
	order binary.ByteOrder
	buf   []byte
	off   int
}

// readFrame reads one complete frame. The body is read into a fresh buffer,
// so items decoded from earlier frames stay valid.
func readFrame(r io.Reader) (*frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, order, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, h.Bytes)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return &frame{Header: h, order: order, buf: buf, off: HeaderSize}, nil
}

// next decodes the next item, returning io.EOF at the end of this frame.
func (f *frame) next() (Item, error) {
	if f.off >= len(f.buf) {
		return Item{}, io.EOF
	}
	it, next, err := DecodeItem(f.buf, f.off, f.order)
	if err != nil {
		return Item{}, err
	}
	f.off = next
	return it, nil
}
