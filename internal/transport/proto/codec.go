package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants of the host-control protocol.
const (
	Magic          uint32 = 0x48435052 // "HCPR"
	HeaderSize            = 16
	ItemHeaderSize        = 8
	Align                 = 8

	// MaxFrameSize bounds every frame; a declared length at or beyond it
	// is rejected.
	MaxFrameSize = 65536

	// frameLimit is the largest aligned length below MaxFrameSize.
	frameLimit = MaxFrameSize - Align

	// MaxItemPayload is the largest payload a single item can carry.
	MaxItemPayload = frameLimit - HeaderSize - ItemHeaderSize
)

// Command flag bits.
const (
	FlagReply    uint16 = 0x8000
	FlagContinue uint16 = 0x4000
	flagMask            = FlagReply | FlagContinue
)

// Kind is the value type carried by an item (the low nibble of its tag).
type Kind uint8

const (
	KindInt32  Kind = 0x1
	KindInt64  Kind = 0x2
	KindString Kind = 0x3
	KindBinary Kind = 0xF
)

var (
	ErrProtocol    = errors.New("hc protocol error")
	ErrBadMagic    = fmt.Errorf("%w: bad magic", ErrProtocol)
	ErrFrameLength = fmt.Errorf("%w: bad frame length", ErrProtocol)
	ErrItemLength  = fmt.Errorf("%w: bad item length", ErrProtocol)
	ErrItemKind    = fmt.Errorf("%w: bad item kind", ErrProtocol)
	ErrDesync      = fmt.Errorf("%w: reply does not match request", ErrProtocol)
)

// Header is the fixed 16-byte frame header. Bytes is the total aligned frame
// length, header included.
type Header struct {
	Bytes uint32
	Cmd   uint16
	ID    uint16
	Error int32
}

// Opcode returns the command without its flag bits.
func (h Header) Opcode() Opcode { return Opcode(h.Cmd &^ flagMask) }

func (h Header) IsReply() bool   { return h.Cmd&FlagReply != 0 }
func (h Header) Continues() bool { return h.Cmd&FlagContinue != 0 }

func alignUp(n uint64) uint64 { return (n + Align - 1) &^ (Align - 1) }

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, order binary.ByteOrder, h Header) {
	order.PutUint32(buf[0:4], Magic)
	order.PutUint32(buf[4:8], h.Bytes)
	order.PutUint16(buf[8:10], h.Cmd)
	order.PutUint16(buf[10:12], h.ID)
	order.PutUint32(buf[12:16], uint32(h.Error)) //nolint:gosec // G115: errno round-trips through the wire
}

// DecodeHeader parses a frame header and reports the sender's byte order,
// detected from the magic.
func DecodeHeader(buf []byte) (Header, binary.ByteOrder, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrFrameLength
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf[0:4]) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf[0:4]) == Magic:
		order = binary.BigEndian
	default:
		return Header{}, nil, ErrBadMagic
	}
	h := Header{
		Bytes: order.Uint32(buf[4:8]),
		Cmd:   order.Uint16(buf[8:10]),
		ID:    order.Uint16(buf[10:12]),
		Error: int32(order.Uint32(buf[12:16])), //nolint:gosec // G115: errno round-trips through the wire
	}
	if h.Bytes < HeaderSize || h.Bytes >= MaxFrameSize || h.Bytes%Align != 0 {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrFrameLength, h.Bytes)
	}
	return h, order, nil
}

// Item is one decoded tagged value. Its payload aliases the frame buffer.
type Item struct {
	Leaf    Leaf
	Kind    Kind
	payload []byte
	order   binary.ByteOrder
}

func (it Item) Int32() int32 {
	if it.Kind != KindInt32 {
		return 0
	}
	return int32(it.order.Uint32(it.payload)) //nolint:gosec // G115: sign restored
}

// Int64 returns the value of an int64 item, widening int32 items.
func (it Item) Int64() int64 {
	switch it.Kind {
	case KindInt64:
		return int64(it.order.Uint64(it.payload)) //nolint:gosec // G115: sign restored
	case KindInt32:
		return int64(it.Int32())
	default:
		return 0
	}
}

// String returns a string item's value without its terminating NUL.
func (it Item) String() string {
	if it.Kind != KindString {
		return ""
	}
	return string(it.payload[:len(it.payload)-1])
}

func (it Item) Bytes() []byte { return it.payload }

// AppendItem appends one aligned item to buf. String items must already
// carry their terminating NUL in payload.
func AppendItem(buf []byte, order binary.ByteOrder, leaf Leaf, kind Kind, payload []byte) []byte {
	size := ItemHeaderSize + len(payload)
	var hdr [ItemHeaderSize]byte
	order.PutUint16(hdr[0:2], uint16(leaf)<<4|uint16(kind))
	order.PutUint32(hdr[4:8], uint32(size)) //nolint:gosec // G115: bounded by the caller
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	for pad := alignUp(uint64(size)) - uint64(size); pad > 0; pad-- {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeItem decodes the item at off within frame and returns it together
// with the offset of the next item. All bounds are checked in 64-bit
// arithmetic against len(frame).
func DecodeItem(frame []byte, off int, order binary.ByteOrder) (Item, int, error) {
	end := uint64(len(frame))
	if uint64(off)+ItemHeaderSize > end {
		return Item{}, 0, fmt.Errorf("%w: truncated item header at %d", ErrItemLength, off)
	}
	tag := order.Uint16(frame[off : off+2])
	size := uint64(order.Uint32(frame[off+4 : off+8]))
	if size < ItemHeaderSize || uint64(off)+alignUp(size) > end {
		return Item{}, 0, fmt.Errorf("%w: %d at %d", ErrItemLength, size, off)
	}
	it := Item{
		Leaf:    Leaf(tag >> 4),
		Kind:    Kind(tag & 0xF),
		payload: frame[off+ItemHeaderSize : off+int(size)], //nolint:gosec // G115: size bounded above
		order:   order,
	}
	switch it.Kind {
	case KindInt32:
		if len(it.payload) != 4 {
			return Item{}, 0, fmt.Errorf("%w: int32 of %d bytes", ErrItemLength, len(it.payload))
		}
	case KindInt64:
		if len(it.payload) != 8 {
			return Item{}, 0, fmt.Errorf("%w: int64 of %d bytes", ErrItemLength, len(it.payload))
		}
	case KindString:
		if len(it.payload) == 0 || it.payload[len(it.payload)-1] != 0 {
			return Item{}, 0, fmt.Errorf("%w: unterminated string", ErrItemLength)
		}
	case KindBinary:
	default:
		return Item{}, 0, fmt.Errorf("%w: 0x%x", ErrItemKind, it.Kind)
	}
	return it, int(uint64(off) + alignUp(size)), nil //nolint:gosec // G115: bounded by len(frame)
}
