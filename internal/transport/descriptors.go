package transport

import (
	"io/fs"
	"math"
	"strconv"
	"syscall"
)

// DescKind tags the resource a descriptor handle refers to.
type DescKind uint8

const (
	DescFile DescKind = iota + 1
	DescDir
	DescBuffer
)

func (k DescKind) String() string {
	switch k {
	case DescFile:
		return "file"
	case DescDir:
		return "dir"
	case DescBuffer:
		return "buffer"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// FirstDescriptor is the lowest handle ever handed out. Handles below it are
// reserved so that a zeroed handle on the wire never aliases an open file.
const FirstDescriptor = 3

type descriptor struct {
	res  any
	kind DescKind
}

// Descriptors maps small integer handles to open resources. Handles are
// allocated monotonically and never reused within one table, so a stale
// handle can never reach a newer resource. A table belongs to exactly one
// Host (or one server connection) and is not safe for concurrent use.
type Descriptors struct {
	entries map[int]descriptor
	next    int
}

// NewDescriptors creates an empty table.
func NewDescriptors() *Descriptors {
	return &Descriptors{
		entries: make(map[int]descriptor),
		next:    FirstDescriptor,
	}
}

// Alloc registers res and returns its handle. It fails with EMFILE once the
// handle space of the wire format is exhausted.
func (d *Descriptors) Alloc(kind DescKind, res any) (int, error) {
	if d.next >= math.MaxInt32 {
		return -1, syscall.EMFILE
	}
	fd := d.next
	d.next++
	d.entries[fd] = descriptor{kind: kind, res: res}
	return fd, nil
}

// Lookup returns the resource behind fd. An unknown handle, or one of a
// different kind, is EBADF.
func (d *Descriptors) Lookup(fd int, kind DescKind) (any, error) {
	ent, ok := d.entries[fd]
	if !ok || ent.kind != kind {
		return nil, badDescriptor(fd)
	}
	return ent.res, nil
}

// Kind reports what fd refers to.
func (d *Descriptors) Kind(fd int) (DescKind, bool) {
	ent, ok := d.entries[fd]
	return ent.kind, ok
}

// Free removes fd from the table and returns its resource for the caller to
// release. Freeing a handle twice is EBADF.
func (d *Descriptors) Free(fd int, kind DescKind) (any, error) {
	ent, ok := d.entries[fd]
	if !ok || ent.kind != kind {
		return nil, badDescriptor(fd)
	}
	delete(d.entries, fd)
	return ent.res, nil
}

// Len returns the number of open handles.
func (d *Descriptors) Len() int { return len(d.entries) }

// Drain removes every handle, passing each resource to release.
func (d *Descriptors) Drain(release func(kind DescKind, res any)) {
	for fd, ent := range d.entries {
		delete(d.entries, fd)
		release(ent.kind, ent.res)
	}
}

func badDescriptor(fd int) error {
	return &fs.PathError{Op: "descriptor", Path: strconv.Itoa(fd), Err: syscall.EBADF}
}
