package engine

import "github.com/bamsammich/treedup/internal/transport"

type inodeKey struct {
	dev, ino uint64
}

// linkRecord tracks one multiply linked source inode.
type linkRecord struct {
	firstDst string // destination path of the first copied instance
	dstDev   uint64
	dstIno   uint64 // zero until the first instance exists
	seen     uint64 // source paths processed so far
	nlink    uint64 // source link count
}

// hardlinks replays source hardlinks at the destination. Records are keyed
// by source device and inode and dropped once every source path of the
// inode has been seen.
type hardlinks struct {
	records map[inodeKey]*linkRecord
}

func newHardlinks() *hardlinks {
	return &hardlinks{records: make(map[inodeKey]*linkRecord)}
}

func keyOf(st transport.Stat) inodeKey {
	return inodeKey{dev: st.Dev, ino: st.Ino}
}

// lookup returns the record for the source inode of st.
func (h *hardlinks) lookup(st transport.Stat) (*linkRecord, bool) {
	rec, ok := h.records[keyOf(st)]
	return rec, ok
}

// add records the first instance of st, to be copied to dpath.
func (h *hardlinks) add(st transport.Stat, dpath string) *linkRecord {
	rec := &linkRecord{firstDst: dpath, seen: 1, nlink: st.Nlink}
	h.records[keyOf(st)] = rec
	return rec
}

// visit counts one more source path of st's inode and releases the record
// when all of them have been processed.
func (h *hardlinks) visit(st transport.Stat, rec *linkRecord) {
	rec.seen++
	if rec.seen >= rec.nlink {
		delete(h.records, keyOf(st))
	}
}

// release drops the record for st, e.g. after its first instance failed to
// copy.
func (h *hardlinks) release(st transport.Stat) {
	delete(h.records, keyOf(st))
}

// Len returns the number of inodes still waiting for siblings.
func (h *hardlinks) Len() int { return len(h.records) }
