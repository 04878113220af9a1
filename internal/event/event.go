package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	// Copied: a regular file's data was written.
	Copied Type = iota + 1
	// Linked: a hardlink was created (replayed link or reference tree).
	Linked
	// Created: a symlink, device node or FIFO was (re)created.
	Created
	DirCreated
	// Updated: only ownership, mode, times or flags were corrected.
	Updated
	Removed
	// WouldRemove: a removal suppressed by no-remove mode or declined at the
	// prompt.
	WouldRemove
	Skipped
	Failed
)

var typeNames = [...]string{
	Copied:      "Copied",
	Linked:      "Linked",
	Created:     "Created",
	DirCreated:  "DirCreated",
	Updated:     "Updated",
	Removed:     "Removed",
	WouldRemove: "WouldRemove",
	Skipped:     "Skipped",
	Failed:      "Failed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event reports one operation of the mirroring engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // destination path
	Source    string // source path, or the link origin for Linked
	Size      int64
	Error     error
}
