// Package filter holds the per-directory name lists used while mirroring a
// directory: names excluded from the copy (exact or shell wildcard) and the
// destination entries not yet matched by a source entry.
package filter

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/bamsammich/treedup/internal/transport"
)

// Role tells what an entry of a List stands for.
type Role uint8

const (
	// RoleIgnore excludes one exact name.
	RoleIgnore Role = iota + 1
	// RoleIgnoreWild excludes every name matching a shell wildcard.
	RoleIgnoreWild
	// RoleDestScan records a destination entry and its lstat snapshot.
	RoleDestScan
)

func (r Role) String() string {
	switch r {
	case RoleIgnore:
		return "ignore"
	case RoleIgnoreWild:
		return "ignore-wild"
	case RoleDestScan:
		return "dest-scan"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Entry is one name in a List.
type Entry struct {
	Name string
	Role Role
	Stat transport.Stat // RoleDestScan only

	re *regexp.Regexp
}

type key struct {
	name string
	role Role
}

// List is the set of names attached to one directory pass. It is discarded
// when the pass ends.
type List struct {
	byKey map[key]*Entry
	wild  []*Entry
}

// NewList creates an empty list.
func NewList() *List {
	return &List{byKey: make(map[key]*Entry)}
}

// Add inserts name with role. Adding an existing (name, role) pair replaces
// its stat snapshot.
func (l *List) Add(name string, role Role, st transport.Stat) error {
	k := key{name: name, role: role}
	if e, ok := l.byKey[k]; ok {
		e.Stat = st
		return nil
	}
	e := &Entry{Name: name, Role: role, Stat: st}
	if role == RoleIgnoreWild {
		re, err := compileWildcard(name)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", name, err)
		}
		e.re = re
		l.wild = append(l.wild, e)
	}
	l.byKey[k] = e
	return nil
}

// AddExclusion adds an exclusion, picking RoleIgnoreWild when the name
// contains wildcard characters and RoleIgnore otherwise.
func (l *List) AddExclusion(name string) error {
	if hasWildcard(name) {
		return l.Add(name, RoleIgnoreWild, transport.Stat{})
	}
	return l.Add(name, RoleIgnore, transport.Stat{})
}

// Excluded reports whether name matches an exact or wildcard exclusion.
func (l *List) Excluded(name string) bool {
	if _, ok := l.byKey[key{name: name, role: RoleIgnore}]; ok {
		return true
	}
	for _, e := range l.wild {
		if e.re.MatchString(name) {
			return true
		}
	}
	return false
}

// Lookup returns the entry stored for (name, role).
func (l *List) Lookup(name string, role Role) (Entry, bool) {
	e, ok := l.byKey[key{name: name, role: role}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove deletes (name, role) and reports whether it was present.
func (l *List) Remove(name string, role Role) bool {
	k := key{name: name, role: role}
	e, ok := l.byKey[k]
	if !ok {
		return false
	}
	delete(l.byKey, k)
	if role == RoleIgnoreWild {
		for i, w := range l.wild {
			if w == e {
				l.wild = append(l.wild[:i], l.wild[i+1:]...)
				break
			}
		}
	}
	return true
}

// Entries returns the entries with role, sorted by name.
func (l *List) Entries(role Role) []Entry {
	var out []Entry
	for k, e := range l.byKey {
		if k.role == role {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of entries with role.
func (l *List) Len(role Role) int {
	n := 0
	for k := range l.byKey {
		if k.role == role {
			n++
		}
	}
	return n
}
