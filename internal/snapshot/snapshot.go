// Package snapshot models immutable directory listings and computes
// ordered patches between them.
package snapshot

import (
	"sort"
	"strings"
)

// Entry is a single filesystem item in a snapshot. Directory entries
// carry a trailing "/" in RelPath. A non-empty Hash marks a
// content-hashed entry; its stat fields are zero.
type Entry struct {
	RelPath string
	Size    int64
	MTime   int64 // ms since epoch
	Mode    uint32
	Hash    string
}

// IsDir reports whether the entry represents a directory.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.RelPath, "/")
}

// Snapshot is an immutable, lexicographically sorted entry listing.
type Snapshot struct {
	entries []Entry
	index   map[string]int
}

// New builds a snapshot from entries. The input is copied and sorted.
func New(entries []Entry) *Snapshot {
	s := &Snapshot{
		entries: make([]Entry, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	copy(s.entries, entries)
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].RelPath < s.entries[j].RelPath
	})
	for i, e := range s.entries {
		s.index[e.RelPath] = i
	}
	return s
}

// Empty returns a snapshot with no entries.
func Empty() *Snapshot {
	return New(nil)
}

// Entries returns the sorted entry list. Callers must not mutate it.
func (s *Snapshot) Entries() []Entry {
	return s.entries
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Get looks up an entry by its relative path (trailing "/" included
// for directories).
func (s *Snapshot) Get(relPath string) (Entry, bool) {
	i, ok := s.index[relPath]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}
