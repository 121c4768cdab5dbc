package deps

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/siftdev/sift/internal/snapshot"
)

type wireFormat struct {
	RootDir      string              `json:"rootDir"`
	Dependencies map[string][]string `json:"dependencies"`
	FSTrees      []wireTree          `json:"fsTrees"`
}

type wireTree struct {
	FSRoot  string      `json:"fsRoot"`
	Entries []wireEntry `json:"entries"`
}

type wireEntry struct {
	RelativePath string `json:"relativePath"`
	Type         string `json:"type"` // "stat" or "hash"
	Size         int64  `json:"size,omitempty"`
	MTime        int64  `json:"mtime,omitempty"`
	Mode         uint32 `json:"mode,omitempty"`
	Hash         string `json:"hash,omitempty"`
}

// Serialize encodes the sealed tracker, its declarations, and the
// captured baselines as JSON.
func (t *Tracker) Serialize() ([]byte, error) {
	if !t.sealed || t.baselines == nil {
		return nil, errors.New("serialize dependencies: state not captured")
	}

	w := wireFormat{
		RootDir:      t.rootDir,
		Dependencies: t.depsByFile,
	}

	roots := make([]string, 0, len(t.baselines))
	for root := range t.baselines {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		kind := "stat"
		if root != externalRoot {
			kind = "hash"
		}
		tree := wireTree{FSRoot: root}
		for _, e := range t.baselines[root].Entries() {
			we := wireEntry{RelativePath: e.RelPath, Type: kind}
			if kind == "hash" {
				we.Hash = e.Hash
			} else {
				we.Size = e.Size
				we.MTime = e.MTime
				we.Mode = e.Mode
			}
			tree.Entries = append(tree.Entries, we)
		}
		w.FSTrees = append(w.FSTrees, tree)
	}

	return json.Marshal(w)
}

// Deserialize decodes data into a sealed tracker with its baselines
// restored. When rootDir differs from the stored root, the tracker and
// every dependency path under the old root are rebased onto rootDir.
func Deserialize(fsys afero.Fs, data []byte, rootDir string) (*Tracker, error) {
	var w wireFormat
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}

	oldRoot := filepath.Clean(w.RootDir)
	newRoot := oldRoot
	if rootDir != "" {
		newRoot = filepath.Clean(rootDir)
	}

	t := New(fsys, newRoot)
	for rel, paths := range w.Dependencies {
		rebased := make([]string, len(paths))
		for i, p := range paths {
			rebased[i] = rebase(p, oldRoot, newRoot)
		}
		t.depsByFile[rel] = rebased
	}
	t.Seal()

	t.baselines = make(map[string]*snapshot.Snapshot, len(w.FSTrees))
	for _, tree := range w.FSTrees {
		root := tree.FSRoot
		if root != externalRoot {
			root = rebase(root, oldRoot, newRoot)
		}
		entries := make([]snapshot.Entry, 0, len(tree.Entries))
		for _, we := range tree.Entries {
			e := snapshot.Entry{RelPath: we.RelativePath}
			if we.Type == "hash" {
				e.Hash = we.Hash
			} else {
				e.Size = we.Size
				e.MTime = we.MTime
				e.Mode = we.Mode
			}
			entries = append(entries, e)
		}
		t.baselines[root] = snapshot.New(entries)
	}

	// Roots with no stored tree still need a baseline so Invalidated
	// can diff against something.
	for root := range t.byRoot {
		if _, ok := t.baselines[root]; !ok {
			t.baselines[root] = snapshot.Empty()
		}
	}

	return t, nil
}

func rebase(p, oldRoot, newRoot string) string {
	if oldRoot == newRoot {
		return p
	}
	if p == oldRoot {
		return newRoot
	}
	if strings.HasPrefix(p, oldRoot+string(filepath.Separator)) {
		return filepath.Join(newRoot, p[len(oldRoot)+1:])
	}
	return p
}
