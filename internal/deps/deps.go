// Package deps tracks user-declared cross-file dependencies and
// computes which files need reprocessing when those dependencies
// change.
//
// Dependencies inside the tracked root are fingerprinted by content:
// the surrounding pipeline rewrites them many times per build with
// identical bytes, and stat-based comparison would invalidate on every
// pass. Dependencies outside the root are compared by (size, mtime,
// mode), which is cheap to recompute.
package deps

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/siftdev/sift/internal/fingerprint"
	"github.com/siftdev/sift/internal/snapshot"
)

// ErrSealed is returned when declarations arrive after Seal.
var ErrSealed = errors.New("dependencies are sealed")

// externalRoot keys the fs-tree holding dependencies outside the
// tracked root. Entries under it use absolute paths.
const externalRoot = "/"

// Tracker records per-file declared dependencies, a reverse index, and
// baseline filesystem state for invalidation.
type Tracker struct {
	fsys    afero.Fs
	rootDir string

	depsByFile map[string][]string // relative path -> ordered absolute paths

	sealed     bool
	dependents map[string][]string            // absolute path -> relative paths
	byRoot     map[string]map[string]struct{} // fs root -> path keys relative to that root
	baselines  map[string]*snapshot.Snapshot
}

// New returns an unsealed tracker for the given absolute root.
func New(fsys afero.Fs, rootDir string) *Tracker {
	return &Tracker{
		fsys:       fsys,
		rootDir:    filepath.Clean(rootDir),
		depsByFile: make(map[string][]string),
	}
}

// RootDir returns the tracked input root.
func (t *Tracker) RootDir() string {
	return t.rootDir
}

// Sealed reports whether declarations are frozen.
func (t *Tracker) Sealed() bool {
	return t.sealed
}

// Set declares the dependencies of relPath. Absolute paths are kept
// as-is; relative paths resolve against the directory of relPath
// inside the root. Order is preserved, duplicates dropped.
func (t *Tracker) Set(relPath string, paths []string) error {
	if t.sealed {
		return fmt.Errorf("set dependencies of %s: %w", relPath, ErrSealed)
	}
	resolved := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(p) {
			abs = filepath.Join(t.rootDir, filepath.FromSlash(path.Dir(relPath)), filepath.FromSlash(p))
		}
		abs = filepath.Clean(abs)
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		resolved = append(resolved, abs)
	}
	t.depsByFile[relPath] = resolved
	return nil
}

// DependenciesOf returns the declared dependencies of relPath.
func (t *Tracker) DependenciesOf(relPath string) []string {
	return t.depsByFile[relPath]
}

// Seal freezes declarations and builds the reverse index and the
// per-root dependency sets. Idempotent after the first call.
func (t *Tracker) Seal() {
	if t.sealed {
		return
	}
	t.sealed = true
	t.dependents = make(map[string][]string)
	t.byRoot = map[string]map[string]struct{}{
		t.rootDir:    {},
		externalRoot: {},
	}

	files := make([]string, 0, len(t.depsByFile))
	for f := range t.depsByFile {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		for _, abs := range t.depsByFile[f] {
			root, key := t.split(abs)
			t.byRoot[root][key] = struct{}{}
			t.dependents[abs] = append(t.dependents[abs], f)
		}
	}
}

// split classifies an absolute dependency path into its fs root and
// the key it is tracked under within that root.
func (t *Tracker) split(abs string) (root, key string) {
	rel, err := filepath.Rel(t.rootDir, abs)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return t.rootDir, filepath.ToSlash(rel)
	}
	return externalRoot, abs
}

// CaptureState records the current filesystem state of every declared
// dependency as the baseline for the next invalidation query.
func (t *Tracker) CaptureState() error {
	if !t.sealed {
		return errors.New("capture dependency state: not sealed")
	}
	baselines := make(map[string]*snapshot.Snapshot, len(t.byRoot))
	for root, keys := range t.byRoot {
		snap, err := t.stateOf(root, keys)
		if err != nil {
			return err
		}
		baselines[root] = snap
	}
	t.baselines = baselines
	return nil
}

func (t *Tracker) stateOf(root string, keys map[string]struct{}) (*snapshot.Snapshot, error) {
	entries := make([]snapshot.Entry, 0, len(keys))
	for key := range keys {
		if root == externalRoot {
			entries = append(entries, t.statEntry(key))
			continue
		}
		e, err := t.hashEntry(root, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return snapshot.New(entries), nil
}

// hashEntry fingerprints a dependency inside the root. A missing file
// is recorded with an empty hash so a later appearance diffs as a
// change.
func (t *Tracker) hashEntry(root, key string) (snapshot.Entry, error) {
	full := filepath.Join(root, filepath.FromSlash(key))
	data, err := afero.ReadFile(t.fsys, full)
	if err != nil {
		return snapshot.Entry{RelPath: key}, nil
	}
	return snapshot.Entry{RelPath: key, Hash: fingerprint.Sum(data)}, nil
}

// statEntry records (size, mtime, mode) for a dependency outside the
// root. Missing files get a zero entry.
func (t *Tracker) statEntry(abs string) snapshot.Entry {
	info, err := t.fsys.Stat(abs)
	if err != nil {
		return snapshot.Entry{RelPath: abs}
	}
	return snapshot.Entry{
		RelPath: abs,
		Size:    info.Size(),
		MTime:   info.ModTime().UnixMilli(),
		Mode:    uint32(info.Mode()),
	}
}

// Invalidated recomputes dependency state, diffs it against the
// baseline, and returns the sorted unique relative paths whose
// dependencies changed. The fresh state is adopted as the new
// baseline.
func (t *Tracker) Invalidated() ([]string, error) {
	if !t.sealed || t.baselines == nil {
		return nil, errors.New("invalidated files: dependency state not captured")
	}

	invalid := make(map[string]struct{})
	current := make(map[string]*snapshot.Snapshot, len(t.byRoot))
	for root, keys := range t.byRoot {
		snap, err := t.stateOf(root, keys)
		if err != nil {
			return nil, err
		}
		current[root] = snap

		for _, op := range snapshot.Diff(t.baselines[root], snap) {
			abs := op.RelPath
			if root != externalRoot {
				abs = filepath.Join(root, filepath.FromSlash(op.RelPath))
			}
			for _, dependent := range t.dependents[abs] {
				invalid[dependent] = struct{}{}
			}
		}
	}
	t.baselines = current

	out := make([]string, 0, len(invalid))
	for f := range invalid {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// CopyWithout returns a fresh unsealed tracker carrying every
// declaration except those of the given files.
func (t *Tracker) CopyWithout(files []string) *Tracker {
	drop := make(map[string]struct{}, len(files))
	for _, f := range files {
		drop[f] = struct{}{}
	}
	next := New(t.fsys, t.rootDir)
	for f, ds := range t.depsByFile {
		if _, gone := drop[f]; gone {
			continue
		}
		next.depsByFile[f] = append([]string(nil), ds...)
	}
	return next
}
