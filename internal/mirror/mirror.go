// Package mirror applies patch operations to the output tree:
// directory bookkeeping, unlinks, transform-output writes, and
// symlink-or-copy for files that pass through untouched.
package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/siftdev/sift/internal/stats"
)

// Applier mirrors a source tree into an output tree.
type Applier struct {
	fsys   afero.Fs
	srcDir string
	outDir string
	stats  *stats.Collector

	// Output paths currently materialized as symlinks. Writing to one
	// of these requires unlinking the symlink first. Guarded by mu:
	// concurrent worker tasks write distinct paths but share the set.
	mu          sync.Mutex
	outputLinks map[string]struct{}
}

// New returns an applier mirroring srcDir into outDir.
func New(fsys afero.Fs, srcDir, outDir string, collector *stats.Collector) *Applier {
	return &Applier{
		fsys:        fsys,
		srcDir:      srcDir,
		outDir:      outDir,
		stats:       collector,
		outputLinks: make(map[string]struct{}),
	}
}

// Mkdir creates (or re-modes) the output directory for rel.
func (a *Applier) Mkdir(rel string, mode uint32) error {
	dst := a.outPath(rel)
	perm := os.FileMode(mode).Perm()
	if perm == 0 {
		perm = 0o755
	}
	if err := a.fsys.MkdirAll(dst, perm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dst, err)
	}
	a.stats.AddDirsCreated(1)
	return nil
}

// Rmdir removes the output directory for rel. Patch ordering
// guarantees its children were removed first.
func (a *Applier) Rmdir(rel string) error {
	dst := a.outPath(rel)
	if err := a.fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rmdir %s: %w", dst, err)
	}
	a.stats.AddDirsRemoved(1)
	return nil
}

// Unlink removes the output file for rel.
func (a *Applier) Unlink(rel string) error {
	dst := a.outPath(rel)
	if err := a.fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink %s: %w", dst, err)
	}
	a.forgetLink(rel)
	a.stats.AddFilesUnlinked(1)
	return nil
}

// Write materializes transform output at rel. With compare set, the
// existing output is read first and a byte-identical write is skipped
// entirely so mode, size, and mtime stay untouched. Returns whether
// bytes hit the disk.
func (a *Applier) Write(rel string, data []byte, compare bool) (bool, error) {
	dst := a.outPath(rel)

	if err := a.removeIfLink(rel, dst); err != nil {
		return false, err
	}

	if compare {
		existing, err := afero.ReadFile(a.fsys, dst)
		if err == nil && bytes.Equal(existing, data) {
			a.stats.AddWritesSkipped(1)
			return false, nil
		}
	}

	if err := a.writeAtomic(dst, data); err != nil {
		return false, err
	}
	a.stats.AddBytesWritten(int64(len(data)))
	return true, nil
}

// LinkOrCopy mirrors an unprocessed file: a symlink to the source when
// the filesystem supports it, a byte copy otherwise. With replace set,
// any existing output is removed first; without it, an existing output
// that blocks the symlink is removed and the link retried once.
func (a *Applier) LinkOrCopy(rel string, replace bool) error {
	src := filepath.Join(a.srcDir, filepath.FromSlash(rel))
	dst := a.outPath(rel)

	if replace {
		if err := a.fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
		a.forgetLink(rel)
	}

	if linker, ok := a.fsys.(afero.Linker); ok {
		err := linker.SymlinkIfPossible(src, dst)
		if err != nil && errors.Is(err, os.ErrNotExist) {
			if err = a.fsys.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
				err = linker.SymlinkIfPossible(src, dst)
			}
		}
		if err != nil && errors.Is(err, os.ErrExist) {
			if err = a.fsys.Remove(dst); err == nil {
				err = linker.SymlinkIfPossible(src, dst)
			}
		}
		if err == nil {
			a.mu.Lock()
			a.outputLinks[rel] = struct{}{}
			a.mu.Unlock()
			a.stats.AddFilesLinked(1)
			return nil
		}
		if !errors.Is(err, afero.ErrNoSymlink) {
			return fmt.Errorf("symlink %s: %w", dst, err)
		}
	}

	data, err := afero.ReadFile(a.fsys, src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := a.writeAtomic(dst, data); err != nil {
		return err
	}
	a.stats.AddFilesLinked(1)
	return nil
}

// Reset wipes the output tree and the symlink bookkeeping.
func (a *Applier) Reset() error {
	if err := a.fsys.RemoveAll(a.outDir); err != nil {
		return fmt.Errorf("clear output %s: %w", a.outDir, err)
	}
	if err := a.fsys.MkdirAll(a.outDir, 0o755); err != nil {
		return fmt.Errorf("recreate output %s: %w", a.outDir, err)
	}
	a.mu.Lock()
	a.outputLinks = make(map[string]struct{})
	a.mu.Unlock()
	return nil
}

// forgetLink drops rel from the symlink set.
func (a *Applier) forgetLink(rel string) {
	a.mu.Lock()
	delete(a.outputLinks, rel)
	a.mu.Unlock()
}

// removeIfLink unlinks dst when it is tracked as (or stats as) a
// symlink, so a write lands in a real file rather than through the
// link into the source tree.
func (a *Applier) removeIfLink(rel, dst string) error {
	a.mu.Lock()
	_, tracked := a.outputLinks[rel]
	a.mu.Unlock()
	if !tracked {
		if lstater, ok := a.fsys.(afero.Lstater); ok {
			info, hasLstat, err := lstater.LstatIfPossible(dst)
			tracked = err == nil && hasLstat && info.Mode()&os.ModeSymlink != 0
		}
	}
	if !tracked {
		return nil
	}
	if err := a.fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove link %s: %w", dst, err)
	}
	a.forgetLink(rel)
	return nil
}

func (a *Applier) outPath(rel string) string {
	return filepath.Join(a.outDir, filepath.FromSlash(rel))
}

// writeAtomic writes through a temp file and rename. A missing parent
// directory is created and the write retried once.
func (a *Applier) writeAtomic(dst string, data []byte) error {
	tmp := dst + "." + uuid.New().String()[:8] + ".tmp"

	err := afero.WriteFile(a.fsys, tmp, data, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		if mkErr := a.fsys.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return fmt.Errorf("create parent dir for %s: %w", dst, mkErr)
		}
		err = afero.WriteFile(a.fsys, tmp, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	err = a.fsys.Rename(tmp, dst)
	if errors.Is(err, afero.ErrDestinationExists) {
		// In-memory filesystems refuse to rename over a file.
		if err = a.fsys.Remove(dst); err == nil {
			err = a.fsys.Rename(tmp, dst)
		}
	}
	if err != nil {
		_ = a.fsys.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, dst, err)
	}
	return nil
}
