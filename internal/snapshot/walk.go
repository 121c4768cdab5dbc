package snapshot

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Walk produces a snapshot of the tree rooted at dir. Traversal is
// depth-first with children visited in name order. Symlinks are
// followed to their target stat but stay represented at their original
// path. Any per-entry error aborts the walk.
func Walk(fsys afero.Fs, dir string) (*Snapshot, error) {
	var entries []Entry
	if err := walkDir(fsys, dir, "", &entries); err != nil {
		return nil, err
	}
	return New(entries), nil
}

func walkDir(fsys afero.Fs, root, rel string, out *[]Entry) error {
	full := root
	if rel != "" {
		full = filepath.Join(root, filepath.FromSlash(rel))
	}

	infos, err := afero.ReadDir(fsys, full)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", full, err)
	}

	for _, info := range infos {
		childRel := info.Name()
		if rel != "" {
			childRel = rel + "/" + info.Name()
		}
		childFull := filepath.Join(full, info.Name())

		// Re-stat through the fs so symlinks resolve to their target.
		st, err := fsys.Stat(childFull)
		if err != nil {
			return fmt.Errorf("stat %s: %w", childFull, err)
		}

		if st.IsDir() {
			*out = append(*out, Entry{
				RelPath: childRel + "/",
				MTime:   st.ModTime().UnixMilli(),
				Mode:    uint32(st.Mode()),
			})
			if err := walkDir(fsys, root, childRel, out); err != nil {
				return err
			}
			continue
		}

		*out = append(*out, Entry{
			RelPath: childRel,
			Size:    st.Size(),
			MTime:   st.ModTime().UnixMilli(),
			Mode:    uint32(st.Mode()),
		})
	}
	return nil
}
