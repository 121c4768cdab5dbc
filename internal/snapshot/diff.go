package snapshot

import "strings"

// Op identifies a patch operation.
type Op uint8

const (
	OpCreate Op = iota
	OpChange
	OpUnlink
	OpMkdir
	OpRmdir
)

var opNames = [...]string{
	OpCreate: "create",
	OpChange: "change",
	OpUnlink: "unlink",
	OpMkdir:  "mkdir",
	OpRmdir:  "rmdir",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

// PatchOp is a single operation. RelPath never carries a trailing "/";
// Entry holds the destination state for create/change/mkdir and is nil
// for unlink/rmdir.
type PatchOp struct {
	Op      Op
	RelPath string
	Entry   *Entry
}

// Patch is an ordered operation sequence that reconstructs the next
// snapshot from the previous one.
type Patch []PatchOp

// Diff computes the patch turning prev into next. Removals come first
// in reverse lexicographic order (children before their directories),
// then additions and changes in forward order (directories before
// their children).
func Diff(prev, next *Snapshot) Patch {
	var removals, additions []PatchOp

	pe, ne := prev.Entries(), next.Entries()
	i, j := 0, 0
	for i < len(pe) && j < len(ne) {
		a, b := pe[i], ne[j]
		switch {
		case a.RelPath == b.RelPath:
			if entryChanged(a, b) {
				e := b
				additions = append(additions, PatchOp{Op: OpChange, RelPath: cleanRel(b.RelPath), Entry: &e})
			}
			i++
			j++
		case a.RelPath < b.RelPath:
			removals = append(removals, removeOp(a))
			i++
		default:
			additions = append(additions, addOp(b))
			j++
		}
	}
	for ; i < len(pe); i++ {
		removals = append(removals, removeOp(pe[i]))
	}
	for ; j < len(ne); j++ {
		additions = append(additions, addOp(ne[j]))
	}

	patch := make(Patch, 0, len(removals)+len(additions))
	for k := len(removals) - 1; k >= 0; k-- {
		patch = append(patch, removals[k])
	}
	return append(patch, additions...)
}

// Merge appends extra to p, dropping operations whose (op, path) pair
// already occurred. The first occurrence wins.
func (p Patch) Merge(extra Patch) Patch {
	type opKey struct {
		op  Op
		rel string
	}
	seen := make(map[opKey]struct{}, len(p)+len(extra))
	out := make(Patch, 0, len(p)+len(extra))
	for _, ops := range [2]Patch{p, extra} {
		for _, o := range ops {
			k := opKey{o.Op, o.RelPath}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, o)
		}
	}
	return out
}

func removeOp(e Entry) PatchOp {
	if e.IsDir() {
		return PatchOp{Op: OpRmdir, RelPath: cleanRel(e.RelPath)}
	}
	return PatchOp{Op: OpUnlink, RelPath: e.RelPath}
}

func addOp(e Entry) PatchOp {
	c := e
	if e.IsDir() {
		return PatchOp{Op: OpMkdir, RelPath: cleanRel(e.RelPath), Entry: &c}
	}
	return PatchOp{Op: OpCreate, RelPath: e.RelPath, Entry: &c}
}

func entryChanged(a, b Entry) bool {
	if a.Hash != "" || b.Hash != "" {
		return a.Hash != b.Hash
	}
	if a.Mode != b.Mode {
		return true
	}
	if a.IsDir() {
		return false
	}
	return a.Size != b.Size || a.MTime != b.MTime
}

func cleanRel(rel string) string {
	return strings.TrimSuffix(rel, "/")
}
