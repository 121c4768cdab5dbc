package sift

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func readOut(t *testing.T, out, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func outMissing(t *testing.T, out, rel string) bool {
	t.Helper()
	_, err := os.Lstat(filepath.Join(out, filepath.FromSlash(rel)))
	return os.IsNotExist(err)
}

func rot13(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+13)%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+13)%26
		default:
			out[i] = c
		}
	}
	return out
}

type rot13Transform struct{}

func (rot13Transform) ProcessString(_ context.Context, in *Input) (*ProcessResult, error) {
	return Bytes(rot13(in.Contents)), nil
}

type passthroughTransform struct{}

func (passthroughTransform) ProcessString(_ context.Context, in *Input) (*ProcessResult, error) {
	return Bytes(in.Contents), nil
}

// flakyTransform fails its first invocation and succeeds after.
type flakyTransform struct {
	calls atomic.Int64
}

func (f *flakyTransform) ProcessString(_ context.Context, in *Input) (*ProcessResult, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("transient failure")
	}
	return Bytes(in.Contents), nil
}

func newROT13Filter(t *testing.T) (*Filter, string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	writeTree(t, src, map[string]string{
		"a/README.md":  "Nicest cats in need of homes",
		"a/foo.js":     "Nicest dogs in need of homes",
		"a/bar/bar.js": "Dogs... who needs dogs?",
	})

	f, err := New(rot13Transform{}, Options{
		Name:            "rot13",
		Extensions:      []string{"js", "md"},
		TargetExtension: "foo",
	})
	require.NoError(t, err)
	return f, src, out
}

func TestBuild_ROT13(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.Equal(t, "Avprfg pngf va arrq bs ubzrf", readOut(t, out, "a/README.foo"))
	assert.Equal(t, "Avprfg qbtf va arrq bs ubzrf", readOut(t, out, "a/foo.foo"))
	assert.Equal(t, "Qbtf... jub arrqf qbtf?", readOut(t, out, "a/bar/bar.foo"))
	assert.Equal(t, int64(3), f.Stats().ProcessStringCalls)

	assert.True(t, outMissing(t, out, "a/README.md"), "source names are rewritten")
}

func TestBuild_NoopRebuild(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	res, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)
	assert.Zero(t, res.Patches)
	assert.Equal(t, int64(3), f.Stats().ProcessStringCalls, "no reprocessing without changes")
	assert.Equal(t, "Avprfg pngf va arrq bs ubzrf", readOut(t, out, "a/README.foo"))
}

func TestBuild_SingleFileChange(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "README.md"), []byte("OMG"), 0o644))

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.Equal(t, int64(4), f.Stats().ProcessStringCalls, "exactly one file reprocessed")
	assert.Equal(t, "BZT", readOut(t, out, "a/README.foo"))
	assert.Equal(t, "Avprfg qbtf va arrq bs ubzrf", readOut(t, out, "a/foo.foo"))
}

func TestBuild_Unlink(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(src, "a", "README.md")))

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.Equal(t, int64(3), f.Stats().ProcessStringCalls, "deletions invoke nothing")
	assert.True(t, outMissing(t, out, "a/README.foo"))
	assert.Equal(t, "Avprfg qbtf va arrq bs ubzrf", readOut(t, out, "a/foo.foo"))
}

func TestBuild_Rename(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	require.NoError(t, os.Rename(
		filepath.Join(src, "a", "README.md"),
		filepath.Join(src, "a", "README-r.md"),
	))

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.True(t, outMissing(t, out, "a/README.foo"))
	assert.Equal(t, "Avprfg pngf va arrq bs ubzrf", readOut(t, out, "a/README-r.foo"))
	assert.Equal(t, int64(4), f.Stats().ProcessStringCalls)
}

func TestBuild_ExtensionGating(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	writeTree(t, src, map[string]string{
		"x.md": "notes",
		"y.js": "code",
	})

	f, err := New(passthroughTransform{}, Options{Extensions: []string{"js"}})
	require.NoError(t, err)

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Stats().ProcessStringCalls)
	assert.Equal(t, "notes", readOut(t, out, "x.md"), "unmatched files are mirrored")

	require.NoError(t, os.WriteFile(filepath.Join(src, "x.md"), []byte("changed notes"), 0o644))

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Stats().ProcessStringCalls, "modified .md never reaches the transform")
	assert.Equal(t, "changed notes", readOut(t, out, "x.md"))
}

func TestBuild_MtimePreserved(t *testing.T) {
	f, src, out := newROT13Filter(t)

	_, err := f.Build(context.Background(), src, out)
	require.NoError(t, err)

	dst := filepath.Join(out, "a", "foo.foo")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(dst, old, old))
	before, err := os.Stat(dst)
	require.NoError(t, err)

	// Touch the input so the file diffs as changed, with identical
	// content so the transform output matches what is on disk.
	touched := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a", "foo.js"), touched, touched))

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.Equal(t, int64(4), f.Stats().ProcessStringCalls, "file was reprocessed")
	after, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, before.Size(), after.Size())
	assert.Equal(t, before.Mode(), after.Mode())
}

func TestBuild_FailureThenRecovery(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	writeTree(t, src, map[string]string{"index.js": `console.log("hi")`})

	f, err := New(&flakyTransform{}, Options{Extensions: []string{"js"}})
	require.NoError(t, err)

	_, err = f.Build(context.Background(), src, out)
	require.Error(t, err)
	var terr *TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "index.js", terr.File)
	assert.Equal(t, src, terr.TreeDir)
	assert.True(t, outMissing(t, out, "index.js"), "failed build leaves no output")

	_, err = f.Build(context.Background(), src, out)
	require.NoError(t, err)
	assert.Equal(t, `console.log("hi")`, readOut(t, out, "index.js"))
}

func TestNew_RequiresTransform(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNilTransform)
}

func TestNew_PersistRequiresBaseDir(t *testing.T) {
	_, err := New(passthroughTransform{}, Options{Persist: true})
	assert.ErrorIs(t, err, ErrMissingBaseDir)
}

func TestNew_RejectsUnknownEncoding(t *testing.T) {
	_, err := New(passthroughTransform{}, Options{InputEncoding: "latin-1"})
	assert.Error(t, err)
}

// badGateTransform claims every file is processable while the
// extension config resolves no destination for .txt files.
type badGateTransform struct {
	passthroughTransform
}

func (badGateTransform) CanProcessFile(string) bool { return true }

func TestBuild_InvariantViolation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	writeTree(t, src, map[string]string{"x.txt": "text"})

	f, err := New(badGateTransform{}, Options{Extensions: []string{"js"}})
	require.NoError(t, err)

	_, err = f.Build(context.Background(), src, out)
	var ierr *InvariantError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "x.txt", ierr.RelPath)
}
