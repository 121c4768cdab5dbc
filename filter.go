package sift

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/siftdev/sift/internal/deps"
	"github.com/siftdev/sift/internal/fingerprint"
	"github.com/siftdev/sift/internal/kvcache"
	"github.com/siftdev/sift/internal/log"
	"github.com/siftdev/sift/internal/mirror"
	"github.com/siftdev/sift/internal/pool"
	"github.com/siftdev/sift/internal/snapshot"
	"github.com/siftdev/sift/internal/stats"
)

// depStateKey is the reserved store key holding serialized dependency
// state. File cache keys are hex, so it cannot collide.
const depStateKey = "dependency-state"

// Filter drives incremental builds of one transform over one input
// tree. Not safe for concurrent Build calls.
type Filter struct {
	tf     Transform
	opts   Options
	env    env
	fsys   afero.Fs
	logger *slog.Logger
	stats  *stats.Collector
	name   string

	proc         processor
	store        kvcache.Store
	depsRestored bool

	memMu  sync.Mutex
	memory map[string]*ProcessResult

	depMu   sync.Mutex
	tracker *deps.Tracker

	prev       *snapshot.Snapshot
	applier    *mirror.Applier
	srcDir     string
	outDir     string
	needsReset bool
}

// Result summarizes one build. Stats is the collector snapshot taken
// when the build ends; its counters accumulate across builds of the
// same Filter.
type Result struct {
	Stats   stats.Snapshot
	Patches int
}

// New constructs a Filter around the given transform.
func New(tf Transform, opts Options) (*Filter, error) {
	if tf == nil {
		return nil, ErrNilTransform
	}
	e, err := opts.resolveEnv()
	if err != nil {
		return nil, err
	}
	if opts.Persist {
		if _, ok := tf.(BaseDirer); !ok {
			return nil, ErrMissingBaseDir
		}
	}
	if opts.PluginEnvHash == nil {
		opts.PluginEnvHash = defaultEnvHash
	}

	f := &Filter{
		tf:     tf,
		opts:   opts,
		env:    e,
		fsys:   opts.FS,
		logger: opts.Logger,
		stats:  opts.Stats,
		name:   opts.Name,
	}
	if f.fsys == nil {
		f.fsys = afero.NewOsFs()
	}
	if f.logger == nil {
		f.logger = log.Discard()
	}
	if f.stats == nil {
		f.stats = &stats.Collector{}
	}
	if f.name == "" {
		f.name = reflect.TypeOf(tf).String()
	}
	return f, nil
}

// Stats returns a snapshot of the instrumentation counters.
func (f *Filter) Stats() stats.Snapshot {
	return f.stats.Snapshot()
}

// Build walks srcDir, computes the minimal patch against the previous
// build, and applies it to outDir. After any failure the next build
// starts over from a clean output tree.
func (f *Filter) Build(ctx context.Context, srcDir, outDir string) (Result, error) {
	var res Result

	if !filepath.IsAbs(srcDir) {
		abs, err := filepath.Abs(srcDir)
		if err != nil {
			return res, fmt.Errorf("resolve %s: %w", srcDir, err)
		}
		srcDir = abs
	}
	if f.applier == nil || srcDir != f.srcDir || outDir != f.outDir {
		f.srcDir = srcDir
		f.outDir = outDir
		f.applier = mirror.New(f.fsys, srcDir, outDir, f.stats)
	}

	if f.needsReset {
		f.prev = nil
		f.tracker = nil
		if err := f.applier.Reset(); err != nil {
			return res, err
		}
	}
	f.needsReset = true
	f.memory = make(map[string]*ProcessResult)

	f.initProcessor()
	f.restoreDependencyState()

	next, err := snapshot.Walk(f.fsys, srcDir)
	if err != nil {
		return res, err
	}

	var invalidated []string
	if f.opts.DependencyInvalidation && f.tracker != nil && f.tracker.Sealed() {
		invalidated, err = f.tracker.Invalidated()
		if err != nil {
			return res, err
		}
		f.stats.AddInvalidated(int64(len(invalidated)))
	}
	force := make(map[string]struct{}, len(invalidated))
	for _, rel := range invalidated {
		force[rel] = struct{}{}
	}

	prev := f.prev
	if prev == nil {
		prev = snapshot.Empty()
	}
	patch := snapshot.Diff(prev, next).Merge(f.syntheticPatches(invalidated, prev, next))
	f.prev = next

	if len(patch) == 0 {
		f.needsReset = false
		res.Stats = f.stats.Snapshot()
		return res, nil
	}
	res.Patches = len(patch)

	if f.opts.DependencyInvalidation {
		var unlinked []string
		for _, op := range patch {
			if op.Op == snapshot.OpUnlink {
				unlinked = append(unlinked, op.RelPath)
			}
		}
		if f.tracker == nil {
			f.tracker = deps.New(f.fsys, srcDir)
		} else {
			f.tracker = f.tracker.CopyWithout(unlinked)
		}
	}

	if err := f.applyPatch(ctx, patch, force); err != nil {
		return res, err
	}

	if f.opts.DependencyInvalidation && f.tracker != nil {
		f.tracker.Seal()
		if err := f.tracker.CaptureState(); err != nil {
			return res, err
		}
		f.persistDependencyState()
	}

	f.needsReset = false
	res.Stats = f.stats.Snapshot()
	f.logger.Debug("build complete",
		"name", f.name, "annotation", f.opts.Annotation,
		"patches", res.Patches, "stats", res.Stats.String())
	return res, nil
}

// syntheticPatches turns dependency-invalidated files into change or
// create operations so they flow through the normal dispatch path.
func (f *Filter) syntheticPatches(invalidated []string, prev, next *snapshot.Snapshot) snapshot.Patch {
	var out snapshot.Patch
	for _, rel := range invalidated {
		e, ok := next.Get(rel)
		if !ok {
			continue // gone from the input; the diff unlinks it
		}
		op := snapshot.OpCreate
		if _, existed := prev.Get(rel); existed {
			op = snapshot.OpChange
		}
		entry := e
		out = append(out, snapshot.PatchOp{Op: op, RelPath: rel, Entry: &entry})
	}
	return out
}

// applyPatch dispatches operations in order. Directory operations and
// unlinks run synchronously; transform work runs inline or through the
// worker pool depending on the Async option.
func (f *Filter) applyPatch(ctx context.Context, patch snapshot.Patch, force map[string]struct{}) error {
	var tasks []pool.Task

	for _, op := range patch {
		switch op.Op {
		case snapshot.OpMkdir:
			if err := f.applier.Mkdir(op.RelPath, op.Entry.Mode); err != nil {
				return err
			}
		case snapshot.OpRmdir:
			if err := f.applier.Rmdir(op.RelPath); err != nil {
				return err
			}
		case snapshot.OpUnlink:
			if err := f.applier.Unlink(f.unlinkTarget(op.RelPath)); err != nil {
				return err
			}
		case snapshot.OpCreate, snapshot.OpChange:
			if op.Entry.IsDir() {
				if err := f.applier.Mkdir(op.RelPath, op.Entry.Mode); err != nil {
					return err
				}
				continue
			}

			rel := op.RelPath
			isChange := op.Op == snapshot.OpChange
			if !f.canProcess(rel) {
				if err := f.applier.LinkOrCopy(rel, isChange); err != nil {
					return err
				}
				continue
			}

			dest := f.destFileFor(rel)
			if dest == "" {
				return &InvariantError{RelPath: rel}
			}
			_, forced := force[rel]
			task := func(ctx context.Context) error {
				return f.processFile(ctx, rel, dest, forced, isChange)
			}
			if f.opts.Async {
				tasks = append(tasks, task)
			} else if err := task(ctx); err != nil {
				return err
			}
		}
	}

	return pool.Run(ctx, f.env.concurrency, f.logger, tasks)
}

// processFile reads one input file, runs it through the processor, and
// writes the result to its destination.
func (f *Filter) processFile(ctx context.Context, rel, dest string, force, isChange bool) error {
	full := filepath.Join(f.srcDir, filepath.FromSlash(rel))
	contents, err := afero.ReadFile(f.fsys, full)
	if err != nil {
		return fmt.Errorf("read %s: %w", full, err)
	}

	result, err := f.proc.process(ctx, contents, rel, force)
	if err != nil {
		return &TransformError{File: rel, TreeDir: f.srcDir, Err: err}
	}

	if _, err := f.applier.Write(dest, result.Output, isChange); err != nil {
		return err
	}
	f.stats.AddFilesProcessed(1)
	return nil
}

// invoke runs the transform hook and normalizes its result.
func (f *Filter) invoke(ctx context.Context, contents []byte, rel string) (*ProcessResult, error) {
	f.stats.AddProcessStringCalls(1)
	in := &Input{Contents: contents, RelPath: rel}
	if f.opts.DependencyInvalidation {
		in.declare = func(paths []string) error {
			return f.declareDependencies(rel, paths)
		}
	}

	result, err := f.tf.ProcessString(ctx, in)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &ProcessResult{}
	}
	return result, nil
}

// postProcess runs the optional hook on a copy of result, so cached
// values keep their pre-hook form.
func (f *Filter) postProcess(ctx context.Context, result *ProcessResult, rel string) (*ProcessResult, error) {
	pp, ok := f.tf.(PostProcessor)
	if !ok {
		return result, nil
	}
	f.stats.AddPostProcessCalls(1)
	out, err := pp.PostProcess(ctx, result.Clone(), rel)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = result
	}
	return out, nil
}

func (f *Filter) declareDependencies(rel string, paths []string) error {
	f.depMu.Lock()
	defer f.depMu.Unlock()
	if f.tracker == nil {
		return fmt.Errorf("declare dependencies of %s: no build in progress", rel)
	}
	return f.tracker.Set(rel, paths)
}

func (f *Filter) cachedResult(key string) (*ProcessResult, bool) {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	r, ok := f.memory[key]
	return r, ok
}

func (f *Filter) rememberResult(key string, r *ProcessResult) {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	f.memory[key] = r
}

// initProcessor picks the strategy on first use. A broken cache
// backend demotes to the memoryless strategy rather than failing the
// build.
func (f *Filter) initProcessor() {
	if f.proc != nil {
		return
	}
	if f.opts.Persist && f.env.persistOK {
		if err := f.initStore(); err != nil {
			f.logger.Warn("persistent cache unavailable", "error", err)
			f.proc = &defaultProcessor{f: f}
			return
		}
		f.proc = &persistentProcessor{f: f}
		return
	}
	f.proc = &defaultProcessor{f: f}
}

func (f *Filter) initStore() error {
	if f.opts.Store != nil {
		f.store = f.opts.Store
		return nil
	}
	key, err := f.pluginCacheKey()
	if err != nil {
		return err
	}
	disk, err := kvcache.NewDisk(f.fsys, f.env.cacheRoot, key, f.logger)
	if err != nil {
		return err
	}
	f.store = disk
	return nil
}

// pluginCacheKey namespaces the persistent store: stable across runs,
// changing only when the host environment or transform identity does.
func (f *Filter) pluginCacheKey() (string, error) {
	var envHash string
	if ck, ok := f.tf.(CacheKeyer); ok {
		h, err := ck.CacheKey()
		if err != nil {
			return "", fmt.Errorf("cache key: %w", err)
		}
		envHash = h
	} else {
		var base string
		if bd, ok := f.tf.(BaseDirer); ok {
			base = bd.BaseDir()
		}
		h, err := f.opts.PluginEnvHash(base)
		if err != nil {
			return "", fmt.Errorf("plugin env hash: %w", err)
		}
		envHash = h
	}
	return fingerprint.Compose(envHash, f.name), nil
}

func (f *Filter) fileKey(contents []byte, rel string) string {
	if fk, ok := f.tf.(FileKeyer); ok {
		return fk.FileCacheKey(contents, rel)
	}
	return fingerprint.FileKey(contents, rel)
}

// restoreDependencyState loads serialized dependency state from the
// store on the first build of a process, rebased onto the current
// input root.
func (f *Filter) restoreDependencyState() {
	if f.depsRestored {
		return
	}
	f.depsRestored = true
	if f.store == nil || !f.opts.DependencyInvalidation || f.tracker != nil {
		return
	}
	raw, ok := f.store.Get(depStateKey)
	if !ok {
		return
	}
	t, err := deps.Deserialize(f.fsys, raw, f.srcDir)
	if err != nil {
		f.logger.Warn("discarding stored dependency state", "error", err)
		return
	}
	f.tracker = t
}

func (f *Filter) persistDependencyState() {
	if f.store == nil {
		return
	}
	raw, err := f.tracker.Serialize()
	if err != nil {
		f.logger.Warn("dependency state not persisted", "error", err)
		return
	}
	f.store.Set(depStateKey, raw)
}

// destFileFor maps an input path to its output path, or "" when the
// file is not processed.
func (f *Filter) destFileFor(rel string) string {
	if dp, ok := f.tf.(DestPather); ok {
		return dp.DestFilePath(rel)
	}
	if strings.HasSuffix(rel, "/") {
		return ""
	}
	if f.opts.Extensions == nil {
		return rel
	}
	for _, ext := range f.opts.Extensions {
		suffix := "." + ext
		if !strings.HasSuffix(rel, suffix) {
			continue
		}
		if f.opts.TargetExtension != "" {
			return strings.TrimSuffix(rel, suffix) + "." + f.opts.TargetExtension
		}
		return rel
	}
	return ""
}

func (f *Filter) canProcess(rel string) bool {
	if p, ok := f.tf.(Processable); ok {
		return p.CanProcessFile(rel)
	}
	return f.destFileFor(rel) != ""
}

// unlinkTarget maps an unlinked input path to the output path that
// must go away.
func (f *Filter) unlinkTarget(rel string) string {
	if dest := f.destFileFor(rel); dest != "" {
		return dest
	}
	return rel
}
