package sift

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/spf13/afero"

	"github.com/siftdev/sift/internal/fingerprint"
	"github.com/siftdev/sift/internal/kvcache"
	"github.com/siftdev/sift/internal/stats"
)

// Options configures a Filter. The zero value is usable: every file is
// processed in place, synchronously, with no caching beyond the
// current build.
type Options struct {
	// Name identifies the transform in logs and in the plugin cache
	// key. Defaults to the transform's concrete type name.
	Name string

	// Annotation is a free-form label carried into logs.
	Annotation string

	// Persist enables the disk-backed result cache. Requires the
	// transform to implement BaseDirer.
	Persist bool

	// Extensions gates which files are processed. Nil means all
	// files; empty means none.
	Extensions []string

	// TargetExtension rewrites the extension of processed output
	// files when set.
	TargetExtension string

	// InputEncoding and OutputEncoding accept "utf-8" (default) or
	// "binary". Contents move as raw bytes either way.
	InputEncoding  string
	OutputEncoding string

	// Async dispatches transform invocations through the worker pool.
	Async bool

	// DependencyInvalidation enables Input.Declare and cross-file
	// reinvalidation.
	DependencyInvalidation bool

	// Concurrency bounds the worker pool. Falls back to the JOBS
	// environment variable, then to NumCPU-1.
	Concurrency int

	// CacheRoot overrides the persistent cache location. Falls back
	// to PERSISTENT_FILTER_CACHE_ROOT, then the system temp dir.
	CacheRoot string

	// PluginEnvHash fingerprints the host package environment for the
	// plugin cache key. The default hashes only the base dir path;
	// hosts that want version-sensitive invalidation inject their own.
	PluginEnvHash func(baseDir string) (string, error)

	// Store overrides the persistent backend. When nil and Persist is
	// active, a compressed disk store is opened under CacheRoot.
	Store kvcache.Store

	// Logger receives cache and worker diagnostics. Defaults to a
	// discard logger.
	Logger *slog.Logger

	// Stats is the instrumentation sink. Defaults to an internal
	// collector exposed through Filter.Stats.
	Stats *stats.Collector

	// FS is the filesystem the engine operates on. Defaults to the OS
	// filesystem.
	FS afero.Fs
}

// env holds environment-derived settings, read once at construction.
type env struct {
	concurrency int
	persistOK   bool
	cacheRoot   string
}

func (o *Options) resolveEnv() (env, error) {
	switch o.InputEncoding {
	case "", "utf-8", "utf8", "binary":
	default:
		return env{}, fmt.Errorf("sift: unsupported input encoding %q", o.InputEncoding)
	}
	switch o.OutputEncoding {
	case "", "utf-8", "utf8", "binary":
	default:
		return env{}, fmt.Errorf("sift: unsupported output encoding %q", o.OutputEncoding)
	}

	e := env{concurrency: o.Concurrency}
	if e.concurrency <= 0 {
		if jobs, err := strconv.Atoi(os.Getenv("JOBS")); err == nil && jobs > 0 {
			e.concurrency = jobs
		} else {
			e.concurrency = max(runtime.NumCPU()-1, 1)
		}
	}

	e.persistOK = !ciTruthy(os.Getenv("CI")) || os.Getenv("FORCE_PERSISTENCE_IN_CI") != ""

	e.cacheRoot = o.CacheRoot
	if e.cacheRoot == "" {
		e.cacheRoot = os.Getenv("PERSISTENT_FILTER_CACHE_ROOT")
	}
	if e.cacheRoot == "" {
		e.cacheRoot = filepath.Join(os.TempDir(), "sift-cache")
	}

	return e, nil
}

func ciTruthy(v string) bool {
	return v != "" && v != "false" && v != "0"
}

func defaultEnvHash(baseDir string) (string, error) {
	return fingerprint.Sum([]byte(baseDir)), nil
}
