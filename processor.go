package sift

import (
	"context"
	"encoding/json"
)

// processor is the strategy seam between a plain invocation and one
// backed by the two-level cache.
type processor interface {
	process(ctx context.Context, contents []byte, relPath string, force bool) (*ProcessResult, error)
}

// defaultProcessor invokes the transform every time.
type defaultProcessor struct {
	f *Filter
}

func (p *defaultProcessor) process(ctx context.Context, contents []byte, relPath string, _ bool) (*ProcessResult, error) {
	result, err := p.f.invoke(ctx, contents, relPath)
	if err != nil {
		return nil, err
	}
	return p.f.postProcess(ctx, result, relPath)
}

// persistentProcessor consults the in-memory layer, then the
// persistent store, before invoking the transform. Cached values hold
// the pre-post-process result so the hook runs on every build.
type persistentProcessor struct {
	f *Filter
}

func (p *persistentProcessor) process(ctx context.Context, contents []byte, relPath string, force bool) (*ProcessResult, error) {
	f := p.f
	key := f.fileKey(contents, relPath)

	if !force {
		if cached, ok := f.cachedResult(key); ok {
			f.stats.AddMemoryCacheHits(1)
			return f.postProcess(ctx, cached, relPath)
		}
		if f.store != nil {
			if raw, ok := f.store.Get(key); ok {
				var cached ProcessResult
				if err := json.Unmarshal(raw, &cached); err == nil {
					f.stats.AddPersistentCacheHits(1)
					f.rememberResult(key, &cached)
					return f.postProcess(ctx, &cached, relPath)
				}
				f.logger.Warn("discarding undecodable cache entry", "key", key, "file", relPath)
			}
		}
	}

	result, err := f.invoke(ctx, contents, relPath)
	if err != nil {
		return nil, err
	}

	f.rememberResult(key, result)
	if f.store != nil {
		if raw, err := json.Marshal(result); err == nil {
			f.store.Set(key, raw)
			f.stats.AddPersistentCachePrimes(1)
		} else {
			f.logger.Warn("cache encode failed", "file", relPath, "error", err)
		}
	}

	return f.postProcess(ctx, result, relPath)
}
