// Package stats tracks build instrumentation using lock-free atomic
// counters.
package stats

import (
	"fmt"
	"sync/atomic"
)

// Collector counts what a build actually did. Safe for concurrent use
// by worker tasks.
type Collector struct {
	processStringCalls    atomic.Int64
	postProcessCalls      atomic.Int64
	persistentCacheHits   atomic.Int64
	persistentCachePrimes atomic.Int64
	memoryCacheHits       atomic.Int64
	filesProcessed        atomic.Int64
	filesLinked           atomic.Int64
	filesUnlinked         atomic.Int64
	dirsCreated           atomic.Int64
	dirsRemoved           atomic.Int64
	bytesWritten          atomic.Int64
	writesSkipped         atomic.Int64
	invalidated           atomic.Int64
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	ProcessStringCalls    int64
	PostProcessCalls      int64
	PersistentCacheHits   int64
	PersistentCachePrimes int64
	MemoryCacheHits       int64
	FilesProcessed        int64
	FilesLinked           int64
	FilesUnlinked         int64
	DirsCreated           int64
	DirsRemoved           int64
	BytesWritten          int64
	WritesSkipped         int64
	Invalidated           int64
}

func (c *Collector) AddProcessStringCalls(n int64)    { c.processStringCalls.Add(n) }
func (c *Collector) AddPostProcessCalls(n int64)      { c.postProcessCalls.Add(n) }
func (c *Collector) AddPersistentCacheHits(n int64)   { c.persistentCacheHits.Add(n) }
func (c *Collector) AddPersistentCachePrimes(n int64) { c.persistentCachePrimes.Add(n) }
func (c *Collector) AddMemoryCacheHits(n int64)       { c.memoryCacheHits.Add(n) }
func (c *Collector) AddFilesProcessed(n int64)        { c.filesProcessed.Add(n) }
func (c *Collector) AddFilesLinked(n int64)           { c.filesLinked.Add(n) }
func (c *Collector) AddFilesUnlinked(n int64)         { c.filesUnlinked.Add(n) }
func (c *Collector) AddDirsCreated(n int64)           { c.dirsCreated.Add(n) }
func (c *Collector) AddDirsRemoved(n int64)           { c.dirsRemoved.Add(n) }
func (c *Collector) AddBytesWritten(n int64)          { c.bytesWritten.Add(n) }
func (c *Collector) AddWritesSkipped(n int64)         { c.writesSkipped.Add(n) }
func (c *Collector) AddInvalidated(n int64)           { c.invalidated.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ProcessStringCalls:    c.processStringCalls.Load(),
		PostProcessCalls:      c.postProcessCalls.Load(),
		PersistentCacheHits:   c.persistentCacheHits.Load(),
		PersistentCachePrimes: c.persistentCachePrimes.Load(),
		MemoryCacheHits:       c.memoryCacheHits.Load(),
		FilesProcessed:        c.filesProcessed.Load(),
		FilesLinked:           c.filesLinked.Load(),
		FilesUnlinked:         c.filesUnlinked.Load(),
		DirsCreated:           c.dirsCreated.Load(),
		DirsRemoved:           c.dirsRemoved.Load(),
		BytesWritten:          c.bytesWritten.Load(),
		WritesSkipped:         c.writesSkipped.Load(),
		Invalidated:           c.invalidated.Load(),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"processed=%d linked=%d unlinked=%d cacheHits=%d cachePrimes=%d skippedWrites=%d invalidated=%d",
		s.FilesProcessed, s.FilesLinked, s.FilesUnlinked,
		s.PersistentCacheHits, s.PersistentCachePrimes, s.WritesSkipped, s.Invalidated,
	)
}
