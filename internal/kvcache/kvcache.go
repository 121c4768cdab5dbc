// Package kvcache implements the persistent, compressed key/value
// store backing transform results across process restarts.
package kvcache

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// Store is the persistence contract the engine consumes. Get never
// fails observably: any I/O or decode problem is a miss. Set is
// fire-and-forget.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Disk stores one zstd-compressed file per key under
// <root>/<namespace>/<key[:2]>/<key>. Writes go through a temp file
// and rename, so concurrent processes sharing a namespace see either
// the old value or the new one.
type Disk struct {
	fsys    afero.Fs
	dir     string
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewDisk opens (creating if needed) the store for one namespace.
func NewDisk(fsys afero.Fs, root, namespace string, logger *slog.Logger) (*Disk, error) {
	dir := filepath.Join(root, namespace)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Disk{
		fsys:    fsys,
		dir:     dir,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Get returns the stored value for key, or false on any miss,
// corruption, or I/O error.
func (d *Disk) Get(key string) ([]byte, bool) {
	data, err := afero.ReadFile(d.fsys, d.path(key))
	if err != nil {
		return nil, false
	}
	value, err := d.decoder.DecodeAll(data, nil)
	if err != nil {
		d.logger.Warn("cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	return value, true
}

// Set writes value under key. Errors are logged, never returned.
func (d *Disk) Set(key string, value []byte) {
	dst := d.path(key)
	if err := d.fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		d.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}

	compressed := d.encoder.EncodeAll(value, nil)
	tmp := dst + "." + uuid.New().String()[:8] + ".tmp"
	if err := afero.WriteFile(d.fsys, tmp, compressed, 0o644); err != nil {
		d.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	err := d.fsys.Rename(tmp, dst)
	if errors.Is(err, afero.ErrDestinationExists) {
		// In-memory filesystems refuse to rename over a file.
		if err = d.fsys.Remove(dst); err == nil {
			err = d.fsys.Rename(tmp, dst)
		}
	}
	if err != nil {
		_ = d.fsys.Remove(tmp)
		d.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (d *Disk) path(key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = key[:2]
	}
	return filepath.Join(d.dir, prefix, key)
}
