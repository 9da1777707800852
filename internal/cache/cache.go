// Package cache implements the TTL-governed write-through disk cache keyed by
// a fingerprint of the resolved download URL.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"context"

	"github.com/linkrelay/linkrelay/internal/logctx"
)

const (
	dirPerm  = 0755
	blobExt  = ".cache"
	partExt  = ".part"
	partGlob = "*" + partExt
)

// Store is a disk-backed blob cache. An entry is fresh while its age is
// strictly below the TTL; an entry aged exactly at the TTL is stale.
type Store struct {
	dir string
	ttl time.Duration

	// OnEvict, when set, is called with the number of blobs a sweep removed.
	OnEvict func(count int64)
}

func NewStore(dir string, ttl time.Duration) *Store {
	return &Store{dir: dir, ttl: ttl}
}

// Fingerprint returns the cache key for a resolved URL. Deterministic, so the
// same URL always maps to the same blob.
func (s *Store) Fingerprint(url string) string {
	sum := sha1.Sum([]byte(url))

	return hex.EncodeToString(sum[:])
}

// IsFresh reports whether an entry exists for the key and is within the TTL.
func (s *Store) IsFresh(key string) bool {
	info, err := os.Stat(s.blobPath(key))
	if err != nil {
		return false
	}

	return time.Since(info.ModTime()) < s.ttl
}

// Open returns a reader over a cached blob and its size. Callers must check
// IsFresh first; Open does not re-validate age.
func (s *Store) Open(key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open cache blob: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, fmt.Errorf("failed to stat cache blob: %w", err)
	}

	return f, info.Size(), nil
}

// Create opens a write sink for the key. Bytes land in a temp file next to the
// final blob; Commit renames it into place and Discard removes it, so a
// partially written blob is never visible as fresh.
func (s *Store) Create(key string) (*Writer, error) {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, key+"-*"+partExt)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache temp file: %w", err)
	}

	return &Writer{file: tmp, finalPath: s.blobPath(key)}, nil
}

// Evict removes the blob for a key. Missing entries are not an error.
func (s *Store) Evict(key string) error {
	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to evict cache blob: %w", err)
	}

	return nil
}

// Sweep deletes blobs older than the TTL and any orphaned temp files.
// It is idempotent: a second pass over the same directory removes nothing.
func (s *Store) Sweep(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	blobs, err := filepath.Glob(filepath.Join(s.dir, "*"+blobExt))
	if err != nil {
		return fmt.Errorf("failed to list cache blobs: %w", err)
	}

	now := time.Now()

	var evicted int64

	for _, path := range blobs {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // swept by a concurrent request
			}

			return fmt.Errorf("failed to stat cache blob: %w", err)
		}

		if now.Sub(info.ModTime()) >= s.ttl {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired cache blob", "blob", path, "err", err)

				return err
			}

			evicted++

			logger.Info("deleted expired cache blob", "blob", filepath.Base(path))
		}
	}

	if evicted > 0 && s.OnEvict != nil {
		s.OnEvict(evicted)
	}

	// Orphaned temp files are left by a crash mid-write.
	parts, err := filepath.Glob(filepath.Join(s.dir, partGlob))
	if err != nil {
		return fmt.Errorf("failed to list cache temp files: %w", err)
	}

	for _, path := range parts {
		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) < s.ttl {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to delete orphaned cache temp file", "file", path, "err", err)
		}
	}

	return nil
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.dir, key+blobExt)
}

// Writer streams bytes into the cache. Exactly one of Commit or Discard must
// be called.
type Writer struct {
	file      *os.File
	finalPath string
	done      bool
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Commit makes the blob visible under its final key.
func (w *Writer) Commit() error {
	if w.done {
		return nil
	}

	w.done = true

	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())

		return fmt.Errorf("failed to close cache temp file: %w", err)
	}

	if err := os.Rename(w.file.Name(), w.finalPath); err != nil {
		os.Remove(w.file.Name())

		return fmt.Errorf("failed to publish cache blob: %w", err)
	}

	return nil
}

// Discard drops the partial blob.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}

	w.done = true
	w.file.Close()

	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache temp file: %w", err)
	}

	return nil
}
