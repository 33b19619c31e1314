// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache implements BuildNet's content-addressed artifact store:
// a filesystem-backed, sharded, deduplicating tarball cache with an
// in-memory metadata hot index and LRU eviction.
package cache

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
	"github.com/mattcburns/buildnet/internal/corerr"
)

// Meta is the sidecar metadata stored alongside each artifact's tarball.
type Meta struct {
	Hash       string    `json:"hash"`
	Package    string    `json:"package"`
	Size       int64     `json:"size"`
	FileCount  int       `json:"file_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Stats summarizes the cache's current occupancy.
type Stats struct {
	TotalBytes    int64
	ArtifactCount int
}

// Cache implements the content-addressed artifact store described in the
// component design. It is safe for concurrent use; writes to the same
// hash are serialized by an existence check followed by an atomic
// rename, mirroring the OCI blob store's dedup idiom.
type Cache struct {
	root string
	mu   sync.RWMutex

	// hot is an in-memory metadata index avoiding a sidecar read on
	// every Exists/GetMeta call. It is advisory: a miss here always
	// falls through to disk.
	hot *lru.Cache[string, Meta]

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Cache rooted at root, creating the sharded directory
// layout lazily on first write. hotSize bounds the in-memory metadata
// index; 0 selects a reasonable default. A nil logger falls back to
// slog.Default(), matching the teacher's database.DB construction.
func New(root string, hotSize int, logger *slog.Logger) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache: root cannot be empty")
	}
	if hotSize <= 0 {
		hotSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}

	hot, err := lru.New[string, Meta](hotSize)
	if err != nil {
		return nil, fmt.Errorf("cache: create hot index: %w", err)
	}

	logger.Info("artifact cache opened", "root", root, "hot_size", hotSize)

	return &Cache{
		root:   root,
		hot:    hot,
		now:    time.Now,
		logger: logger,
	}, nil
}

func (c *Cache) shardDir(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.root, hash)
	}
	return filepath.Join(c.root, hash[:2])
}

func (c *Cache) tarballPath(hash string) string {
	return filepath.Join(c.shardDir(hash), hash+".tar.gz")
}

func (c *Cache) sidecarPath(hash string) string {
	return filepath.Join(c.shardDir(hash), hash+".json")
}

// Store tarballs and gzip-compresses sourceDir, computes the SHA-256
// digest of the compressed bytes, and writes the artifact under that
// hash if it is not already present. Store is idempotent: storing
// byte-identical inputs under any label returns the same hash and
// writes nothing on the second call.
func (c *Cache) Store(label, sourceDir string) (string, error) {
	// Stage under the cache root so the final os.Rename never crosses
	// filesystems.
	tmpDir := filepath.Join(c.root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: create staging dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(tmpDir, "buildnet-artifact-*.tar.gz")
	if err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: create staging file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	tee := io.MultiWriter(tmpFile, hasher)
	gz := gzip.NewWriter(tee)
	tw := tar.NewWriter(gz)

	fileCount := 0
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		fileCount++
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: archive %s: %w", sourceDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: close gzip writer: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: sync staging file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	info, err := tmpFile.Stat()
	if err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: stat staging file: %w", err)
	}
	size := info.Size()

	if err := tmpFile.Close(); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: close staging file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok, err := c.readMetaLocked(hash); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", err
	} else if ok {
		// Deduplicated: an identical artifact already exists.
		c.logger.Info("artifact store deduplicated", "hash", hash, "package", label)
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultSuccess)
		return hash, nil
	}

	shardDir := c.shardDir(hash)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: create shard dir: %w", err)
	}

	finalPath := c.tarballPath(hash)
	if _, err := os.Stat(finalPath); err == nil {
		// A concurrent writer won the race; deduplicate.
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultSuccess)
		return hash, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", fmt.Errorf("cache: rename staged artifact: %w", err)
	}

	now := c.now()
	meta := Meta{
		Hash:       hash,
		Package:    label,
		Size:       size,
		FileCount:  fileCount,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := c.writeMetaLocked(meta); err != nil {
		buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultFailure)
		return "", err
	}

	c.logger.Info("artifact stored", "hash", hash, "package", label, "size", humanize.Bytes(uint64(size)), "file_count", fileCount)
	buildnetmetrics.ObserveCacheOp("store", buildnetmetrics.ResultSuccess)
	return hash, nil
}

// Restore reads the artifact for hash, reverifies its digest, clears
// targetDir, and decompress-extracts the archive into it, touching
// last-used-at. Restore is idempotent.
func (c *Cache) Restore(hash, targetDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tarballPath := c.tarballPath(hash)
	f, err := os.Open(tarballPath)
	if err != nil {
		if os.IsNotExist(err) {
			buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
			return &corerr.ArtifactNotFoundError{Hash: hash}
		}
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: open artifact %s: %w", hash, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: read artifact %s: %w", hash, err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != hash {
		c.logger.Error("artifact hash mismatch on restore", "expected", hash, "actual", actual)
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return &corerr.HashMismatchError{Expected: hash, Actual: actual}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: rewind artifact %s: %w", hash, err)
	}

	if err := os.RemoveAll(targetDir); err != nil {
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: clear target dir: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: create target dir: %w", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
		return fmt.Errorf("cache: open gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
			return fmt.Errorf("cache: read tar entry: %w", err)
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
				return fmt.Errorf("cache: create dir %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
				return fmt.Errorf("cache: create parent dir for %s: %w", dest, err)
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
				return fmt.Errorf("cache: create file %s: %w", dest, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultFailure)
				return fmt.Errorf("cache: write file %s: %w", dest, err)
			}
			out.Close()
		}
	}

	// Touch last-used-at; best-effort per the failure policy.
	if meta, ok, err := c.readMetaLocked(hash); err == nil && ok {
		meta.LastUsedAt = c.now()
		if err := c.writeMetaLocked(meta); err != nil {
			c.logger.Warn("artifact touch failed, LRU may be stale", "hash", hash, "error", err)
		}
	}

	c.logger.Info("artifact restored", "hash", hash, "target", targetDir)
	buildnetmetrics.ObserveCacheOp("restore", buildnetmetrics.ResultSuccess)
	return nil
}

// Exists reports whether an artifact for hash is present.
func (c *Cache) Exists(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok, err := c.readMetaLocked(hash)
	return err == nil && ok
}

// GetMeta returns the sidecar metadata for hash, if present.
func (c *Cache) GetMeta(hash string) (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok, err := c.readMetaLocked(hash)
	if err != nil {
		return Meta{}, false
	}
	return meta, ok
}

// Remove deletes the artifact and its sidecar for hash. Missing files
// are not an error.
func (c *Cache) Remove(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(hash)
}

func (c *Cache) removeLocked(hash string) error {
	c.hot.Remove(hash)
	if err := os.Remove(c.tarballPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove artifact %s: %w", hash, err)
	}
	if err := os.Remove(c.sidecarPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove sidecar %s: %w", hash, err)
	}
	return nil
}

// Stats reports current cache occupancy by scanning all sidecars.
func (c *Cache) Stats() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metas, err := c.listMetaLocked()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, m := range metas {
		stats.TotalBytes += m.Size
		stats.ArtifactCount++
	}
	c.logger.Info("cache stats", "total_size", humanize.Bytes(uint64(stats.TotalBytes)), "artifact_count", stats.ArtifactCount)
	buildnetmetrics.SetCacheBytes(float64(stats.TotalBytes))
	return stats, nil
}

// Evict removes artifacts in true-LRU order (ascending last-used-at)
// until total-bytes is at or below maxBytes, and returns the count
// removed. If already within budget, it is a no-op.
func (c *Cache) Evict(maxBytes int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metas, err := c.listMetaLocked()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, m := range metas {
		total += m.Size
	}
	if total <= maxBytes {
		return 0, nil
	}

	c.logger.Info("cache evict starting", "total_size", humanize.Bytes(uint64(total)), "max_size", humanize.Bytes(uint64(maxBytes)))

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastUsedAt.Before(metas[j].LastUsedAt)
	})

	removed := 0
	for _, m := range metas {
		if total <= maxBytes {
			break
		}
		if err := c.removeLocked(m.Hash); err != nil {
			// Skip but continue scanning; sidecar corruption or a
			// racing remove should not abort the whole eviction pass.
			c.logger.Warn("cache evict skipped entry", "hash", m.Hash, "error", err)
			continue
		}
		total = saturatingSub(total, m.Size)
		removed++
	}

	c.logger.Info("cache evict complete", "removed", removed, "total_size", humanize.Bytes(uint64(total)))
	buildnetmetrics.SetCacheBytes(float64(total))
	return removed, nil
}

func saturatingSub(a, b int64) int64 {
	if b > a {
		return 0
	}
	return a - b
}

func (c *Cache) readMetaLocked(hash string) (Meta, bool, error) {
	if meta, ok := c.hot.Get(hash); ok {
		return meta, true, nil
	}

	data, err := os.ReadFile(c.sidecarPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("cache: read sidecar %s: %w", hash, err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		// Sidecar corruption: treated as absent rather than fatal, per
		// the eviction-scanning failure policy.
		return Meta{}, false, nil
	}

	c.hot.Add(hash, meta)
	return meta, true, nil
}

func (c *Cache) writeMetaLocked(meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: marshal sidecar %s: %w", meta.Hash, err)
	}
	if err := os.MkdirAll(c.shardDir(meta.Hash), 0o755); err != nil {
		return fmt.Errorf("cache: create shard dir: %w", err)
	}
	if err := os.WriteFile(c.sidecarPath(meta.Hash), data, 0o644); err != nil {
		return fmt.Errorf("cache: write sidecar %s: %w", meta.Hash, err)
	}
	c.hot.Add(meta.Hash, meta)
	return nil
}

func (c *Cache) listMetaLocked() ([]Meta, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: list root: %w", err)
	}

	var metas []Meta
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(shardPath, f.Name()))
			if err != nil {
				continue
			}
			var meta Meta
			if err := json.Unmarshal(data, &meta); err != nil {
				// Skip corrupt sidecars without aborting the scan.
				continue
			}
			metas = append(metas, meta)
		}
	}
	return metas, nil
}
