// Package cache provides a local disk cache for blob bytes, fronting the
// slower object-store backend. Cached files live under a sharded data
// directory keyed by content hash; an SQLite index tracks size and access
// time so purging can evict least-recently-used entries when the cache
// grows past its capacity.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

const (
	dataDir = "data"
	indexDB = "cache_index.db"
)

// Cache is a capacity-bounded local blob cache.
type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration

	mu sync.Mutex
	db *sql.DB
}

// New opens (or creates) a cache rooted at basePath.
func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Join(basePath, dataDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache data path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, indexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization, not a requirement.
		logger.Warn("cache failed to enable WAL mode", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		accessed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_accessed_at ON cache_index(accessed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache index ping failed: %w", err)
	}

	c := &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}
	c.publishSize()
	return c, nil
}

// Close releases the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) pathFor(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(c.basePath, dataDir, hash)
	}
	return filepath.Join(c.basePath, dataDir, hash[:2], hash[2:4], hash[4:])
}

// Get returns the cached bytes for a content hash and refreshes its access
// time for LRU purposes.
func (c *Cache) Get(hash string) ([]byte, bool) {
	data, err := os.ReadFile(c.pathFor(hash))
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	_, dbErr := c.db.Exec(`UPDATE cache_index SET accessed_at = ? WHERE hash = ?`, time.Now(), hash)
	c.mu.Unlock()
	if dbErr != nil {
		logger.Warn("cache failed to refresh access time", "hash", hash, "error", dbErr)
	}
	return data, true
}

// Put caches data under its content hash. Objects above the configured
// size limit are silently skipped; caching is best effort.
func (c *Cache) Put(hash string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		return nil
	}

	target := c.pathFor(hash)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write via temp file and rename so a reader never sees a partial blob.
	tmp, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (hash, size, accessed_at) VALUES (?, ?, ?)`,
		hash, int64(len(data)), time.Now())
	if err != nil {
		return fmt.Errorf("failed to track cache file: %w", err)
	}
	c.publishSizeLocked()
	return nil
}

// Delete removes a cached blob. Removing an uncached hash is not an error.
func (c *Cache) Delete(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.pathFor(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to remove cache index entry: %w", err)
	}
	c.publishSizeLocked()
	return nil
}

// Stats reports the current object count and total size.
func (c *Cache) Stats() (objects int64, size int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	err = row.Scan(&objects, &size)
	return objects, size, err
}

// StartPurgeLoop evicts least-recently-used entries periodically until the
// context is canceled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Warn("cache purge failed", "error", err)
				}
			}
		}
	}()
}

// PurgeIfNeeded evicts the least recently used entries until the cache is
// back under capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	victims, err := c.purgeCandidates(ctx)
	if err != nil || len(victims) == 0 {
		return err
	}

	for _, hash := range victims {
		if err := c.Delete(hash); err != nil {
			logger.Warn("cache eviction failed", "hash", hash, "error", err)
		}
	}
	logger.Debug("cache purge finished", "evicted", len(victims))
	return nil
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to compute cache size: %w", err)
	}
	if total <= c.capacity {
		return nil, nil
	}
	toFree := total - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT hash, size FROM cache_index ORDER BY accessed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query eviction candidates: %w", err)
	}
	defer rows.Close()

	var victims []string
	var freed int64
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		victims = append(victims, hash)
		freed += size
		if freed >= toFree {
			break
		}
	}
	return victims, rows.Err()
}

func (c *Cache) publishSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishSizeLocked()
}

func (c *Cache) publishSizeLocked() {
	var size int64
	if err := c.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&size); err == nil {
		metrics.CacheSizeBytes.Set(float64(size))
	}
}
