package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	bolt "go.etcd.io/bbolt"
)

var bucketResponses = []byte("responses")

// Cache stores validated raw extractor responses keyed by content hash, so
// a re-run of an unchanged document skips the extractor entirely.
type Cache struct {
	db *bolt.DB
	// ArtifactDir, when set, receives a copy of each cached response as
	// <hash>.json for operator inspection.
	ArtifactDir string
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open extract cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached raw response for a content hash, or nil.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResponses).Get([]byte(contentHash))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Put stores a validated raw response.
func (c *Cache) Put(contentHash string, raw []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(contentHash), raw)
	})
	if err != nil {
		return err
	}
	if c.ArtifactDir != "" {
		if mkErr := os.MkdirAll(c.ArtifactDir, 0o755); mkErr == nil {
			_ = os.WriteFile(filepath.Join(c.ArtifactDir, contentHash+".json"), raw, 0o644)
		}
	}
	return nil
}

// PurgeArtifacts removes exported artifact files matching any of the given
// doublestar patterns (relative to the artifact dir) whose mtime is older
// than the cutoff. Returns the number of files removed.
func (c *Cache) PurgeArtifacts(patterns []string, olderThan time.Time) (int, error) {
	if c.ArtifactDir == "" {
		return 0, nil
	}
	removed := 0
	err := filepath.WalkDir(c.ArtifactDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(c.ArtifactDir, path)
		if err != nil {
			return err
		}
		for _, pat := range patterns {
			ok, merr := doublestar.Match(pat, filepath.ToSlash(rel))
			if merr != nil {
				return fmt.Errorf("bad purge pattern %q: %w", pat, merr)
			}
			if !ok {
				continue
			}
			info, serr := d.Info()
			if serr != nil {
				return serr
			}
			if info.ModTime().Before(olderThan) {
				if rerr := os.Remove(path); rerr == nil {
					removed++
				}
			}
			break
		}
		return nil
	})
	return removed, err
}

// CachingExtractor consults the cache before reaching the external
// extractor and records the raw payload after each successful call.
type CachingExtractor struct {
	Inner RawExtractor
	Cache *Cache
}

func (ce *CachingExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	if cached, err := ce.Cache.Get(req.ContentHash); err == nil && cached != nil {
		if res, derr := DecodeResponse(cached); derr == nil {
			return res, nil
		}
		// A cached payload that no longer validates is dropped and
		// re-fetched rather than surfaced as a schema failure.
	}
	raw, err := ce.Inner.ExtractRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := ce.Cache.Put(req.ContentHash, raw); err != nil {
		return nil, fmt.Errorf("cache extractor response: %w", err)
	}
	return DecodeResponse(raw)
}

var _ Extractor = (*CachingExtractor)(nil)
