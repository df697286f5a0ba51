package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
)

// Cache is the on-disk tile store, addressed <root>/<z>/<x>/<y>.png.
// Distinct tiles never collide on a path, so no file locking is needed;
// single-process use is assumed. A bbolt index rides alongside for size
// accounting and the startup discovery census, and a small LRU fronts
// disk decodes for recently displayed tiles.
type Cache struct {
	cfg    *params.CacheConfig
	db     *bbolt.DB
	images *lru.Cache[tiles.TileKey, image.Image]
	logger *slog.Logger
}

var tileBucket = []byte("tiles")

var ErrNotCached = errors.New("tile not cached")

type indexEntry struct {
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
}

func New(cfg *params.CacheConfig) (*Cache, error) {
	logger := slog.With("unit", "cache")
	if cfg == nil {
		logger.Warn("No config provided, using default")
		cfg = params.DefaultCacheConfig()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(cfg.Root, params.CacheDBName), 0660, nil)
	if err != nil {
		return nil, err
	}
	images, err := lru.New[tiles.TileKey, image.Image](cfg.MemoryTiles)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{
		cfg:    cfg,
		db:     db,
		images: images,
		logger: logger,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Root() string { return c.cfg.Root }

// TilePath maps a key to its cache file. Pure; the file may not exist.
func (c *Cache) TilePath(k tiles.TileKey) string {
	return filepath.Join(c.cfg.Root,
		fmt.Sprintf("%d", k.Z), fmt.Sprintf("%d", k.X), fmt.Sprintf("%d.png", k.Y))
}

func (c *Cache) Exists(k tiles.TileKey) bool {
	stat, err := os.Stat(c.TilePath(k))
	return err == nil && !stat.IsDir() && stat.Size() > 0
}

func (c *Cache) Read(k tiles.TileKey) ([]byte, error) {
	data, err := os.ReadFile(c.TilePath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	return data, nil
}

// ReadImage decodes a cached tile. A cached file that fails to decode is
// deleted along with its index entry so the next load pass refetches it,
// instead of leaving the tile permanently present-but-broken.
func (c *Cache) ReadImage(k tiles.TileKey) (image.Image, error) {
	if img, ok := c.images.Get(k); ok {
		return img, nil
	}
	data, err := c.Read(k)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.logger.Warn("Evicting undecodable cached tile", "key", k, "error", err)
		if derr := c.Delete(k); derr != nil {
			c.logger.Error("Failed to evict corrupt tile", "key", k, "error", derr)
		}
		return nil, fmt.Errorf("undecodable cached tile %s: %w", k, err)
	}
	c.images.Add(k, img)
	c.touch(k)
	return img, nil
}

// Write persists tile bytes, creating parent directories as needed.
// Bytes are on disk before Write returns.
func (c *Cache) Write(k tiles.TileKey, data []byte) error {
	path := c.TilePath(k)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create tile dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}
	now := time.Now()
	entry := indexEntry{Size: int64(len(data)), CreatedAt: now, AccessedAt: now}
	return c.putEntry(k, entry)
}

func (c *Cache) Delete(k tiles.TileKey) error {
	c.images.Remove(k)
	if err := os.Remove(c.TilePath(k)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tileBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(k.String()))
	})
}

func (c *Cache) putEntry(k tiles.TileKey, entry indexEntry) error {
	v, _ := json.Marshal(entry)
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tileBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(k.String()), v)
	})
}

func (c *Cache) touch(k tiles.TileKey) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tileBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(k.String()))
		if v == nil {
			return nil
		}
		var entry indexEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		entry.AccessedAt = time.Now()
		vv, _ := json.Marshal(entry)
		return b.Put([]byte(k.String()), vv)
	})
	if err != nil {
		c.logger.Error("Failed to touch index entry", "key", k, "error", err)
	}
}
