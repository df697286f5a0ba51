package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Wanan0708/tilemapd/events"
	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/dustin/go-humanize"
	"go.etcd.io/bbolt"
)

// Summary tallies the index per zoom level, ascending.
func (c *Cache) Summary() ([]events.ZoomCount, error) {
	byZoom := map[int]*events.ZoomCount{}
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tileBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			z, _, _ := strings.Cut(string(k), "/")
			zoom, err := strconv.Atoi(z)
			if err != nil {
				return nil
			}
			var entry indexEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			zc, ok := byZoom[zoom]
			if !ok {
				zc = &events.ZoomCount{Zoom: zoom}
				byZoom[zoom] = zc
			}
			zc.Count++
			zc.Bytes += entry.Size
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]events.ZoomCount, 0, len(byZoom))
	for _, zc := range byZoom {
		out = append(out, *zc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zoom < out[j].Zoom })
	return out, nil
}

// Discover runs the startup census: summarize the index, rebuilding it from
// a directory scan if it is empty while tiles exist on disk, then emit the
// per-zoom counts on CacheDiscoveredFeed.
func (c *Cache) Discover() ([]events.ZoomCount, error) {
	summary, err := c.Summary()
	if err != nil {
		return nil, err
	}
	if len(summary) == 0 {
		if err := c.Rebuild(); err != nil {
			return nil, err
		}
		if summary, err = c.Summary(); err != nil {
			return nil, err
		}
	}
	total, bytes := 0, int64(0)
	for _, zc := range summary {
		total += zc.Count
		bytes += zc.Bytes
	}
	c.logger.Info("Discovered local tiles",
		"zooms", len(summary), "tiles", total, "size", humanize.Bytes(uint64(bytes)))
	events.CacheDiscoveredFeed.Send(summary)
	return summary, nil
}

// Rebuild repopulates the index by scanning the cache directory for
// <z>/<x>/<y>.png files, usable when the index file is lost or stale.
func (c *Cache) Rebuild() error {
	start := time.Now()
	count := 0
	err := filepath.WalkDir(c.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".png" {
			return nil
		}
		rel, err := filepath.Rel(c.cfg.Root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(os.PathSeparator))
		if len(parts) != 3 {
			return nil
		}
		z, errZ := strconv.Atoi(parts[0])
		x, errX := strconv.Atoi(parts[1])
		y, errY := strconv.Atoi(strings.TrimSuffix(parts[2], ".png"))
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}
		k := tiles.TileKey{X: x, Y: y, Z: z}
		if !k.Valid() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entry := indexEntry{
			Size:       info.Size(),
			CreatedAt:  info.ModTime(),
			AccessedAt: info.ModTime(),
		}
		count++
		return c.putEntry(k, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache root: %w", err)
	}
	c.logger.Info("Rebuilt cache index", "tiles", count, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
