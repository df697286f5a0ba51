package params

import "path/filepath"

type CacheConfig struct {
	// Root is the cache root; tiles live at root/z/x/y.png and the
	// bbolt index at root/cache.db.
	Root string

	// MemoryTiles caps the in-memory decoded-image LRU, by entry count.
	MemoryTiles int
}

func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Root:        filepath.Join(DatadirRoot, "tiles"),
		MemoryTiles: 512,
	}
}
