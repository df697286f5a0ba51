package params

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const (
	CacheDBName      = "cache.db"
	ManifestFileName = "manifest.json"
)

// DatadirRoot is the default parent directory for all persistent state:
// the tile cache, the cache index, and the download manifest.
var DatadirRoot = func() string {
	home, err := homedir.Dir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".tilemapd")
}()

var DefaultChannelCap = 1024
