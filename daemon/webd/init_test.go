package webd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Wanan0708/tilemapd/params"
)

// newTestWebDaemon builds a daemon over temp storage and a stub tile
// provider, without binding a listener. The fetch pool is live.
func newTestWebDaemon(t *testing.T, provider http.Handler) *WebDaemon {
	t.Helper()
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	config := params.DefaultWebDaemonConfig()
	config.CacheConfig = &params.CacheConfig{Root: filepath.Join(dir, "tiles"), MemoryTiles: 16}
	config.SchedulerConfig = &params.SchedulerConfig{
		MaxConcurrent:   2,
		RateLimitPerSec: 8,
		ManifestPath:    filepath.Join(dir, "manifest.json"),
	}
	config.ProviderConfig = &params.TileProviderConfig{
		URLTemplate: srv.URL + "/{z}/{x}/{y}.png",
		Servers:     []string{"a"},
	}
	config.FetchConfig = &params.FetchConfig{
		Workers:        2,
		AttemptTimeout: 5 * time.Second,
		RetryMax:       2,
		BackoffInitial: time.Millisecond,
		AbsentTTL:      time.Minute,
	}

	d, err := NewWebDaemon(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.manifest.Load(); err != nil {
		t.Fatal(err)
	}
	d.started = time.Now()
	d.pool.Start()
	t.Cleanup(d.pool.Stop)
	t.Cleanup(func() { d.store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.initMelody(ctx)
	return d
}
