package fetch

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wanan0708/tilemapd/cache"
	"github.com/Wanan0708/tilemapd/common"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{G: 128, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testFetchConfig() *params.FetchConfig {
	return &params.FetchConfig{
		Workers:        2,
		AttemptTimeout: 5 * time.Second,
		RetryMax:       3,
		BackoffInitial: time.Millisecond,
		AbsentTTL:      time.Minute,
	}
}

func newTestPool(t *testing.T, handler http.Handler) (*Pool, *cache.Cache) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := cache.New(&params.CacheConfig{Root: t.TempDir(), MemoryTiles: 16})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	provider := &params.TileProviderConfig{
		URLTemplate: srv.URL + "/{server}/{z}/{x}/{y}.png",
		Servers:     []string{"a", "b"},
	}
	p := NewPool(testFetchConfig(), provider, store)
	p.Start()
	t.Cleanup(p.Stop)
	return p, store
}

func fetchOne(t *testing.T, p *Pool, k tiles.TileKey) Result {
	t.Helper()
	reply := make(chan Result, 1)
	if err := p.Submit(Job{Kind: KindFetchSave, Key: k, Reply: reply}); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-reply:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Result{}
	}
}

func TestPoolFetchAndSave(t *testing.T) {
	payload := testPNG(t)
	p, store := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	k := tiles.TileKey{X: 3, Y: 2, Z: 4}
	res := fetchOne(t, p, k)
	if !res.OK() {
		t.Fatalf("fetch failed: %v", res.Err)
	}
	if res.Img == nil || !bytes.Equal(res.Data, payload) {
		t.Error("result payload mismatch")
	}
	// A successful completion guarantees the bytes already hit disk.
	if !store.Exists(k) {
		t.Error("tile not on disk after completion")
	}
}

func TestPool404IsDefinitive(t *testing.T) {
	var hits atomic.Int32
	p, store := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	k := tiles.TileKey{X: 1, Y: 1, Z: 3}
	res := fetchOne(t, p, k)
	if !errors.Is(res.Err, ErrTileAbsent) {
		t.Fatalf("want ErrTileAbsent, got %v", res.Err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("404 was retried: %d requests", got)
	}
	if !p.Absent(k) {
		t.Error("404'd key should be in the negative cache")
	}
	if store.Exists(k) {
		t.Error("absent tile should not be on disk")
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	defer common.SlogResetLevel(slog.LevelWarn + 1)()
	payload := testPNG(t)
	var hits atomic.Int32
	p, _ := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	res := fetchOne(t, p, tiles.TileKey{X: 0, Y: 0, Z: 2})
	if !res.OK() {
		t.Fatalf("fetch should succeed on third attempt: %v", res.Err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, saw %d", got)
	}
}

func TestPoolRejectsGarbagePayload(t *testing.T) {
	defer common.SlogResetLevel(slog.LevelWarn + 1)()
	var hits atomic.Int32
	p, store := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("<html>definitely not an image</html>"))
	}))
	k := tiles.TileKey{X: 2, Y: 2, Z: 3}
	res := fetchOne(t, p, k)
	if !errors.Is(res.Err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", res.Err)
	}
	// Malformed payloads are transient; every attempt is used.
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, saw %d", got)
	}
	if store.Exists(k) {
		t.Error("garbage payload must not be persisted")
	}
}

func TestPoolEmptyPayload(t *testing.T) {
	p, _ := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	res := fetchOne(t, p, tiles.TileKey{X: 0, Y: 1, Z: 1})
	if !errors.Is(res.Err, ErrEmptyPayload) {
		t.Fatalf("want ErrEmptyPayload, got %v", res.Err)
	}
}

func TestPoolLoadFile(t *testing.T) {
	p, store := newTestPool(t, http.NotFoundHandler())
	k := tiles.TileKey{X: 7, Y: 4, Z: 5}
	if err := store.Write(k, testPNG(t)); err != nil {
		t.Fatal(err)
	}

	reply := make(chan Result, 1)
	if err := p.Submit(Job{Kind: KindLoadFile, Key: k, Reply: reply}); err != nil {
		t.Fatal(err)
	}
	res := <-reply
	if !res.OK() || res.Img == nil {
		t.Fatalf("load-from-file failed: %v", res.Err)
	}

	// Missing file reports failure, no network involved.
	reply2 := make(chan Result, 1)
	if err := p.Submit(Job{Kind: KindLoadFile, Key: tiles.TileKey{X: 0, Y: 0, Z: 5}, Reply: reply2}); err != nil {
		t.Fatal(err)
	}
	if res := <-reply2; res.OK() {
		t.Error("loading a missing tile should fail")
	}
}

func TestPoolTileURLRoundRobin(t *testing.T) {
	store, err := cache.New(&params.CacheConfig{Root: t.TempDir(), MemoryTiles: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p := NewPool(testFetchConfig(), &params.TileProviderConfig{
		URLTemplate: "https://{server}.tiles.example.com/{z}/{x}/{y}.png",
		Servers:     []string{"a", "b", "c"},
	}, store)

	k := tiles.TileKey{X: 1, Y: 2, Z: 3}
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		seen[p.TileURL(k)] = true
	}
	if len(seen) != 3 {
		t.Errorf("round robin hit %d distinct URLs, want 3: %v", len(seen), seen)
	}
	for url := range seen {
		if url != "https://a.tiles.example.com/3/1/2.png" &&
			url != "https://b.tiles.example.com/3/1/2.png" &&
			url != "https://c.tiles.example.com/3/1/2.png" {
			t.Errorf("unexpected URL %s", url)
		}
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	store, err := cache.New(&params.CacheConfig{Root: t.TempDir(), MemoryTiles: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p := NewPool(testFetchConfig(), nil, store)
	p.Start()
	p.Stop()
	if err := p.Submit(Job{Kind: KindFetchSave, Key: tiles.TileKey{Z: 1}}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("submit after stop: %v, want ErrPoolStopped", err)
	}
}

func TestPoolSingleFlightPerKey(t *testing.T) {
	// Concurrent requests for the same uncached tile, whether from the
	// HTTP tile path, the viewport, or the bulk scheduler, share one
	// upstream fetch.
	payload := testPNG(t)
	var hits atomic.Int32
	release := make(chan struct{})
	p, _ := newTestPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write(payload)
	}))

	k := tiles.TileKey{X: 5, Y: 6, Z: 4}
	first := make(chan Result, 1)
	second := make(chan Result, 1)
	if err := p.Submit(Job{Kind: KindFetchSave, Key: k, Reply: first}); err != nil {
		t.Fatal(err)
	}
	// A reply-carrying duplicate and a fire-and-forget one, both while
	// the first request is still on the wire.
	if err := p.Submit(Job{Kind: KindFetchSave, Key: k, Reply: second}); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(Job{Kind: KindFetchSave, Key: k}); err != nil {
		t.Fatal(err)
	}
	close(release)

	for _, reply := range []chan Result{first, second} {
		select {
		case res := <-reply:
			if !res.OK() {
				t.Fatalf("merged fetch failed: %v", res.Err)
			}
			if !bytes.Equal(res.Data, payload) {
				t.Error("merged result payload mismatch")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for merged completion")
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("duplicate submissions reached the provider: %d requests", got)
	}

	// The flight is gone once completed; the next submission fetches
	// fresh.
	res := fetchOne(t, p, k)
	if !res.OK() {
		t.Fatalf("post-flight fetch failed: %v", res.Err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("completed flight not cleared: %d requests", got)
	}
}
