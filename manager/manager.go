// Package manager orchestrates the viewport tile pipeline. It owns the
// live-tile map and the viewport state, mediates every tile request
// through the fetch pool, and drains completions on its own tick so the
// worker goroutines never touch manager-owned maps.
package manager

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
)

// Surface is the display the manager places decoded tiles into.
// Implementations are supplied by the UI layer and must be cheap to
// call; the manager batches placements to one flush per tick.
type Surface interface {
	PlaceTile(item *TileItem)
	RemoveTile(key tiles.TileKey)
	SetSceneSize(w, h float64)
}

// Fetcher issues asynchronous tile work. *fetch.Pool satisfies it.
type Fetcher interface {
	Submit(job fetch.Job) error
	Absent(key tiles.TileKey) bool
}

// TileItem is a decoded tile positioned at its absolute scene pixel.
// The scene position is a pure function of the key, never of the
// viewport, so panning does not re-base placed tiles.
type TileItem struct {
	Key    tiles.TileKey
	Img    image.Image
	SceneX float64
	SceneY float64
}

type Manager struct {
	cfg     *params.ManagerConfig
	fetcher Fetcher
	surface Surface
	exists  func(tiles.TileKey) bool
	logger  *slog.Logger

	mu sync.Mutex

	centerLat, centerLon float64
	zoom                 int
	viewW, viewH         float64
	window               tiles.Range

	// live and pending are owned by the manager; workers report back
	// only through the results channel.
	live     map[tiles.TileKey]*TileItem
	pending  map[tiles.TileKey]struct{}
	inflight int

	dragging bool

	// last scene point accepted by UpdateTilesForView, for the
	// minimum-pixel-delta gate.
	lastSceneX, lastSceneY float64
	haveLastScene          bool

	results chan fetch.Result
}

// CacheChecker is the disk-existence probe the manager uses to decide
// between a local decode and a network fetch. *cache.Cache.Exists fits.
type CacheChecker func(tiles.TileKey) bool

func NewManager(cfg *params.ManagerConfig, fetcher Fetcher, exists CacheChecker, surface Surface) *Manager {
	if cfg == nil {
		cfg = params.DefaultManagerConfig()
	}
	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		surface: surface,
		exists:  exists,
		logger:  slog.With("unit", "manager"),
		zoom:    cfg.MinZoom,
		live:    make(map[tiles.TileKey]*TileItem),
		pending: make(map[tiles.TileKey]struct{}),
		results: make(chan fetch.Result, params.DefaultChannelCap),
	}
	return m
}

// Run drains completions at the flush cadence until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick drains up to FlushBatch completions and inserts the survivors.
// Completions whose zoom no longer matches the live zoom are dropped.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.cfg.FlushBatch; i++ {
		select {
		case res := <-m.results:
			m.handleResult(res)
		default:
			return
		}
	}
}

func (m *Manager) handleResult(res fetch.Result) {
	if _, ok := m.pending[res.Key]; ok {
		delete(m.pending, res.Key)
		m.inflight--
	}
	if !res.OK() {
		m.logger.Debug("Tile load failed", "tile", res.Key, "error", res.Err)
		return
	}
	if res.Key.Z != m.zoom {
		// Stale completion from a superseded zoom level.
		return
	}
	if _, ok := m.live[res.Key]; ok {
		return
	}
	x, y := tiles.ScenePosition(res.Key)
	item := &TileItem{Key: res.Key, Img: res.Img, SceneX: x, SceneY: y}
	m.live[res.Key] = item
	if m.surface != nil {
		m.surface.PlaceTile(item)
	}
}

// Inflight reports the number of issued-but-unfinished requests.
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// LiveCount reports the number of placed tiles.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Center returns the current viewport center.
func (m *Manager) Center() (lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.centerLat, m.centerLon
}

// Zoom returns the current zoom level.
func (m *Manager) Zoom() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoom
}
